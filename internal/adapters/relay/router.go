package relay

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/config"
	"github.com/riomloves-sys/duocall/internal/core"
)

func SetupRouter(cfg *config.Config, hub *Hub, dir core.Directory) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "relay").Msg("router setup")

	ctl := NewController(hub)
	sessions := NewSessionAPI(dir)

	api := r.Group("/api")
	api.GET("/ws/signal", ctl.HandleSignal)
	api.POST("/sessions", sessions.Announce)
	api.PATCH("/sessions/:id", sessions.Update)
	api.GET("/sessions/active", sessions.Active)

	return r
}
