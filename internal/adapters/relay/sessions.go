package relay

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

// SessionAPI exposes the session directory over HTTP for clients that
// reach the relay remotely.
type SessionAPI struct {
	dir core.Directory
}

func NewSessionAPI(dir core.Directory) *SessionAPI {
	return &SessionAPI{dir: dir}
}

type announceRequest struct {
	ID          domain.SessionID `json:"id"`
	ChatID      domain.ChatID    `json:"chat_id" binding:"required"`
	InitiatorID domain.UserID    `json:"initiator_id" binding:"required"`
	ResponderID domain.UserID    `json:"responder_id" binding:"required"`
	Kind        domain.Kind      `json:"kind" binding:"required"`
}

func (api *SessionAPI) Announce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session kind"})
		return
	}

	sess := domain.NewSession(req.ChatID, req.InitiatorID, req.ResponderID, req.Kind)
	if req.ID != "" {
		sess.ID = req.ID
	}

	if err := api.dir.Announce(c.Request.Context(), sess); err != nil {
		if errors.Is(err, core.ErrSessionActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type updateRequest struct {
	State domain.LifecycleState `json:"state" binding:"required"`
}

func (api *SessionAPI) Update(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := api.dir.UpdateState(c.Request.Context(), id, req.State)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, core.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (api *SessionAPI) Active(c *gin.Context) {
	chatID := domain.ChatID(c.Query("chat_id"))
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id is required"})
		return
	}

	sess, err := api.dir.Active(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, sess)
}
