package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/adapters/signal"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	sendBuf   = 32
)

var errBackpressure = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsConn struct {
	conn *websocket.Conn
	send chan signal.Frame
	once sync.Once
}

func (c *wsConn) TrySend(f signal.Frame) error {
	select {
	case c.send <- f:
		return nil
	default:
		return errBackpressure
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Controller serves the relay websocket endpoint: one connection per
// registered identity.
type Controller struct {
	hub     *Hub
	limiter *publishLimiter
}

func NewController(hub *Hub) *Controller {
	// 256 publishes per 10 s leaves plenty of headroom for candidate
	// bursts while capping a runaway client.
	return &Controller{
		hub:     hub,
		limiter: newPublishLimiter(256, 10*time.Second),
	}
}

func (ctl *Controller) HandleSignal(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	conn := &wsConn{conn: ws, send: make(chan signal.Frame, sendBuf)}
	go ctl.writePump(conn)
	ctl.readPump(conn)
}

func (ctl *Controller) writePump(c *wsConn) {
	for f := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteJSON(f); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("write")
			return
		}
	}
}

// readPump performs the register handshake and then serves frames until
// the connection drops.
func (ctl *Controller) readPump(c *wsConn) {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	var reg signal.Frame
	if err := c.conn.ReadJSON(&reg); err != nil {
		return
	}
	if reg.Op != signal.OpRegister || reg.Identity == "" {
		// Not a collision; answering identity-taken here would make the
		// client surface a duplicate-session warning for a protocol slip.
		_ = c.TrySend(signal.Frame{Op: signal.OpError})
		time.Sleep(100 * time.Millisecond)
		return
	}
	identity := reg.Identity

	if err := ctl.hub.Register(identity, c); err != nil {
		log.Info().Str("module", "relay").Str("identity", identity).Msg("refusing duplicate identity")
		_ = c.TrySend(signal.Frame{Op: signal.OpIdentityTaken})
		// Give the write pump a moment to flush the refusal.
		time.Sleep(100 * time.Millisecond)
		return
	}
	defer func() {
		ctl.hub.Unregister(identity, c)
		ctl.limiter.Forget(identity)
	}()
	_ = c.TrySend(signal.Frame{Op: signal.OpRegistered})

	for {
		var f signal.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			log.Info().Err(err).Str("module", "relay").Str("identity", identity).Msg("connection closed")
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Op {
		case signal.OpSubscribe:
			ctl.hub.Subscribe(identity, f.Channel)
		case signal.OpUnsubscribe:
			ctl.hub.Unsubscribe(identity, f.Channel)
		case signal.OpPublish:
			if !ctl.limiter.Allow(identity) {
				log.Warn().Str("module", "relay").Str("identity", identity).Msg("publish rate limit hit")
				continue
			}
			ctl.hub.Publish(identity, f.Channel, f.Payload)
		default:
			log.Warn().Str("module", "relay").Str("op", f.Op).Msg("unknown frame op")
		}
	}
}
