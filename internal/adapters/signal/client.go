package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxReconnectInterval = 30 * time.Second
	subBuffer            = 32
)

var errLinkDown = errors.New("signaling link is down")

var _ core.Signaler = (*Client)(nil)

// Client maintains a registered websocket connection to the relay and
// reconnects with exponential backoff. Identity registration can be
// refused when another live client holds the same identity; the client
// reports LinkTaken and keeps retrying, so the condition heals itself
// once the other registration goes away.
type Client struct {
	url      string
	identity domain.UserID

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string][]chan *core.Envelope
	links []chan core.LinkState
	state core.LinkState

	done     chan struct{}
	closeOne sync.Once
}

func NewClient(url string, identity domain.UserID) *Client {
	return &Client{
		url:      url,
		identity: identity,
		subs:     make(map[string][]chan *core.Envelope),
		state:    core.LinkDown,
		done:     make(chan struct{}),
	}
}

// Run dials and serves the connection until ctx is cancelled or Close is
// called. Each failed or dropped session backs off; a successful
// registration resets the backoff.
func (c *Client) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = maxReconnectInterval

	for {
		if err := c.session(ctx, b); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("identity", string(c.identity)).Msg("relay session ended")
		}
		c.setLinkIfNot(core.LinkTaken, core.LinkDown)

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (c *Client) session(ctx context.Context, b *backoff.ExponentialBackOff) error {
	dialCtx, cancel := context.WithTimeout(ctx, writeWait)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Frame{Op: OpRegister, Identity: string(c.identity)}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	var ack Frame
	if err := conn.ReadJSON(&ack); err != nil {
		return err
	}
	if ack.Op == OpIdentityTaken {
		c.setLink(core.LinkTaken)
		return errors.New("identity already registered on the relay")
	}
	if ack.Op != OpRegistered {
		return errors.New("unexpected register response: " + ack.Op)
	}

	b.Reset()
	c.mu.Lock()
	c.conn = conn
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	c.setLink(core.LinkUp)
	log.Info().Str("module", "signal").Str("identity", string(c.identity)).Msg("registered with relay")

	for _, ch := range channels {
		if err := c.write(Frame{Op: OpSubscribe, Channel: ch}); err != nil {
			c.detach()
			return err
		}
	}

	stopPing := make(chan struct{})
	go c.pingLoop(conn, stopPing)
	defer close(stopPing)
	defer c.detach()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if f.Op == OpEvent {
			c.dispatch(&core.Envelope{Channel: f.Channel, Payload: f.Payload})
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return errLinkDown
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(f)
	c.mu.Unlock()
	return err
}

func (c *Client) Send(channel string, msg *core.SignalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(Frame{Op: OpPublish, Channel: channel, Payload: payload})
}

func (c *Client) Subscribe(channel string) (<-chan *core.Envelope, func()) {
	ch := make(chan *core.Envelope, subBuffer)
	c.mu.Lock()
	first := len(c.subs[channel]) == 0
	c.subs[channel] = append(c.subs[channel], ch)
	connected := c.conn != nil
	c.mu.Unlock()

	if first && connected {
		if err := c.write(Frame{Op: OpSubscribe, Channel: channel}); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("channel", channel).Msg("subscribe failed, will retry on reconnect")
		}
	}

	cancel := func() {
		c.mu.Lock()
		chans := c.subs[channel]
		for i, sc := range chans {
			if sc == ch {
				c.subs[channel] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		last := len(c.subs[channel]) == 0
		if last {
			delete(c.subs, channel)
		}
		connected := c.conn != nil
		c.mu.Unlock()
		if last && connected {
			_ = c.write(Frame{Op: OpUnsubscribe, Channel: channel})
		}
	}
	return ch, cancel
}

func (c *Client) Link() (<-chan core.LinkState, func()) {
	ch := make(chan core.LinkState, 4)
	c.mu.Lock()
	ch <- c.state
	c.links = append(c.links, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		for i, lc := range c.links {
			if lc == ch {
				c.links = append(c.links[:i], c.links[i+1:]...)
				close(ch)
				break
			}
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Close stops the run loop and drops the connection.
func (c *Client) Close() {
	c.closeOne.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Client) dispatch(env *core.Envelope) {
	c.mu.Lock()
	chans := append([]chan *core.Envelope(nil), c.subs[env.Channel]...)
	c.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- env:
		default:
			log.Warn().Str("module", "signal").Str("channel", env.Channel).Msg("subscriber buffer full, dropping event")
		}
	}
}

func (c *Client) setLink(s core.LinkState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	chans := append([]chan core.LinkState(nil), c.links...)
	c.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- s:
		default:
		}
	}
}

// setLinkIfNot transitions to next unless the current state is skip.
// Keeps a LinkTaken verdict visible across the reconnect pause instead
// of flapping through LinkDown.
func (c *Client) setLinkIfNot(skip, next core.LinkState) {
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()
	if cur != skip {
		c.setLink(next)
	}
}
