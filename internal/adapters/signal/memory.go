package signal

import (
	"encoding/json"
	"sync"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

// Bus is an in-process relay: every client sees publishes from every
// other client on the channels it subscribed to. Used by tests and by
// single-process demos where both parties live in one binary.
type Bus struct {
	mu      sync.Mutex
	clients []*MemClient
}

func NewBus() *Bus {
	return &Bus{}
}

// Client attaches a new party to the bus. The link starts up.
func (b *Bus) Client(identity domain.UserID) *MemClient {
	c := &MemClient{
		bus:      b,
		identity: identity,
		subs:     make(map[string][]chan *core.Envelope),
		state:    core.LinkUp,
	}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *Bus) publish(from *MemClient, env *core.Envelope) {
	b.mu.Lock()
	clients := append([]*MemClient(nil), b.clients...)
	b.mu.Unlock()
	for _, c := range clients {
		if c == from {
			continue
		}
		c.deliver(env)
	}
}

var _ core.Signaler = (*MemClient)(nil)

// MemClient is one party's handle on the Bus.
type MemClient struct {
	bus      *Bus
	identity domain.UserID

	mu    sync.Mutex
	subs  map[string][]chan *core.Envelope
	links []chan core.LinkState
	state core.LinkState
}

func (c *MemClient) Send(channel string, msg *core.SignalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.bus.publish(c, &core.Envelope{Channel: channel, Payload: payload})
	return nil
}

func (c *MemClient) Subscribe(channel string) (<-chan *core.Envelope, func()) {
	ch := make(chan *core.Envelope, subBuffer)
	c.mu.Lock()
	c.subs[channel] = append(c.subs[channel], ch)
	c.mu.Unlock()

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
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *MemClient) Link() (<-chan core.LinkState, func()) {
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

// PushLink injects a link-state change, simulating relay outages and
// identity collisions.
func (c *MemClient) PushLink(s core.LinkState) {
	c.mu.Lock()
	c.state = s
	chans := append([]chan core.LinkState(nil), c.links...)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- s
	}
}

func (c *MemClient) deliver(env *core.Envelope) {
	c.mu.Lock()
	chans := append([]chan *core.Envelope(nil), c.subs[env.Channel]...)
	c.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- env:
		default:
		}
	}
}
