// Package relay implements the signaling relay: identity registration,
// channel pub/sub fan-out over websockets, and the session directory's
// HTTP surface.
package relay

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/adapters/signal"
	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

// ErrIdentityTaken is returned when a live registration already holds
// the identity. The relay refuses the newcomer rather than evicting the
// holder, so a stale tab cannot hijack an active call.
var ErrIdentityTaken = errors.New("identity already registered")

// Sink receives frames destined for one connected client. TrySend must
// not block; a slow consumer gets dropped frames, not a stalled hub.
type Sink interface {
	TrySend(f signal.Frame) error
}

type peer struct {
	identity string
	sink     Sink
	channels map[string]struct{}
}

// Hub owns the registration table and channel subscriptions.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*peer
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*peer)}
}

func (h *Hub) Register(identity string, s Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[identity]; ok {
		return ErrIdentityTaken
	}
	h.peers[identity] = &peer{
		identity: identity,
		sink:     s,
		channels: make(map[string]struct{}),
	}
	log.Info().Str("module", "relay").Str("identity", identity).Msg("registered")
	return nil
}

// Unregister frees the identity, but only for the sink that holds it.
// A connection that lost the register race must not evict the winner on
// its way out.
func (h *Hub) Unregister(identity string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[identity]; ok && p.sink == s {
		delete(h.peers, identity)
		log.Info().Str("module", "relay").Str("identity", identity).Msg("unregistered")
	}
}

func (h *Hub) Subscribe(identity, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[identity]; ok {
		p.channels[channel] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(identity, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[identity]; ok {
		delete(p.channels, channel)
	}
}

// Publish fans a payload out to every subscriber of the channel except
// the sender.
func (h *Hub) Publish(from, channel string, payload json.RawMessage) {
	h.fanOut(from, channel, payload)
}

// AnnounceSession broadcasts a directory change on the chat's channel so
// remote directories see ringing/ended transitions without polling. Both
// parties receive it, the originator included.
func (h *Hub) AnnounceSession(sess *domain.Session) {
	msg := &core.SignalMessage{
		Type:      core.SignalSessionUpdate,
		SessionID: sess.ID,
		Session:   sess,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("session-update marshal")
		return
	}
	h.fanOut("", core.ChatChannel(sess.ChatID), payload)
}

func (h *Hub) fanOut(from, channel string, payload json.RawMessage) {
	h.mu.Lock()
	var sinks []Sink
	for _, p := range h.peers {
		if p.identity == from {
			continue
		}
		if _, ok := p.channels[channel]; ok {
			sinks = append(sinks, p.sink)
		}
	}
	h.mu.Unlock()

	f := signal.Frame{Op: signal.OpEvent, Channel: channel, Payload: payload}
	for _, s := range sinks {
		if err := s.TrySend(f); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("channel", channel).Msg("dropping frame for slow client")
		}
	}
}
