package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

var _ core.PeerLink = (*Connection)(nil)

// Connection wraps a single pion PeerConnection for one session attempt.
// Trickle ICE: local candidates are surfaced via OnICECandidate as they
// are produced and must be relayed immediately; the engine never waits
// for gathering to complete.
type Connection struct {
	pc  *webrtc.PeerConnection
	sid domain.SessionID

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(core.PeerState)
	senders map[webrtc.RTPCodecType]outbound
	closed  bool
	started bool
}

// outbound pairs a sender with the track it was created for, so a muted
// kind can be reattached later.
type outbound struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

func New(api *webrtc.API, cfg webrtc.Configuration, sid domain.SessionID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, sid: sid, senders: make(map[webrtc.RTPCodecType]outbound)}
	c.start()
	return c, nil
}

func (c *Connection) start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("session", string(c.sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("session", string(c.sid)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("session", string(c.sid)).Str("peer_state", s.String()).Msg("peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapPeerState(s))
		}
	})
}

func mapPeerState(s webrtc.PeerConnectionState) core.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return core.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return core.PeerClosed
	}
	return core.PeerConnecting
}

func (c *Connection) AddTrack(t webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[t.Kind()] = outbound{sender: sender, track: t}
	c.mu.Unlock()
	return nil
}

// SetTrackEnabled detaches or reattaches the sender's track. ReplaceTrack
// with a nil track keeps the sender (and the negotiated m-line) alive but
// stops all encoding, which is what mute means here.
func (c *Connection) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	c.mu.Lock()
	o, ok := c.senders[kind]
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return nil
	}
	if enabled {
		return o.sender.ReplaceTrack(o.track)
	}
	return o.sender.ReplaceTrack(nil)
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) ApplyOfferCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(core.PeerState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close is idempotent: the engine calls it from every termination path,
// including error handlers that may fire twice.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onICE, c.onTrack, c.onState = nil, nil, nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("session", string(c.sid)).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("session", string(c.sid)).Msg("closed")
	return nil
}
