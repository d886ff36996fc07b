package core

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/riomloves-sys/duocall/internal/domain"
)

// Typed media acquisition failures. The engine and its consumers branch on
// these to show distinct user guidance ("camera already in use" vs
// "sharing not supported here").
var (
	ErrPermissionDenied   = errors.New("media permission denied")
	ErrDeviceUnavailable  = errors.New("media device unavailable")
	ErrCaptureUnsupported = errors.New("capture not supported")
	ErrCaptureFailed      = errors.New("media capture failed")
)

// Engine precondition failures.
var (
	ErrBusy       = errors.New("another session is in progress")
	ErrDisabled   = errors.New("calling disabled: identity registered elsewhere")
	ErrNoIncoming = errors.New("no incoming session")
)

// LinkState describes the health of the signaling registration.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
	// LinkTaken means the relay refused our identity because another live
	// client holds it (e.g. a duplicate tab). Self-heals when the other
	// registration frees up and a reconnect succeeds.
	LinkTaken
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkTaken:
		return "taken"
	}
	return "down"
}

// Signaler is the out-of-band signaling transport: a pub/sub channel keyed
// by chat id, delivering small JSON payloads to the other subscribed party.
// Delivery is at-least-once with no cross-message-type ordering guarantee.
type Signaler interface {
	// Send publishes msg on the channel. Best-effort: an error means the
	// peer was probably not notified, never that local state is wrong.
	Send(channel string, msg *SignalMessage) error

	// Subscribe returns a stream of raw envelopes for the channel. The
	// cancel func releases the subscription and closes the stream.
	Subscribe(channel string) (<-chan *Envelope, func())

	// Link returns a stream of registration-state changes.
	Link() (<-chan LinkState, func())
}

// Directory tracks the zero-or-one non-terminal session per chat so a
// participant that was not actively waiting can discover an in-progress or
// incoming session.
type Directory interface {
	// Announce persists a fresh ringing session. Returns ErrSessionActive
	// when the chat already has a non-terminal session.
	Announce(ctx context.Context, sess *domain.Session) error

	// UpdateState applies a lifecycle transition. Illegal transitions
	// return domain.ErrBadTransition.
	UpdateState(ctx context.Context, id domain.SessionID, state domain.LifecycleState) error

	// Active returns the chat's current non-terminal session, or nil.
	Active(ctx context.Context, chatID domain.ChatID) (*domain.Session, error)

	// Subscribe delivers every lifecycle change for the chat's sessions.
	Subscribe(chatID domain.ChatID) (<-chan *domain.Session, func())
}

// ErrSessionActive is returned by Directory.Announce on a busy chat.
var ErrSessionActive = errors.New("chat already has a non-terminal session")

// ErrSessionNotFound is returned by Directory.UpdateState for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// MediaConstraints describes the desired local capture. The defensive
// audio processing flags (echo cancellation, noise suppression, gain
// control) and the fixed 48 kHz rate exist to suppress acoustic feedback
// on voice/video calls; capture stacks apply the subset they support.
type MediaConstraints struct {
	Audio            bool
	Video            bool
	Screen           bool
	Width, Height    int
	FrameRate        float32
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns the per-kind capture profile.
func DefaultConstraints(kind domain.Kind) MediaConstraints {
	c := MediaConstraints{
		Audio:            true,
		SampleRate:       48000,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	switch kind {
	case domain.KindVideo:
		c.Video = true
		c.Width, c.Height = 1280, 720
	case domain.KindScreen:
		c.Screen = true
		c.Width, c.Height = 1280, 720
		c.FrameRate = 15
	}
	return c
}

// MediaStream is an exclusively owned set of local capture tracks.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases every capture device. Idempotent: stopping an already
	// stopped stream is a no-op.
	Stop()
}

// MediaProvider acquires local capture. Implementations stop any stream
// they previously handed out before acquiring a new one.
type MediaProvider interface {
	Acquire(ctx context.Context, c MediaConstraints) (MediaStream, error)
}

// PeerState condenses the underlying connection state for the engine.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "connecting"
}

// RemoteTrack is the subset of *webrtc.TrackRemote the engine needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerLink wraps one peer connection. Exclusively owned by the engine;
// every method is safe after Close (no-ops or errors, never panics).
type PeerLink interface {
	AddTrack(t webrtc.TrackLocal) error

	// SetTrackEnabled pauses or resumes outbound media of the given kind.
	// A paused kind stops encoding and sending entirely; no renegotiation
	// happens. No-op when no track of that kind was added.
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error

	// CreateOffer produces and installs the local offer (trickle ICE: the
	// description is returned immediately, candidates flow via OnICECandidate).
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)

	// ApplyOfferCreateAnswer installs the remote offer and produces and
	// installs the local answer.
	ApplyOfferCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// ApplyAnswer installs the remote answer on the offering side.
	ApplyAnswer(answer webrtc.SessionDescription) error

	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(PeerState))

	// Close tears the connection down. Idempotent.
	Close() error
}

// PeerLinkFactory creates a PeerLink for a new session attempt.
type PeerLinkFactory func(cfg webrtc.Configuration, sessionID domain.SessionID) (PeerLink, error)

// Status is the UI-facing state of the engine.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusIncoming
	StatusConnecting
	StatusActive
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusCalling:
		return "calling"
	case StatusIncoming:
		return "incoming"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusDisabled:
		return "disabled"
	}
	return "idle"
}

// EndReason labels how the previous session terminated, so the UI can
// tell "you hung up" from "the call dropped".
type EndReason string

const (
	EndNone           EndReason = ""
	EndHungUp         EndReason = "hung-up"
	EndPeerHungUp     EndReason = "peer-hung-up"
	EndRejected       EndReason = "rejected"
	EndPeerBusy       EndReason = "peer-busy"
	EndConnectionLost EndReason = "connection-lost"
	EndUnanswered     EndReason = "unanswered"
	EndMediaFailed    EndReason = "media-failed"
)
