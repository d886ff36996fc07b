package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrBadTransition = errors.New("illegal lifecycle transition")

type (
	SessionID string
	ChatID    string
)

// Kind selects the media profile of a session.
type Kind string

const (
	KindVoice  Kind = "voice"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen-share"
)

func (k Kind) Valid() bool {
	return k == KindVoice || k == KindVideo || k == KindScreen
}

// HasVideo reports whether the kind carries a video track.
func (k Kind) HasVideo() bool { return k != KindVoice }

// LifecycleState is the shared (directory-visible) state of a session.
// Transitions are monotonic: ringing may move to any other state, active
// may only end or fail, and terminal states never change again.
type LifecycleState string

const (
	StateRinging  LifecycleState = "ringing"
	StateActive   LifecycleState = "active"
	StateEnded    LifecycleState = "ended"
	StateRejected LifecycleState = "rejected"
	StateFailed   LifecycleState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s LifecycleState) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// CanTransition reports whether a session in state s may move to next.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	if s.Terminal() || next == StateRinging {
		return false
	}
	switch s {
	case StateRinging:
		return next == StateActive || next == StateEnded || next == StateRejected || next == StateFailed
	case StateActive:
		return next == StateEnded || next == StateFailed
	}
	return false
}

// Session describes one call or share attempt between exactly two
// participants. A chat may accumulate many sessions over time; at most one
// is non-terminal at any moment.
type Session struct {
	ID          SessionID      `json:"id"`
	ChatID      ChatID         `json:"chat_id"`
	InitiatorID UserID         `json:"initiator_id"`
	ResponderID UserID         `json:"responder_id"`
	Kind        Kind           `json:"kind"`
	State       LifecycleState `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewSession creates a ringing session descriptor for a fresh attempt.
func NewSession(chatID ChatID, initiator, responder UserID, kind Kind) *Session {
	return &Session{
		ID:          SessionID(uuid.NewString()),
		ChatID:      chatID,
		InitiatorID: initiator,
		ResponderID: responder,
		Kind:        kind,
		State:       StateRinging,
		CreatedAt:   time.Now().UTC(),
	}
}

// Transition moves the descriptor to next, enforcing monotonicity.
func (s *Session) Transition(next LifecycleState) error {
	if !s.State.CanTransition(next) {
		return ErrBadTransition
	}
	s.State = next
	return nil
}

// PeerOf returns the other participant's id, or "" if uid is not a party.
func (s *Session) PeerOf(uid UserID) UserID {
	switch uid {
	case s.InitiatorID:
		return s.ResponderID
	case s.ResponderID:
		return s.InitiatorID
	}
	return ""
}
