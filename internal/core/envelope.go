package core

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/riomloves-sys/duocall/internal/domain"
)

// SignalType discriminates the payloads exchanged on a chat channel.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalTerminate SignalType = "terminate"
	// SignalSessionUpdate carries a directory change broadcast by the
	// relay. Consumed by the remote Directory, ignored by the engine's
	// negotiation path.
	SignalSessionUpdate SignalType = "session-update"
)

// SignalMessage is the envelope body exchanged over the transport. It is
// never persisted. From lets a party drop its own echoes on a shared
// channel; SentAt is informational only (the transport gives no ordering
// guarantee, which is why receivers must buffer early candidates).
type SignalMessage struct {
	Type      SignalType       `json:"type"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	From      domain.UserID    `json:"from,omitempty"`
	SentAt    int64            `json:"sent_at,omitempty"`

	// Offer metadata for the callee's incoming prompt.
	Kind       domain.Kind `json:"kind,omitempty"`
	FromName   string      `json:"from_name,omitempty"`
	FromAvatar string      `json:"from_avatar,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// Terminate reason: "hangup", "rejected", "busy", "unanswered".
	Reason string `json:"reason,omitempty"`

	// Session carries the descriptor on session-update events.
	Session *domain.Session `json:"session,omitempty"`
}

// NewSignal stamps a message with sender and time.
func NewSignal(t SignalType, sessionID domain.SessionID, from domain.UserID) *SignalMessage {
	return &SignalMessage{
		Type:      t,
		SessionID: sessionID,
		From:      from,
		SentAt:    time.Now().UnixMilli(),
	}
}

// Envelope is what a Signaler delivers: the channel key plus the raw
// message body. Payload stays raw so transports never need to understand
// the signaling vocabulary.
type Envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into a SignalMessage.
func (e *Envelope) Decode() (*SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ChatChannel derives the signaling channel key for a chat.
func ChatChannel(chatID domain.ChatID) string {
	return "chat:" + string(chatID)
}
