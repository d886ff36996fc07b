// Package signal provides the signaling transports: a websocket client
// speaking the relay's frame protocol, and an in-process bus for tests
// and single-process setups.
package signal

import "encoding/json"

// Frame op codes. The relay protocol is a thin channel pub/sub: a client
// registers an identity, subscribes to channels, and publishes opaque
// payloads that the relay fans out to the channel's other subscribers.
const (
	OpRegister      = "register"
	OpRegistered    = "registered"
	OpIdentityTaken = "identity-taken"
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unsubscribe"
	OpPublish       = "publish"
	OpEvent         = "event"
	OpError         = "error"
)

// Frame is the single message shape on the relay websocket, both
// directions. Unused fields are omitted per op.
type Frame struct {
	Op       string          `json:"op"`
	Identity string          `json:"identity,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
