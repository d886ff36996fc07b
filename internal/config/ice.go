package config

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Default public STUN entries so basic connectivity works with zero
// configuration.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:global.stun.twilio.com:3478"}},
}

type turnEntry struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ResolveICE builds the peer-connection configuration: the fixed default
// STUN set merged with externally configured TURN relays. A malformed TURN
// list is logged and ignored — it must never prevent a session from
// starting on the STUN defaults.
func (c *Config) ResolveICE() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, len(defaultICEServers))
	copy(servers, defaultICEServers)

	if c.TURNServers != "" {
		var entries []turnEntry
		if err := json.Unmarshal([]byte(c.TURNServers), &entries); err != nil {
			log.Warn().Err(err).Str("module", "config").Msg("ignoring malformed turn_servers")
		} else {
			for _, e := range entries {
				if len(e.URLs) == 0 {
					continue
				}
				servers = append(servers, webrtc.ICEServer{
					URLs:       e.URLs,
					Username:   e.Username,
					Credential: e.Credential,
				})
			}
		}
	}

	pool := c.ICEPoolSize
	if pool <= 0 {
		pool = 10
	}
	if pool > 255 {
		pool = 255
	}
	return webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: uint8(pool),
	}
}
