package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

// NewFactory builds a PeerLinkFactory around a shared webrtc.API. The
// codec selector must be the same one the media provider captures with,
// so the negotiated codecs match the encoders feeding the tracks.
func NewFactory(selector *mediadevices.CodecSelector) (core.PeerLinkFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT/relay hiccup does not
	// immediately terminate the call. The 5 s default disconnectedTimeout
	// is far too short for relay paths with short outages.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return func(cfg webrtc.Configuration, sid domain.SessionID) (core.PeerLink, error) {
		return New(api, cfg, sid)
	}, nil
}
