// Package media wraps local capture (microphone, camera, screen) behind
// the MediaProvider port, with typed failures the UI can branch on.
package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers screen driver

	"github.com/riomloves-sys/duocall/internal/core"
)

var _ core.MediaProvider = (*Provider)(nil)

// Provider acquires capture streams through pion/mediadevices. It hands
// out at most one live stream: acquiring a new one stops the previous
// stream's tracks first, so a stale session can never keep the camera
// light on.
type Provider struct {
	selector *mediadevices.CodecSelector

	mu      sync.Mutex
	current *stream
}

func NewProvider() (*Provider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Provider{selector: selector}, nil
}

// Selector exposes the codec selector so the PeerLink factory can populate
// its MediaEngine with the same codecs the captured tracks encode to.
func (p *Provider) Selector() *mediadevices.CodecSelector {
	return p.selector
}

func (p *Provider) Acquire(_ context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	p.mu.Lock()
	prev := p.current
	p.current = nil
	p.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if c.Audio {
		constraints.Audio = func(a *mediadevices.MediaTrackConstraints) {
			if c.SampleRate > 0 {
				a.SampleRate = prop.Int(c.SampleRate)
			}
			a.Latency = prop.Duration(20 * time.Millisecond)
		}
	}
	if c.Video || c.Screen {
		constraints.Video = func(v *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				v.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				v.Height = prop.IntRanged{Max: c.Height}
			}
			if c.FrameRate > 0 {
				v.FrameRate = prop.FloatRanged{Max: c.FrameRate}
			}
			if !c.Screen {
				// Raw formats only — some cameras expose an MJPEG node
				// that produces malformed frames and poisons the encoder.
				v.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
			}
		}
	}

	var (
		ms  mediadevices.MediaStream
		err error
	)
	if c.Screen {
		ms, err = mediadevices.GetDisplayMedia(constraints)
	} else {
		ms, err = mediadevices.GetUserMedia(constraints)
	}
	if err != nil {
		return nil, classify(err, c.Screen)
	}

	tracks := ms.GetTracks()
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("local track ended")
			}
		})
	}
	log.Info().Str("module", "media").Int("tracks", len(tracks)).Bool("screen", c.Screen).Msg("capture acquired")

	s := &stream{tracks: tracks}
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
	return s, nil
}

// classify maps the capture stack's opaque errors onto the typed failure
// set so callers can show distinct guidance per failure.
func classify(err error, screen bool) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	case screen && (strings.Contains(msg, "failed to find") || strings.Contains(msg, "unsupported")):
		return fmt.Errorf("%w: %v", core.ErrCaptureUnsupported, err)
	case strings.Contains(msg, "failed to find") || strings.Contains(msg, "no such") ||
		strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("%w: %v", core.ErrCaptureFailed, err)
}

// stream owns the capture tracks of one acquisition.
type stream struct {
	tracks []mediadevices.Track
	once   sync.Once
}

func (s *stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Stop closes every capture track exactly once. Safe to call repeatedly
// and from error handlers.
func (s *stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("track close error")
			}
		}
		log.Info().Str("module", "media").Int("tracks", len(s.tracks)).Msg("capture stopped")
	})
}
