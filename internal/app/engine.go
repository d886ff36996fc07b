// Package app contains the session engine: the state machine that takes
// a two-party chat from idle through ringing into an active media
// session and back, driving signaling, capture and the peer connection.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

// Terminate reasons on the wire.
const (
	reasonHangup     = "hangup"
	reasonRejected   = "rejected"
	reasonBusy       = "busy"
	reasonUnanswered = "unanswered"
	reasonFailed     = "failed"
)

// Bounds on candidates held for sessions whose offer has not arrived yet.
const (
	maxEarlySessions   = 4
	maxEarlyCandidates = 32
)

// Options wires one engine to its chat and collaborators.
type Options struct {
	Self       domain.UserID
	SelfName   string
	SelfAvatar string
	Peer       domain.UserID
	ChatID     domain.ChatID

	Signaler  core.Signaler
	Directory core.Directory
	Media     core.MediaProvider
	Links     core.PeerLinkFactory
	RTCConfig webrtc.Configuration

	RingTimeout time.Duration
}

// PeerInfo identifies the other party for the UI.
type PeerInfo struct {
	ID     domain.UserID
	Name   string
	Avatar string
}

// Snapshot is an immutable view of the engine for rendering.
type Snapshot struct {
	Status    core.Status
	EndReason core.EndReason

	SessionID domain.SessionID
	Kind      domain.Kind
	Peer      PeerInfo

	AudioMuted bool
	VideoOff   bool

	RemoteTracks []core.RemoteTrack
	Link         core.LinkState
}

// Engine owns at most one session at a time. All mutable state sits
// behind one mutex; asynchronous callbacks carry the generation they
// were created under and are dropped once a teardown bumps it.
type Engine struct {
	opts    Options
	channel string

	mu        sync.Mutex
	gen       int
	status    core.Status
	endReason core.EndReason
	link      core.LinkState

	sess       *domain.Session
	peerName   string
	peerAvatar string

	peer   core.PeerLink
	local  core.MediaStream
	remote bool // remote description applied

	pendingCandidates []webrtc.ICECandidateInit
	pendingOffer      *core.SignalMessage
	pendingAccept     bool

	// Candidates that outran their offer, keyed by the session they
	// belong to. Signaling makes no ordering promise between message
	// types, so these are held until the offer (or its directory
	// announcement) identifies the session.
	earlyCandidates map[domain.SessionID][]webrtc.ICECandidateInit

	remoteStreamID string
	remoteTracks   []core.RemoteTrack

	audioMuted bool
	videoOff   bool

	ringTimer *time.Timer
	onChange  func(Snapshot)
	closed    bool

	envCh   <-chan *core.Envelope
	linkCh  <-chan core.LinkState
	dirCh   <-chan *domain.Session
	cancels []func()
}

func NewEngine(opts Options) *Engine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 60 * time.Second
	}
	e := &Engine{
		opts:            opts,
		channel:         core.ChatChannel(opts.ChatID),
		status:          core.StatusIdle,
		link:            core.LinkDown,
		earlyCandidates: make(map[domain.SessionID][]webrtc.ICECandidateInit),
	}
	// Subscriptions are installed at construction, not in Run, so
	// anything published between NewEngine and the event loop starting
	// is buffered rather than lost.
	envCh, cancelEnv := opts.Signaler.Subscribe(e.channel)
	linkCh, cancelLink := opts.Signaler.Link()
	dirCh, cancelDir := opts.Directory.Subscribe(opts.ChatID)
	e.envCh, e.linkCh, e.dirCh = envCh, linkCh, dirCh
	e.cancels = []func(){cancelEnv, cancelLink, cancelDir}
	return e
}

// SetOnChange installs the change listener. Called without the engine
// lock held; the snapshot is safe to retain.
func (e *Engine) SetOnChange(fn func(Snapshot)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	s := Snapshot{
		Status:     e.status,
		EndReason:  e.endReason,
		AudioMuted: e.audioMuted,
		VideoOff:   e.videoOff,
		Link:       e.link,
	}
	if e.sess != nil {
		s.SessionID = e.sess.ID
		s.Kind = e.sess.Kind
		s.Peer = PeerInfo{
			ID:     e.sess.PeerOf(e.opts.Self),
			Name:   e.peerName,
			Avatar: e.peerAvatar,
		}
	}
	s.RemoteTracks = append(s.RemoteTracks, e.remoteTracks...)
	return s
}

func (e *Engine) emit() {
	e.mu.Lock()
	fn := e.onChange
	snap := e.snapshotLocked()
	e.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Run serves signaling, link and directory events until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	defer func() {
		for _, cancel := range e.cancels {
			cancel()
		}
	}()

	// A ringing session may predate this engine (the process restarted,
	// or the peer rang while we were offline); the directory is the only
	// place it is still visible.
	if sess, err := e.opts.Directory.Active(ctx, e.opts.ChatID); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("startup directory lookup failed")
	} else if sess != nil {
		e.handleDirectory(sess)
	}

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return
		case env, ok := <-e.envCh:
			if !ok {
				return
			}
			e.handleEnvelope(env)
		case s, ok := <-e.linkCh:
			if !ok {
				return
			}
			e.handleLink(s)
		case sess, ok := <-e.dirCh:
			if !ok {
				return
			}
			e.handleDirectory(sess)
		}
	}
}

// Initiate starts an outgoing session of the given kind. Local capture
// is acquired before anything leaves this side — no announce, no offer —
// so a device failure is invisible to the peer.
func (e *Engine) Initiate(ctx context.Context, kind domain.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown session kind %q", kind)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	if e.status == core.StatusDisabled {
		e.mu.Unlock()
		return core.ErrDisabled
	}
	if e.status != core.StatusIdle {
		e.mu.Unlock()
		return core.ErrBusy
	}
	sess := domain.NewSession(e.opts.ChatID, e.opts.Self, e.opts.Peer, kind)
	g := e.gen
	e.sess = sess
	e.status = core.StatusCalling
	e.endReason = core.EndNone
	e.mu.Unlock()
	e.emit()

	stream, err := e.opts.Media.Acquire(ctx, core.DefaultConstraints(kind))
	if err != nil {
		// Nothing was announced or sent yet, so there is no directory
		// row to settle and no peer to notify.
		e.teardown(g, teardownOpts{reason: core.EndMediaFailed})
		return err
	}

	if err := e.opts.Directory.Announce(ctx, sess); err != nil {
		if errors.Is(err, core.ErrSessionActive) {
			stream.Stop()
			e.teardown(g, teardownOpts{})
			return core.ErrBusy
		}
		// Directory trouble must not block the call; signaling is the
		// source of truth for the negotiation itself.
		log.Warn().Err(err).Str("module", "engine").Msg("announce failed, continuing")
	}

	offer, err := e.dial(ctx, g, sess, stream, nil)
	if err != nil {
		e.teardown(g, teardownOpts{reason: core.EndMediaFailed, lifecycle: domain.StateFailed})
		return err
	}

	msg := core.NewSignal(core.SignalOffer, sess.ID, e.opts.Self)
	msg.Kind = kind
	msg.FromName = e.opts.SelfName
	msg.FromAvatar = e.opts.SelfAvatar
	msg.SDP = offer
	if err := e.opts.Signaler.Send(e.channel, msg); err != nil {
		e.teardown(g, teardownOpts{reason: core.EndConnectionLost, lifecycle: domain.StateFailed})
		return err
	}

	e.startRingTimer(g)
	e.emit()
	return nil
}

// Accept answers the incoming session. If the session was discovered
// through the directory before the offer itself arrived, the accept is
// parked and completes when the offer shows up.
func (e *Engine) Accept(ctx context.Context) error {
	e.mu.Lock()
	if e.status != core.StatusIncoming {
		e.mu.Unlock()
		return core.ErrNoIncoming
	}
	if e.pendingOffer == nil {
		e.pendingAccept = true
		e.mu.Unlock()
		e.emit()
		return nil
	}
	offer := e.pendingOffer
	sess := e.sess
	g := e.gen
	e.status = core.StatusConnecting
	e.stopRingTimerLocked()
	e.mu.Unlock()
	e.emit()

	return e.answer(ctx, g, sess, offer)
}

// Reject declines the incoming session and tells the peer so.
func (e *Engine) Reject() error {
	e.mu.Lock()
	if e.status != core.StatusIncoming {
		e.mu.Unlock()
		return core.ErrNoIncoming
	}
	g := e.gen
	e.mu.Unlock()

	e.teardown(g, teardownOpts{
		notifyReason: reasonRejected,
		lifecycle:    domain.StateRejected,
	})
	return nil
}

// Terminate ends whatever session is in progress. Idempotent: calling
// it when idle is a no-op.
func (e *Engine) Terminate(ctx context.Context) error {
	e.mu.Lock()
	if e.status == core.StatusIdle || e.status == core.StatusDisabled {
		e.mu.Unlock()
		return nil
	}
	g := e.gen
	e.mu.Unlock()

	e.teardown(g, teardownOpts{
		notifyReason: reasonHangup,
		lifecycle:    domain.StateEnded,
		reason:       core.EndHungUp,
	})
	return nil
}

// ToggleAudioMute flips the local audio mute and returns the new value
// (true = muted). Muting detaches the audio sender's track, so nothing
// is encoded or sent while muted.
func (e *Engine) ToggleAudioMute() bool {
	e.mu.Lock()
	e.audioMuted = !e.audioMuted
	v := e.audioMuted
	link := e.peer
	e.mu.Unlock()
	if link != nil {
		if err := link.SetTrackEnabled(webrtc.RTPCodecTypeAudio, !v); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("audio mute failed")
		}
	}
	e.emit()
	return v
}

// ToggleVideoMute flips the local video-off flag and returns the new
// value (true = video off). Same mechanism as audio mute.
func (e *Engine) ToggleVideoMute() bool {
	e.mu.Lock()
	e.videoOff = !e.videoOff
	v := e.videoOff
	link := e.peer
	e.mu.Unlock()
	if link != nil {
		if err := link.SetTrackEnabled(webrtc.RTPCodecTypeVideo, !v); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("video mute failed")
		}
	}
	e.emit()
	return v
}

// Close tears down any session and makes the engine inert.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	inSession := e.status != core.StatusIdle && e.status != core.StatusDisabled
	g := e.gen
	e.mu.Unlock()

	if inSession {
		e.teardown(g, teardownOpts{
			notifyReason: reasonHangup,
			lifecycle:    domain.StateEnded,
			reason:       core.EndHungUp,
		})
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// dial builds the peer connection, attaches local tracks, wires the
// async callbacks under generation g and produces the local offer. A
// non-nil remoteOffer switches it to the answering role.
func (e *Engine) dial(ctx context.Context, g int, sess *domain.Session, stream core.MediaStream, remoteOffer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	link, err := e.opts.Links(e.opts.RTCConfig, sess.ID)
	if err != nil {
		stream.Stop()
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	cleanup := func() {
		stream.Stop()
		link.Close()
	}

	link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if !e.alive(g) {
			return
		}
		msg := core.NewSignal(core.SignalCandidate, sess.ID, e.opts.Self)
		msg.Candidate = &ci
		if err := e.opts.Signaler.Send(e.channel, msg); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("candidate send failed")
		}
	})
	link.OnTrack(func(t core.RemoteTrack) {
		e.handleTrack(g, t)
	})
	link.OnStateChange(func(s core.PeerState) {
		e.handlePeerState(g, s)
	})

	for _, t := range stream.Tracks() {
		if err := link.AddTrack(t); err != nil {
			cleanup()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	var desc webrtc.SessionDescription
	if remoteOffer != nil {
		desc, err = link.ApplyOfferCreateAnswer(ctx, *remoteOffer)
	} else {
		desc, err = link.CreateOffer(ctx)
	}
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	e.mu.Lock()
	if e.gen != g || e.closed {
		e.mu.Unlock()
		cleanup()
		return nil, fmt.Errorf("session superseded")
	}
	e.peer = link
	e.local = stream
	if remoteOffer != nil {
		e.remote = true
		e.drainCandidatesLocked(link)
	}
	e.mu.Unlock()
	return &desc, nil
}

// answer completes the callee side: capture is acquired only now, after
// the user said yes.
func (e *Engine) answer(ctx context.Context, g int, sess *domain.Session, offer *core.SignalMessage) error {
	stream, err := e.opts.Media.Acquire(ctx, core.DefaultConstraints(sess.Kind))
	if err != nil {
		e.teardown(g, teardownOpts{
			notifyReason: reasonFailed,
			lifecycle:    domain.StateFailed,
			reason:       core.EndMediaFailed,
		})
		return err
	}

	answer, err := e.dial(ctx, g, sess, stream, offer.SDP)
	if err != nil {
		e.teardown(g, teardownOpts{
			notifyReason: reasonFailed,
			lifecycle:    domain.StateFailed,
			reason:       core.EndMediaFailed,
		})
		return err
	}

	msg := core.NewSignal(core.SignalAnswer, sess.ID, e.opts.Self)
	msg.SDP = answer
	if err := e.opts.Signaler.Send(e.channel, msg); err != nil {
		e.teardown(g, teardownOpts{reason: core.EndConnectionLost, lifecycle: domain.StateFailed})
		return err
	}

	if err := e.opts.Directory.UpdateState(ctx, sess.ID, domain.StateActive); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("session", string(sess.ID)).Msg("directory activate failed")
	}
	e.emit()
	return nil
}

// alive reports whether callbacks created under generation g still
// belong to the current session.
func (e *Engine) alive(g int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == g && !e.closed
}

// adoptEarlyLocked moves candidates buffered for the session ahead of
// its offer into the pending queue, preserving arrival order.
func (e *Engine) adoptEarlyLocked(id domain.SessionID) {
	if cs := e.earlyCandidates[id]; len(cs) > 0 {
		e.pendingCandidates = append(cs, e.pendingCandidates...)
		delete(e.earlyCandidates, id)
	}
}

func (e *Engine) drainCandidatesLocked(link core.PeerLink) {
	for _, ci := range e.pendingCandidates {
		if err := link.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("buffered candidate rejected")
		}
	}
	e.pendingCandidates = nil
}

type teardownOpts struct {
	notifyReason string                // "" = do not send terminate
	lifecycle    domain.LifecycleState // "" = do not touch the directory
	reason       core.EndReason
	disable      bool // land in disabled instead of idle
}

// teardown dismantles the session under generation g: notify the peer
// first (so the terminate outruns the dying connection), then release
// capture, then close the peer connection, then clear state. Stale
// generations are ignored, which makes every path that can race a
// user-initiated hangup safe.
func (e *Engine) teardown(g int, o teardownOpts) {
	e.mu.Lock()
	if e.gen != g {
		e.mu.Unlock()
		return
	}
	e.gen++
	sess := e.sess
	link := e.peer
	stream := e.local

	e.sess = nil
	e.peer = nil
	e.local = nil
	e.remote = false
	e.pendingCandidates = nil
	e.pendingOffer = nil
	e.pendingAccept = false
	clear(e.earlyCandidates)
	e.remoteStreamID = ""
	e.remoteTracks = nil
	e.audioMuted = false
	e.videoOff = false
	e.peerName = ""
	e.peerAvatar = ""
	e.stopRingTimerLocked()
	if o.disable {
		e.status = core.StatusDisabled
	} else {
		e.status = core.StatusIdle
	}
	e.endReason = o.reason
	e.mu.Unlock()

	if sess != nil && o.notifyReason != "" {
		msg := core.NewSignal(core.SignalTerminate, sess.ID, e.opts.Self)
		msg.Reason = o.notifyReason
		if err := e.opts.Signaler.Send(e.channel, msg); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("terminate send failed")
		}
	}
	if stream != nil {
		stream.Stop()
	}
	if link != nil {
		if err := link.Close(); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("peer close failed")
		}
	}
	if sess != nil && o.lifecycle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.opts.Directory.UpdateState(ctx, sess.ID, o.lifecycle); err != nil {
			// A bad transition here usually means the peer won the race
			// to record the outcome.
			log.Debug().Err(err).Str("module", "engine").Str("session", string(sess.ID)).Msg("lifecycle update skipped")
		}
		cancel()
	}

	if sess != nil {
		log.Info().
			Str("module", "engine").
			Str("session", string(sess.ID)).
			Str("reason", string(o.reason)).
			Msg("session torn down")
	}
	e.emit()
}

func (e *Engine) startRingTimer(g int) {
	e.mu.Lock()
	e.stopRingTimerLocked()
	e.ringTimer = time.AfterFunc(e.opts.RingTimeout, func() {
		e.onRingTimeout(g)
	})
	e.mu.Unlock()
}

func (e *Engine) stopRingTimerLocked() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

// onRingTimeout fires when a ringing session was neither answered nor
// declined in time. The caller tells the peer and records the outcome;
// the callee just drops the prompt (the caller's timer owns the record).
func (e *Engine) onRingTimeout(g int) {
	e.mu.Lock()
	if e.gen != g {
		e.mu.Unlock()
		return
	}
	status := e.status
	e.mu.Unlock()

	switch status {
	case core.StatusCalling:
		e.teardown(g, teardownOpts{
			notifyReason: reasonUnanswered,
			lifecycle:    domain.StateEnded,
			reason:       core.EndUnanswered,
		})
	case core.StatusIncoming:
		e.teardown(g, teardownOpts{reason: core.EndUnanswered})
	}
}
