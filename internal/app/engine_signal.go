package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

func (e *Engine) handleEnvelope(env *core.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("bad signal payload")
		return
	}
	// The channel is shared: our own publishes may be reflected back by
	// some transports. Drop anything we sent ourselves.
	if msg.From == e.opts.Self {
		return
	}

	switch msg.Type {
	case core.SignalOffer:
		e.handleOffer(msg)
	case core.SignalAnswer:
		e.handleAnswer(msg)
	case core.SignalCandidate:
		e.handleCandidate(msg)
	case core.SignalTerminate:
		e.handleTerminate(msg)
	case core.SignalSessionUpdate:
		// Directory traffic; the directory adapter consumes it.
	default:
		log.Warn().Str("module", "engine").Str("type", string(msg.Type)).Msg("unknown signal")
	}
}

func (e *Engine) handleOffer(msg *core.SignalMessage) {
	if msg.SDP == nil || !msg.Kind.Valid() {
		log.Warn().Str("module", "engine").Msg("malformed offer")
		return
	}

	e.mu.Lock()
	switch {
	case e.status == core.StatusDisabled:
		e.mu.Unlock()
		return

	case e.status == core.StatusIdle:
		e.sess = &domain.Session{
			ID:          msg.SessionID,
			ChatID:      e.opts.ChatID,
			InitiatorID: msg.From,
			ResponderID: e.opts.Self,
			Kind:        msg.Kind,
			State:       domain.StateRinging,
			CreatedAt:   time.UnixMilli(msg.SentAt).UTC(),
		}
		e.pendingOffer = msg
		e.peerName = msg.FromName
		e.peerAvatar = msg.FromAvatar
		e.status = core.StatusIncoming
		e.endReason = core.EndNone
		e.adoptEarlyLocked(msg.SessionID)
		g := e.gen
		e.mu.Unlock()
		e.startRingTimer(g)
		e.emit()
		log.Info().Str("module", "engine").Str("session", string(msg.SessionID)).Str("from", string(msg.From)).Msg("incoming session")

	case e.status == core.StatusIncoming && e.sess != nil && e.sess.ID == msg.SessionID && e.pendingOffer == nil:
		// Session discovered through the directory; the offer itself
		// just caught up.
		e.pendingOffer = msg
		e.peerName = msg.FromName
		e.peerAvatar = msg.FromAvatar
		e.adoptEarlyLocked(msg.SessionID)
		accept := e.pendingAccept
		sess := e.sess
		g := e.gen
		if accept {
			e.pendingAccept = false
			e.status = core.StatusConnecting
			e.stopRingTimerLocked()
		}
		e.mu.Unlock()
		e.emit()
		if accept {
			if err := e.answer(context.Background(), g, sess, msg); err != nil {
				log.Warn().Err(err).Str("module", "engine").Msg("parked accept failed")
			}
		}

	default:
		// Already busy with another session: refuse without disturbing it.
		e.mu.Unlock()
		reply := core.NewSignal(core.SignalTerminate, msg.SessionID, e.opts.Self)
		reply.Reason = reasonBusy
		if err := e.opts.Signaler.Send(e.channel, reply); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("busy reply failed")
		}
	}
}

func (e *Engine) handleAnswer(msg *core.SignalMessage) {
	e.mu.Lock()
	if e.status != core.StatusCalling || e.sess == nil || e.sess.ID != msg.SessionID || msg.SDP == nil {
		e.mu.Unlock()
		return
	}
	link := e.peer
	e.mu.Unlock()
	if link == nil {
		return
	}

	if err := link.ApplyAnswer(*msg.SDP); err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("apply answer")
		e.mu.Lock()
		g := e.gen
		e.mu.Unlock()
		e.teardown(g, teardownOpts{
			notifyReason: reasonFailed,
			lifecycle:    domain.StateFailed,
			reason:       core.EndConnectionLost,
		})
		return
	}

	e.mu.Lock()
	if e.status == core.StatusCalling && e.sess != nil && e.sess.ID == msg.SessionID {
		e.remote = true
		e.drainCandidatesLocked(link)
		e.status = core.StatusConnecting
		e.stopRingTimerLocked()
	}
	e.mu.Unlock()
	e.emit()
}

// handleCandidate applies a remote ICE candidate, buffering it if the
// remote description is not in place yet. Candidates for sessions not
// known yet are held in a bounded side buffer until their offer lands;
// nothing guarantees the offer is delivered first.
func (e *Engine) handleCandidate(msg *core.SignalMessage) {
	if msg.Candidate == nil {
		return
	}
	e.mu.Lock()
	if e.sess == nil || e.sess.ID != msg.SessionID {
		cs := e.earlyCandidates[msg.SessionID]
		if (cs != nil || len(e.earlyCandidates) < maxEarlySessions) && len(cs) < maxEarlyCandidates {
			e.earlyCandidates[msg.SessionID] = append(cs, *msg.Candidate)
		}
		e.mu.Unlock()
		return
	}
	if e.peer == nil || !e.remote {
		e.pendingCandidates = append(e.pendingCandidates, *msg.Candidate)
		e.mu.Unlock()
		return
	}
	link := e.peer
	e.mu.Unlock()

	if err := link.AddICECandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("candidate rejected")
	}
}

func (e *Engine) handleTerminate(msg *core.SignalMessage) {
	e.mu.Lock()
	if e.sess == nil || e.sess.ID != msg.SessionID {
		e.mu.Unlock()
		return
	}
	g := e.gen
	e.mu.Unlock()

	e.teardown(g, teardownOpts{reason: mapTerminateReason(msg.Reason)})
}

func mapTerminateReason(reason string) core.EndReason {
	switch reason {
	case reasonRejected:
		return core.EndRejected
	case reasonBusy:
		return core.EndPeerBusy
	case reasonUnanswered:
		return core.EndUnanswered
	case reasonFailed:
		return core.EndConnectionLost
	}
	return core.EndPeerHungUp
}

// handleTrack records a remote track. A track from a new stream id
// replaces the remote stream wholesale; a track from the current stream
// accumulates. The first track is what flips the session to active.
func (e *Engine) handleTrack(g int, t core.RemoteTrack) {
	e.mu.Lock()
	if e.gen != g {
		e.mu.Unlock()
		return
	}
	if t.StreamID() != e.remoteStreamID {
		e.remoteStreamID = t.StreamID()
		e.remoteTracks = nil
	}
	e.remoteTracks = append(e.remoteTracks, t)
	if e.status == core.StatusConnecting || e.status == core.StatusCalling {
		e.status = core.StatusActive
		e.endReason = core.EndNone
		e.stopRingTimerLocked()
		log.Info().Str("module", "engine").Str("session", string(e.sess.ID)).Msg("session active")
	}
	e.mu.Unlock()
	e.emit()
}

// handlePeerState treats disconnected and failed alike: the settings
// engine already grants the ICE agent a long disconnected timeout, so
// by the time either state surfaces the path is gone.
func (e *Engine) handlePeerState(g int, s core.PeerState) {
	if s != core.PeerFailed && s != core.PeerDisconnected {
		return
	}
	e.mu.Lock()
	if e.gen != g {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.teardown(g, teardownOpts{
		reason:    core.EndConnectionLost,
		lifecycle: domain.StateFailed,
	})
}

// handleLink reacts to signaling registration changes. A taken identity
// disables calling entirely; the condition clears itself on the next
// successful registration.
func (e *Engine) handleLink(s core.LinkState) {
	e.mu.Lock()
	prev := e.link
	e.link = s
	status := e.status
	g := e.gen
	e.mu.Unlock()
	if prev == s {
		return
	}

	switch s {
	case core.LinkTaken:
		log.Warn().Str("module", "engine").Str("identity", string(e.opts.Self)).Msg("identity registered elsewhere, disabling")
		if status == core.StatusIdle || status == core.StatusDisabled {
			e.mu.Lock()
			e.status = core.StatusDisabled
			e.mu.Unlock()
			e.emit()
		} else {
			e.teardown(g, teardownOpts{
				reason:    core.EndConnectionLost,
				lifecycle: domain.StateFailed,
				disable:   true,
			})
		}
	case core.LinkUp:
		e.mu.Lock()
		changed := e.status == core.StatusDisabled
		if changed {
			e.status = core.StatusIdle
		}
		e.mu.Unlock()
		if changed {
			log.Info().Str("module", "engine").Msg("identity reclaimed, calling re-enabled")
			e.emit()
		}
	default:
		e.emit()
	}
}

// handleDirectory reacts to lifecycle broadcasts: ring discovery when we
// were not listening at offer time, and terminal transitions recorded by
// the other party.
func (e *Engine) handleDirectory(d *domain.Session) {
	e.mu.Lock()
	switch {
	case e.status == core.StatusIdle && d.State == domain.StateRinging && d.ResponderID == e.opts.Self:
		copied := *d
		e.sess = &copied
		e.status = core.StatusIncoming
		e.endReason = core.EndNone
		e.adoptEarlyLocked(d.ID)
		g := e.gen
		e.mu.Unlock()
		e.startRingTimer(g)
		e.emit()
		log.Info().Str("module", "engine").Str("session", string(d.ID)).Msg("incoming session discovered via directory")

	case e.sess != nil && e.sess.ID == d.ID && d.State.Terminal() && e.status != core.StatusIdle:
		g := e.gen
		e.mu.Unlock()
		var reason core.EndReason
		switch d.State {
		case domain.StateRejected:
			reason = core.EndRejected
		case domain.StateFailed:
			reason = core.EndConnectionLost
		default:
			reason = core.EndPeerHungUp
		}
		e.teardown(g, teardownOpts{reason: reason})

	default:
		e.mu.Unlock()
	}
}
