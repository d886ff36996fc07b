package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/riomloves-sys/duocall/internal/adapters/signal"
	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

const testChat = domain.ChatID("chat-1")

// --- fakes ---

type fakeStream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired int
	streams  []*fakeStream
}

func (m *fakeMedia) Acquire(_ context.Context, _ core.MediaConstraints) (core.MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) acquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

func (m *fakeMedia) lastStream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type fakePeer struct {
	mu         sync.Mutex
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(core.RemoteTrack)
	onState    func(core.PeerState)
	candidates []webrtc.ICECandidateInit
	enabled    map[webrtc.RTPCodecType]bool
	closed     bool
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error { return nil }

func (p *fakePeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	if p.enabled == nil {
		p.enabled = make(map[webrtc.RTPCodecType]bool)
	}
	p.enabled[kind] = enabled
	p.mu.Unlock()
	return nil
}

// sending reports whether outbound media of the kind is flowing; tracks
// start attached.
func (p *fakePeer) sending(kind webrtc.RTPCodecType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	on, ok := p.enabled[kind]
	return !ok || on
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) ApplyOfferCreateAnswer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) ApplyAnswer(webrtc.SessionDescription) error { return nil }

func (p *fakePeer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, ci)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(core.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) fireICE(ci webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (p *fakePeer) fireTrack(t core.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *fakePeer) fireState(s core.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

type fakeLinks struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeLinks) factory(webrtc.Configuration, domain.SessionID) (core.PeerLink, error) {
	p := &fakePeer{}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeLinks) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeDirectory struct {
	mu        sync.Mutex
	sessions  map[domain.SessionID]*domain.Session
	subs      map[domain.ChatID][]chan *domain.Session
	announces int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		sessions: make(map[domain.SessionID]*domain.Session),
		subs:     make(map[domain.ChatID][]chan *domain.Session),
	}
}

func (d *fakeDirectory) Announce(_ context.Context, sess *domain.Session) error {
	d.mu.Lock()
	d.announces++
	for _, s := range d.sessions {
		if s.ChatID == sess.ChatID && !s.State.Terminal() {
			d.mu.Unlock()
			return core.ErrSessionActive
		}
	}
	copied := *sess
	d.sessions[sess.ID] = &copied
	d.mu.Unlock()
	d.notify(&copied)
	return nil
}

func (d *fakeDirectory) UpdateState(_ context.Context, id domain.SessionID, state domain.LifecycleState) error {
	d.mu.Lock()
	sess, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return core.ErrSessionNotFound
	}
	if err := sess.Transition(state); err != nil {
		d.mu.Unlock()
		return err
	}
	copied := *sess
	d.mu.Unlock()
	d.notify(&copied)
	return nil
}

func (d *fakeDirectory) Active(_ context.Context, chatID domain.ChatID) (*domain.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.ChatID == chatID && !s.State.Terminal() {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) Subscribe(chatID domain.ChatID) (<-chan *domain.Session, func()) {
	ch := make(chan *domain.Session, 16)
	d.mu.Lock()
	d.subs[chatID] = append(d.subs[chatID], ch)
	d.mu.Unlock()
	return ch, func() {}
}

func (d *fakeDirectory) notify(sess *domain.Session) {
	d.mu.Lock()
	chans := append([]chan *domain.Session(nil), d.subs[sess.ChatID]...)
	d.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- sess:
		default:
		}
	}
}

func (d *fakeDirectory) announceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.announces
}

func (d *fakeDirectory) stateOf(id domain.SessionID) domain.LifecycleState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[id]; ok {
		return s.State
	}
	return ""
}

type fakeTrack struct {
	id, streamID string
	kind         webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) StreamID() string          { return t.streamID }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

// --- harness ---

type party struct {
	engine *Engine
	media  *fakeMedia
	links  *fakeLinks
	sig    *signal.MemClient
}

func newParty(t *testing.T, bus *signal.Bus, dir core.Directory, self, peer domain.UserID, ring time.Duration) *party {
	t.Helper()
	p := &party{
		media: &fakeMedia{},
		links: &fakeLinks{},
		sig:   bus.Client(self),
	}
	p.engine = NewEngine(Options{
		Self:        self,
		SelfName:    string(self),
		Peer:        peer,
		ChatID:      testChat,
		Signaler:    p.sig,
		Directory:   dir,
		Media:       p.media,
		Links:       p.links.factory,
		RingTimeout: ring,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func newPair(t *testing.T) (alice, bob *party, dir *fakeDirectory, bus *signal.Bus) {
	t.Helper()
	bus = signal.NewBus()
	dir = newFakeDirectory()
	alice = newParty(t, bus, dir, "alice", "bob", time.Minute)
	bob = newParty(t, bus, dir, "bob", "alice", time.Minute)
	return alice, bob, dir, bus
}

func waitFor(t *testing.T, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitStatus(t *testing.T, e *Engine, want core.Status) {
	t.Helper()
	waitFor(t, func() bool { return e.Snapshot().Status == want },
		fmt.Sprintf("status %s (last: %s)", want, e.Snapshot().Status))
}

// connect drives a pair to an active session.
func connect(t *testing.T, alice, bob *party, kind domain.Kind) {
	t.Helper()
	if err := alice.engine.Initiate(context.Background(), kind); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)
	if err := bob.engine.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitStatus(t, alice.engine, core.StatusConnecting)
	waitStatus(t, bob.engine, core.StatusConnecting)

	alice.links.last().fireTrack(&fakeTrack{id: "a1", streamID: "bob-stream", kind: webrtc.RTPCodecTypeAudio})
	bob.links.last().fireTrack(&fakeTrack{id: "b1", streamID: "alice-stream", kind: webrtc.RTPCodecTypeAudio})
	waitStatus(t, alice.engine, core.StatusActive)
	waitStatus(t, bob.engine, core.StatusActive)
}

// --- tests ---

func TestVoiceCallHappyPath(t *testing.T) {
	alice, bob, dir, _ := newPair(t)
	connect(t, alice, bob, domain.KindVoice)

	snap := bob.engine.Snapshot()
	if snap.Kind != domain.KindVoice {
		t.Fatalf("kind = %s", snap.Kind)
	}
	if snap.Peer.ID != "alice" || snap.Peer.Name != "alice" {
		t.Fatalf("peer = %+v", snap.Peer)
	}
	if got := dir.stateOf(snap.SessionID); got != domain.StateActive {
		t.Fatalf("directory state = %s, want active", got)
	}
	if bob.media.acquireCount() != 1 {
		t.Fatalf("bob acquisitions = %d, want 1", bob.media.acquireCount())
	}
}

func TestCalleeAcquiresNoMediaBeforeAccept(t *testing.T) {
	alice, bob, _, _ := newPair(t)

	if err := alice.engine.Initiate(context.Background(), domain.KindVideo); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)

	if bob.media.acquireCount() != 0 {
		t.Fatalf("callee acquired media while ringing")
	}
}

func TestActiveWaitsForFirstRemoteTrack(t *testing.T) {
	alice, bob, _, _ := newPair(t)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)
	if err := bob.engine.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitStatus(t, alice.engine, core.StatusConnecting)

	// Signaling finished on both sides, but no media flowed yet.
	if s := alice.engine.Snapshot().Status; s == core.StatusActive {
		t.Fatal("caller active before any remote track")
	}

	alice.links.last().fireTrack(&fakeTrack{id: "t1", streamID: "s1", kind: webrtc.RTPCodecTypeAudio})
	waitStatus(t, alice.engine, core.StatusActive)
}

func TestEarlyCandidatesBufferedInOrder(t *testing.T) {
	alice, bob, _, _ := newPair(t)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)

	// Candidates race ahead of the accept: bob has no peer connection
	// yet and must queue them.
	for i := 0; i < 3; i++ {
		alice.links.last().fireICE(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate-%d", i)})
	}
	// Let bob's event loop take the candidates in before accepting.
	time.Sleep(50 * time.Millisecond)

	if err := bob.engine.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusConnecting)

	waitFor(t, func() bool { return len(bob.links.last().appliedCandidates()) == 3 }, "buffered candidates")
	for i, ci := range bob.links.last().appliedCandidates() {
		if want := fmt.Sprintf("candidate-%d", i); ci.Candidate != want {
			t.Fatalf("candidate[%d] = %s, want %s (order lost)", i, ci.Candidate, want)
		}
	}
}

func TestRejectIncoming(t *testing.T) {
	alice, bob, dir, _ := newPair(t)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)
	sessID := bob.engine.Snapshot().SessionID

	if err := bob.engine.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIdle)
	waitStatus(t, alice.engine, core.StatusIdle)

	if r := alice.engine.Snapshot().EndReason; r != core.EndRejected {
		t.Fatalf("caller end reason = %s, want rejected", r)
	}
	waitFor(t, func() bool { return dir.stateOf(sessID) == domain.StateRejected }, "directory rejected")
	if !alice.media.lastStream().Stopped() {
		t.Fatal("caller capture still running after reject")
	}
	if bob.media.acquireCount() != 0 {
		t.Fatal("rejecting callee acquired media")
	}
}

func TestHangUpMidCall(t *testing.T) {
	alice, bob, dir, _ := newPair(t)
	connect(t, alice, bob, domain.KindVideo)
	sessID := alice.engine.Snapshot().SessionID

	if err := alice.engine.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	waitStatus(t, alice.engine, core.StatusIdle)
	waitStatus(t, bob.engine, core.StatusIdle)

	if r := alice.engine.Snapshot().EndReason; r != core.EndHungUp {
		t.Fatalf("alice end reason = %s", r)
	}
	if r := bob.engine.Snapshot().EndReason; r != core.EndPeerHungUp {
		t.Fatalf("bob end reason = %s", r)
	}
	for name, p := range map[string]*party{"alice": alice, "bob": bob} {
		if !p.media.lastStream().Stopped() {
			t.Fatalf("%s capture still running", name)
		}
		if !p.links.last().Closed() {
			t.Fatalf("%s peer connection still open", name)
		}
		if n := len(p.engine.Snapshot().RemoteTracks); n != 0 {
			t.Fatalf("%s still holds %d remote tracks", name, n)
		}
	}
	waitFor(t, func() bool { return dir.stateOf(sessID) == domain.StateEnded }, "directory ended")

	// Terminate is idempotent.
	if err := alice.engine.Terminate(context.Background()); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestSecondCallAfterHangUp(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	connect(t, alice, bob, domain.KindVoice)

	if err := alice.engine.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIdle)

	connect(t, alice, bob, domain.KindVoice)
}

func TestOwnEchoesIgnored(t *testing.T) {
	alice, _, _, _ := newPair(t)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sessID := alice.engine.Snapshot().SessionID

	// A transport that reflects publishes would deliver alice's own
	// terminate back to her; the sender id is the only defense.
	msg := core.NewSignal(core.SignalTerminate, sessID, "alice")
	msg.Reason = "hangup"
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	alice.engine.handleEnvelope(&core.Envelope{Channel: core.ChatChannel(testChat), Payload: payload})

	if s := alice.engine.Snapshot().Status; s != core.StatusCalling {
		t.Fatalf("status = %s after own echo, want calling", s)
	}
}

func TestSecondOfferGetsBusy(t *testing.T) {
	alice, bob, _, bus := newPair(t)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)

	// A second offer barges in on the same channel.
	carol := bus.Client("carol")
	watchCh, cancel := carol.Subscribe(core.ChatChannel(testChat))
	defer cancel()

	offer := core.NewSignal(core.SignalOffer, "intruder-session", "carol")
	offer.Kind = domain.KindVoice
	offer.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := carol.Send(core.ChatChannel(testChat), offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	waitFor(t, func() bool {
		for {
			select {
			case env := <-watchCh:
				msg, err := env.Decode()
				if err != nil {
					continue
				}
				if msg.Type == core.SignalTerminate && msg.Reason == "busy" && msg.SessionID == "intruder-session" {
					return true
				}
			default:
				return false
			}
		}
	}, "busy reply")

	// The first session keeps ringing.
	if s := bob.engine.Snapshot().Status; s != core.StatusIncoming {
		t.Fatalf("bob status = %s, want incoming", s)
	}
}

func TestUnansweredCallTimesOut(t *testing.T) {
	bus := signal.NewBus()
	dir := newFakeDirectory()
	alice := newParty(t, bus, dir, "alice", "bob", 50*time.Millisecond)
	bob := newParty(t, bus, dir, "bob", "alice", time.Minute)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sessID := alice.engine.Snapshot().SessionID

	waitStatus(t, alice.engine, core.StatusIdle)
	if r := alice.engine.Snapshot().EndReason; r != core.EndUnanswered {
		t.Fatalf("alice end reason = %s", r)
	}
	waitStatus(t, bob.engine, core.StatusIdle)
	// Bob learns through the terminate or the directory broadcast,
	// whichever lands first.
	if r := bob.engine.Snapshot().EndReason; r != core.EndUnanswered && r != core.EndPeerHungUp {
		t.Fatalf("bob end reason = %s", r)
	}
	waitFor(t, func() bool { return dir.stateOf(sessID) == domain.StateEnded }, "directory ended")
}

func TestIncomingPromptExpires(t *testing.T) {
	bus := signal.NewBus()
	dir := newFakeDirectory()
	alice := newParty(t, bus, dir, "alice", "bob", time.Minute)
	bob := newParty(t, bus, dir, "bob", "alice", 50*time.Millisecond)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)
	waitStatus(t, bob.engine, core.StatusIdle)
	if r := bob.engine.Snapshot().EndReason; r != core.EndUnanswered {
		t.Fatalf("bob end reason = %s", r)
	}
	if bob.media.acquireCount() != 0 {
		t.Fatal("expired prompt acquired media")
	}
}

func TestIdentityCollisionDisablesCalling(t *testing.T) {
	alice, _, _, _ := newPair(t)

	alice.sig.PushLink(core.LinkTaken)
	waitStatus(t, alice.engine, core.StatusDisabled)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); !errors.Is(err, core.ErrDisabled) {
		t.Fatalf("initiate err = %v, want ErrDisabled", err)
	}

	// The condition heals when the registration succeeds again.
	alice.sig.PushLink(core.LinkUp)
	waitStatus(t, alice.engine, core.StatusIdle)
	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate after heal: %v", err)
	}
}

func TestIdentityCollisionMidCallTearsDown(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	connect(t, alice, bob, domain.KindVoice)

	alice.sig.PushLink(core.LinkTaken)
	waitStatus(t, alice.engine, core.StatusDisabled)

	if !alice.media.lastStream().Stopped() || !alice.links.last().Closed() {
		t.Fatal("session resources not released on collision")
	}
}

func TestCalleeMediaFailureAbortsCleanly(t *testing.T) {
	alice, bob, dir, _ := newPair(t)
	bob.media.err = core.ErrPermissionDenied

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)
	sessID := bob.engine.Snapshot().SessionID

	if err := bob.engine.Accept(context.Background()); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("accept err = %v, want ErrPermissionDenied", err)
	}
	waitStatus(t, bob.engine, core.StatusIdle)
	if r := bob.engine.Snapshot().EndReason; r != core.EndMediaFailed {
		t.Fatalf("bob end reason = %s", r)
	}

	waitStatus(t, alice.engine, core.StatusIdle)
	waitFor(t, func() bool { return dir.stateOf(sessID) == domain.StateFailed }, "directory failed")
}

func TestConnectionFailureTearsDownBothSides(t *testing.T) {
	alice, bob, dir, _ := newPair(t)
	connect(t, alice, bob, domain.KindVoice)
	sessID := alice.engine.Snapshot().SessionID

	alice.links.last().fireState(core.PeerFailed)
	waitStatus(t, alice.engine, core.StatusIdle)
	if r := alice.engine.Snapshot().EndReason; r != core.EndConnectionLost {
		t.Fatalf("alice end reason = %s", r)
	}

	// Bob learns about it through the directory broadcast.
	waitStatus(t, bob.engine, core.StatusIdle)
	waitFor(t, func() bool { return dir.stateOf(sessID) == domain.StateFailed }, "directory failed")
}

func TestAcceptParksUntilOfferArrives(t *testing.T) {
	bus := signal.NewBus()
	dir := newFakeDirectory()
	bob := newParty(t, bus, dir, "bob", "alice", time.Minute)

	// The session is announced in the directory, but the offer itself is
	// delayed (e.g. bob reconnected and discovered the ring first).
	sess := domain.NewSession(testChat, "alice", "bob", domain.KindVoice)
	if err := dir.Announce(context.Background(), sess); err != nil {
		t.Fatalf("announce: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)

	if err := bob.engine.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if bob.media.acquireCount() != 0 {
		t.Fatal("parked accept acquired media early")
	}

	alice := bus.Client("alice")
	watchCh, cancel := alice.Subscribe(core.ChatChannel(testChat))
	defer cancel()

	offer := core.NewSignal(core.SignalOffer, sess.ID, "alice")
	offer.Kind = domain.KindVoice
	offer.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := alice.Send(core.ChatChannel(testChat), offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	waitStatus(t, bob.engine, core.StatusConnecting)
	waitFor(t, func() bool {
		select {
		case env := <-watchCh:
			msg, err := env.Decode()
			return err == nil && msg.Type == core.SignalAnswer && msg.SessionID == sess.ID
		default:
			return false
		}
	}, "answer")
}

func TestMuteFlagsResetOnTeardown(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	connect(t, alice, bob, domain.KindVideo)

	if !alice.engine.ToggleAudioMute() {
		t.Fatal("first audio toggle should mute")
	}
	if !alice.engine.ToggleVideoMute() {
		t.Fatal("first video toggle should disable video")
	}
	snap := alice.engine.Snapshot()
	if !snap.AudioMuted || !snap.VideoOff {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := alice.engine.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	waitStatus(t, alice.engine, core.StatusIdle)

	snap = alice.engine.Snapshot()
	if snap.AudioMuted || snap.VideoOff {
		t.Fatal("mute flags must reset on teardown")
	}
}

func TestNewRemoteStreamReplacesOldTracks(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	connect(t, alice, bob, domain.KindVideo)

	link := alice.links.last()
	link.fireTrack(&fakeTrack{id: "v1", streamID: "bob-stream", kind: webrtc.RTPCodecTypeVideo})
	waitFor(t, func() bool { return len(alice.engine.Snapshot().RemoteTracks) == 2 }, "second track")

	// A renegotiated stream with a fresh id replaces everything.
	link.fireTrack(&fakeTrack{id: "a2", streamID: "bob-stream-2", kind: webrtc.RTPCodecTypeAudio})
	waitFor(t, func() bool {
		tracks := alice.engine.Snapshot().RemoteTracks
		return len(tracks) == 1 && tracks[0].ID() == "a2"
	}, "stream replacement")
}

func TestInitiateWhileBusyFails(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	connect(t, alice, bob, domain.KindVoice)

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); !errors.Is(err, core.ErrBusy) {
		t.Fatalf("initiate err = %v, want ErrBusy", err)
	}
	if err := bob.engine.Accept(context.Background()); !errors.Is(err, core.ErrNoIncoming) {
		t.Fatalf("accept err = %v, want ErrNoIncoming", err)
	}
}

func TestCallerMediaFailureSendsNothing(t *testing.T) {
	alice, bob, dir, bus := newPair(t)
	alice.media.err = core.ErrPermissionDenied

	watcher := bus.Client("watcher")
	watchCh, cancel := watcher.Subscribe(core.ChatChannel(testChat))
	defer cancel()

	if err := alice.engine.Initiate(context.Background(), domain.KindVoice); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("initiate err = %v, want ErrPermissionDenied", err)
	}
	snap := alice.engine.Snapshot()
	if snap.Status != core.StatusIdle || snap.EndReason != core.EndMediaFailed {
		t.Fatalf("status = %s, reason = %s", snap.Status, snap.EndReason)
	}

	// The peer must never learn the attempt happened: no directory row,
	// no signaling traffic, no ring on the other side.
	time.Sleep(50 * time.Millisecond)
	if n := dir.announceCount(); n != 0 {
		t.Fatalf("announces = %d after media failure, want 0", n)
	}
	select {
	case env := <-watchCh:
		t.Fatalf("signaling sent after media failure: %s", env.Payload)
	default:
	}
	if s := bob.engine.Snapshot().Status; s != core.StatusIdle {
		t.Fatalf("bob status = %s, want idle", s)
	}
}

func TestCandidateBeforeOfferIsQueued(t *testing.T) {
	bus := signal.NewBus()
	dir := newFakeDirectory()
	bob := newParty(t, bus, dir, "bob", "alice", time.Minute)
	alice := bus.Client("alice")

	// The candidate outruns its offer; no ordering is guaranteed between
	// message types.
	sessID := domain.SessionID("sess-early")
	early := core.NewSignal(core.SignalCandidate, sessID, "alice")
	early.Candidate = &webrtc.ICECandidateInit{Candidate: "candidate-early"}
	if err := alice.Send(core.ChatChannel(testChat), early); err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	offer := core.NewSignal(core.SignalOffer, sessID, "alice")
	offer.Kind = domain.KindVoice
	offer.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := alice.Send(core.ChatChannel(testChat), offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusIncoming)

	if err := bob.engine.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitStatus(t, bob.engine, core.StatusConnecting)

	waitFor(t, func() bool {
		p := bob.links.last()
		return p != nil && len(p.appliedCandidates()) == 1
	}, "early candidate applied")
	if got := bob.links.last().appliedCandidates()[0].Candidate; got != "candidate-early" {
		t.Fatalf("applied candidate = %s", got)
	}
}

func TestDisconnectedPeerTearsDown(t *testing.T) {
	alice, bob, dir, _ := newPair(t)
	connect(t, alice, bob, domain.KindVoice)
	sessID := alice.engine.Snapshot().SessionID

	bob.links.last().fireState(core.PeerDisconnected)
	waitStatus(t, bob.engine, core.StatusIdle)
	if r := bob.engine.Snapshot().EndReason; r != core.EndConnectionLost {
		t.Fatalf("bob end reason = %s", r)
	}
	waitStatus(t, alice.engine, core.StatusIdle)
	waitFor(t, func() bool { return dir.stateOf(sessID) == domain.StateFailed }, "directory failed")
}

func TestMuteStopsOutboundMedia(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	connect(t, alice, bob, domain.KindVideo)
	link := alice.links.last()

	if !alice.engine.ToggleAudioMute() {
		t.Fatal("first audio toggle should mute")
	}
	if link.sending(webrtc.RTPCodecTypeAudio) {
		t.Fatal("audio still sending while muted")
	}
	if !link.sending(webrtc.RTPCodecTypeVideo) {
		t.Fatal("audio mute must not touch video")
	}

	if !alice.engine.ToggleVideoMute() {
		t.Fatal("first video toggle should disable video")
	}
	if link.sending(webrtc.RTPCodecTypeVideo) {
		t.Fatal("video still sending while off")
	}

	if alice.engine.ToggleAudioMute() {
		t.Fatal("second audio toggle should unmute")
	}
	if !link.sending(webrtc.RTPCodecTypeAudio) {
		t.Fatal("audio not resumed after unmute")
	}
}

func TestStartupDiscoversRingingSession(t *testing.T) {
	bus := signal.NewBus()
	dir := newFakeDirectory()
	sess := domain.NewSession(testChat, "alice", "bob", domain.KindVoice)
	if err := dir.Announce(context.Background(), sess); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// Bob's engine starts only after the ring was recorded; the directory
	// lookup at startup is its only way to see it.
	bob := newParty(t, bus, dir, "bob", "alice", time.Minute)
	waitStatus(t, bob.engine, core.StatusIncoming)
	if got := bob.engine.Snapshot().SessionID; got != sess.ID {
		t.Fatalf("session = %s, want %s", got, sess.ID)
	}
}

func TestSignalsBeforeRunAreNotLost(t *testing.T) {
	bus := signal.NewBus()
	dir := newFakeDirectory()
	links := &fakeLinks{}
	engine := NewEngine(Options{
		Self:        "bob",
		SelfName:    "bob",
		Peer:        "alice",
		ChatID:      testChat,
		Signaler:    bus.Client("bob"),
		Directory:   dir,
		Media:       &fakeMedia{},
		Links:       links.factory,
		RingTimeout: time.Minute,
	})

	// The offer is published before the event loop starts.
	alice := bus.Client("alice")
	offer := core.NewSignal(core.SignalOffer, "sess-1", "alice")
	offer.Kind = domain.KindVoice
	offer.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := alice.Send(core.ChatChannel(testChat), offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitStatus(t, engine, core.StatusIncoming)
}
