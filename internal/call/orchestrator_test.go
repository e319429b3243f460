package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/client"
	"github.com/peerline/peerline/internal/signal"
)

type sentDoc struct {
	kind   string
	to     string
	room   string
	reason string
	desc   webrtc.SessionDescription
	cand   webrtc.ICECandidateInit
}

type fakeSignaler struct {
	events chan client.Event
	sent   chan sentDoc
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		events: make(chan client.Event, 16),
		sent:   make(chan sentDoc, 32),
	}
}

func (f *fakeSignaler) Events() <-chan client.Event { return f.events }

func (f *fakeSignaler) JoinRoom(name string) error {
	f.sent <- sentDoc{kind: "join", room: name}
	return nil
}

func (f *fakeSignaler) LeaveRoom() error {
	f.sent <- sentDoc{kind: "leave"}
	return nil
}

func (f *fakeSignaler) SendOffer(to, room string, desc webrtc.SessionDescription) error {
	f.sent <- sentDoc{kind: "offer", to: to, room: room, desc: desc}
	return nil
}

func (f *fakeSignaler) SendAnswer(to string, desc webrtc.SessionDescription) error {
	f.sent <- sentDoc{kind: "answer", to: to, desc: desc}
	return nil
}

func (f *fakeSignaler) SendCandidate(to string, init webrtc.ICECandidateInit) error {
	f.sent <- sentDoc{kind: "candidate", to: to, cand: init}
	return nil
}

func (f *fakeSignaler) SendBye(to, reason string) error {
	f.sent <- sentDoc{kind: "bye", to: to, reason: reason}
	return nil
}

func (f *fakeSignaler) next(t *testing.T) sentDoc {
	t.Helper()
	select {
	case doc := <-f.sent:
		return doc
	case <-time.After(5 * time.Second):
		t.Fatalf("no document sent")
		return sentDoc{}
	}
}

func (f *fakeSignaler) expect(t *testing.T, kind string) sentDoc {
	t.Helper()
	doc := f.next(t)
	if doc.kind != kind {
		t.Fatalf("sent document: got %q (%+v), want %q", doc.kind, doc, kind)
	}
	return doc
}

type fakePeerSession struct {
	states chan webrtc.PeerConnectionState
	cands  chan webrtc.ICECandidateInit

	// acquireGate, when non-nil, blocks AcquireLocalMedia until closed.
	acquireGate chan struct{}
	mediaErr    error

	mu       sync.Mutex
	added    []webrtc.ICECandidateInit
	tornDown bool
}

func newFakePeerSession() *fakePeerSession {
	return &fakePeerSession{
		states: make(chan webrtc.PeerConnectionState, 8),
		cands:  make(chan webrtc.ICECandidateInit, 8),
	}
}

func (f *fakePeerSession) AcquireLocalMedia(wantsVideo bool) error {
	if f.acquireGate != nil {
		<-f.acquireGate
	}
	return f.mediaErr
}

func (f *fakePeerSession) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (f *fakePeerSession) ApplyRemoteOffer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (f *fakePeerSession) ApplyRemoteAnswer(remote webrtc.SessionDescription) error { return nil }

func (f *fakePeerSession) AddRemoteCandidate(init webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.added = append(f.added, init)
	f.mu.Unlock()
	return nil
}

func (f *fakePeerSession) States() <-chan webrtc.PeerConnectionState       { return f.states }
func (f *fakePeerSession) LocalCandidates() <-chan webrtc.ICECandidateInit { return f.cands }

func (f *fakePeerSession) Teardown() {
	f.mu.Lock()
	f.tornDown = true
	f.mu.Unlock()
}

func (f *fakePeerSession) isTornDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tornDown
}

func (f *fakePeerSession) addedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.added))
	copy(out, f.added)
	return out
}

type fixture struct {
	orch     *Orchestrator
	signaler *fakeSignaler
	sessions chan *fakePeerSession
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	t.Helper()
	fs := newFakeSignaler()
	sessions := make(chan *fakePeerSession, 4)
	factory := func(ice []webrtc.ICEServer) PeerSession {
		s := newFakePeerSession()
		sessions <- s
		return s
	}

	o := New(Config{
		Signaler:    fs,
		Factory:     factory,
		RingTimeout: ringTimeout,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	t.Cleanup(cancel)

	f := &fixture{orch: o, signaler: fs, sessions: sessions, cancel: cancel}
	f.connect(t)
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.signaler.events <- client.Event{
		Kind: client.EventConnected,
		Session: &client.Session{
			ID:   "me",
			Stun: []string{"stun:stun.example.com:3478"},
		},
	}
	waitPhase(t, f.orch, PhaseIdle)
}

func (f *fixture) session(t *testing.T) *fakePeerSession {
	t.Helper()
	select {
	case s := <-f.sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("no peer session created")
		return nil
	}
}

func waitPhase(t *testing.T, o *Orchestrator, want Phase) State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st, err := o.State(context.Background())
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if st.Phase == want {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("phase: got %q, want %q", st.Phase, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitNotice(t *testing.T, o *Orchestrator) Notice {
	t.Helper()
	select {
	case n := <-o.Notices():
		return n
	case <-time.After(5 * time.Second):
		t.Fatalf("no notice delivered")
		return Notice{}
	}
}

func TestStartCall_FullOutgoingFlow(t *testing.T) {
	f := newFixture(t, time.Hour)

	if err := f.orch.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	st := waitPhase(t, f.orch, PhaseOutgoingRinging)
	if st.Direction != DirectionOutgoing || st.Kind != KindAudio || st.Remote.ID != "bob" {
		t.Fatalf("state: %+v", st)
	}
	if st.Room == "" {
		t.Fatalf("no room assigned")
	}

	join := f.signaler.expect(t, "join")
	if join.room != st.Room {
		t.Fatalf("joined room %q, state room %q", join.room, st.Room)
	}
	offer := f.signaler.expect(t, "offer")
	if offer.to != "bob" || offer.room != st.Room {
		t.Fatalf("offer: %+v", offer)
	}

	sess := f.session(t)

	// Bob answers.
	f.signaler.events <- client.Event{
		Kind:   client.EventAnswer,
		From:   "bob",
		Answer: &signal.Answer{Type: "answer", Sdp: "v=0\r\n"},
	}
	waitPhase(t, f.orch, PhaseConnecting)

	// Media starts flowing.
	sess.states <- webrtc.PeerConnectionStateConnected
	st = waitPhase(t, f.orch, PhaseActive)
	if st.DurationSeconds != 0 {
		t.Fatalf("duration at connect: %d", st.DurationSeconds)
	}

	// Local candidates go out addressed to the remote party.
	sess.cands <- webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host"}
	cand := f.signaler.expect(t, "candidate")
	if cand.to != "bob" {
		t.Fatalf("candidate to: %q", cand.to)
	}

	// Hang up.
	if err := f.orch.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	f.signaler.expect(t, "bye")
	f.signaler.expect(t, "leave")
	waitPhase(t, f.orch, PhaseIdle)
	if !sess.isTornDown() {
		t.Fatalf("session not torn down")
	}
}

func TestStartCall_WhileBusyIsRejected(t *testing.T) {
	f := newFixture(t, time.Hour)

	if err := f.orch.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, f.orch, PhaseOutgoingRinging)

	if err := f.orch.StartCall(context.Background(), Party{ID: "carol"}, KindAudio); err != ErrCallInProgress {
		t.Fatalf("second StartCall: got %v, want ErrCallInProgress", err)
	}
	// The first call is untouched.
	st := waitPhase(t, f.orch, PhaseOutgoingRinging)
	if st.Remote.ID != "bob" {
		t.Fatalf("remote: %q", st.Remote.ID)
	}
}

func TestIncomingCall_AcceptWithBufferedCandidates(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.signaler.events <- client.Event{
		Kind: client.EventOffer,
		From: "bob",
		Offer: &signal.Offer{
			Type: "offer",
			Sdp:  "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n",
			Room: "room-1",
		},
	}
	st := waitPhase(t, f.orch, PhaseIncomingRinging)
	if st.Direction != DirectionIncoming || st.Kind != KindVideo || st.Remote.ID != "bob" || st.Room != "room-1" {
		t.Fatalf("state: %+v", st)
	}
	waitNotice(t, f.orch)

	// Candidates trickle before the callee picks up; no session exists yet.
	f.signaler.events <- client.Event{
		Kind:      client.EventCandidate,
		From:      "bob",
		Candidate: &signal.Candidate{Candidate: "candidate:early-1"},
	}
	f.signaler.events <- client.Event{
		Kind:      client.EventCandidate,
		From:      "bob",
		Candidate: &signal.Candidate{Candidate: "candidate:early-2"},
	}

	if err := f.orch.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	waitPhase(t, f.orch, PhaseConnecting)

	join := f.signaler.expect(t, "join")
	if join.room != "room-1" {
		t.Fatalf("joined %q, want room-1", join.room)
	}
	answer := f.signaler.expect(t, "answer")
	if answer.to != "bob" {
		t.Fatalf("answer to: %q", answer.to)
	}

	sess := f.session(t)
	deadline := time.Now().Add(5 * time.Second)
	for {
		added := sess.addedCandidates()
		if len(added) == 2 {
			if added[0].Candidate != "candidate:early-1" || added[1].Candidate != "candidate:early-2" {
				t.Fatalf("buffered candidates out of order: %+v", added)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("buffered candidates not applied: %+v", added)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess.states <- webrtc.PeerConnectionStateConnected
	waitPhase(t, f.orch, PhaseActive)
}

func TestIncomingCall_Reject(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.signaler.events <- client.Event{
		Kind:  client.EventOffer,
		From:  "bob",
		Offer: &signal.Offer{Type: "offer", Sdp: "v=0\r\n", Room: "room-1"},
	}
	waitPhase(t, f.orch, PhaseIncomingRinging)
	waitNotice(t, f.orch)

	if err := f.orch.RejectCall(context.Background()); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	bye := f.signaler.expect(t, "bye")
	if bye.to != "bob" || bye.reason != signal.ByeReasonReject {
		t.Fatalf("bye: %+v", bye)
	}
	waitPhase(t, f.orch, PhaseIdle)
}

func TestIncomingCall_SecondCallerGetsBusy(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.signaler.events <- client.Event{
		Kind:  client.EventOffer,
		From:  "bob",
		Offer: &signal.Offer{Type: "offer", Sdp: "v=0\r\n", Room: "room-1"},
	}
	waitPhase(t, f.orch, PhaseIncomingRinging)
	waitNotice(t, f.orch)

	f.signaler.events <- client.Event{
		Kind:  client.EventOffer,
		From:  "carol",
		Offer: &signal.Offer{Type: "offer", Sdp: "v=0\r\n", Room: "room-2"},
	}

	bye := f.signaler.expect(t, "bye")
	if bye.to != "carol" || bye.reason != signal.ByeReasonBusy {
		t.Fatalf("bye: %+v", bye)
	}
	// Still ringing for bob.
	st := waitPhase(t, f.orch, PhaseIncomingRinging)
	if st.Remote.ID != "bob" {
		t.Fatalf("remote: %q", st.Remote.ID)
	}
}

func TestRemoteBye_MapsReasonToNotice(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{signal.ByeReasonBusy, "the other party is busy"},
		{signal.ByeReasonReject, "call declined"},
		{signal.ByeReasonPickupTimeout, "no answer"},
		{signal.ByeReasonAbort, "call aborted"},
		{"", "call ended"},
	}
	for _, tc := range cases {
		f := newFixture(t, time.Hour)
		if err := f.orch.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != nil {
			t.Fatalf("StartCall: %v", err)
		}
		waitPhase(t, f.orch, PhaseOutgoingRinging)
		sess := f.session(t)

		f.signaler.events <- client.Event{
			Kind: client.EventBye,
			From: "bob",
			Bye:  &signal.Bye{Reason: tc.reason},
		}

		waitPhase(t, f.orch, PhaseIdle)
		if n := waitNotice(t, f.orch); n.Message != tc.want {
			t.Fatalf("reason %q: notice %q, want %q", tc.reason, n.Message, tc.want)
		}
		if !sess.isTornDown() {
			t.Fatalf("reason %q: session not torn down", tc.reason)
		}
		f.cancel()
	}
}

func TestRingTimeout_OutgoingGivesUp(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	if err := f.orch.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.signaler.expect(t, "join")
	f.signaler.expect(t, "offer")

	bye := f.signaler.expect(t, "bye")
	if bye.to != "bob" || bye.reason != signal.ByeReasonPickupTimeout {
		t.Fatalf("bye: %+v", bye)
	}
	waitPhase(t, f.orch, PhaseIdle)
	if n := waitNotice(t, f.orch); n.Message != "no answer" {
		t.Fatalf("notice: %q", n.Message)
	}
}

func TestRingTimeout_IncomingIsMissedCall(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	f.signaler.events <- client.Event{
		Kind:  client.EventOffer,
		From:  "bob",
		Offer: &signal.Offer{Type: "offer", Sdp: "v=0\r\n", Room: "room-1"},
	}
	waitPhase(t, f.orch, PhaseIncomingRinging)
	waitNotice(t, f.orch) // incoming call

	bye := f.signaler.expect(t, "bye")
	if bye.to != "bob" || bye.reason != signal.ByeReasonPickupTimeout {
		t.Fatalf("bye: %+v", bye)
	}
	waitPhase(t, f.orch, PhaseIdle)
	if n := waitNotice(t, f.orch); n.Message != "missed call" {
		t.Fatalf("notice: %q", n.Message)
	}
}

func TestRemoteBye_PreemptsPendingOffer(t *testing.T) {
	fs := newFakeSignaler()
	gated := newFakePeerSession()
	gated.acquireGate = make(chan struct{})
	o := New(Config{
		Signaler:    fs,
		Factory:     func(ice []webrtc.ICEServer) PeerSession { return gated },
		RingTimeout: time.Hour,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	fs.events <- client.Event{Kind: client.EventConnected, Session: &client.Session{ID: "me"}}
	waitPhase(t, o, PhaseIdle)

	if err := o.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	fs.expect(t, "join")
	waitPhase(t, o, PhaseOutgoingRinging)

	// The remote party hangs up while local media acquisition is still
	// pending.
	fs.events <- client.Event{Kind: client.EventBye, From: "bob", Bye: &signal.Bye{Reason: signal.ByeReasonAbort}}
	waitPhase(t, o, PhaseIdle)
	fs.expect(t, "leave")

	// Media acquisition completes late; its result must be discarded.
	close(gated.acquireGate)

	select {
	case doc := <-fs.sent:
		t.Fatalf("stale negotiation produced %+v", doc)
	case <-time.After(200 * time.Millisecond):
	}
	if !gated.isTornDown() {
		t.Fatalf("session not torn down")
	}
}

func TestTerminalDisconnect_EndsCall(t *testing.T) {
	f := newFixture(t, time.Hour)

	if err := f.orch.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, f.orch, PhaseOutgoingRinging)
	sess := f.session(t)

	f.signaler.events <- client.Event{Kind: client.EventDisconnected, Terminal: true}

	waitPhase(t, f.orch, PhaseIdle)
	if !sess.isTornDown() {
		t.Fatalf("session not torn down")
	}
}

func TestConnectionFailure_EndsActiveCall(t *testing.T) {
	f := newFixture(t, time.Hour)

	if err := f.orch.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, f.orch, PhaseOutgoingRinging)
	sess := f.session(t)

	f.signaler.events <- client.Event{
		Kind:   client.EventAnswer,
		From:   "bob",
		Answer: &signal.Answer{Type: "answer", Sdp: "v=0\r\n"},
	}
	sess.states <- webrtc.PeerConnectionStateConnected
	waitPhase(t, f.orch, PhaseActive)

	sess.states <- webrtc.PeerConnectionStateFailed

	waitPhase(t, f.orch, PhaseIdle)
	if n := waitNotice(t, f.orch); n.Message != "connection lost" {
		t.Fatalf("notice: %q", n.Message)
	}
}

func TestAcceptCall_WithoutInvitation(t *testing.T) {
	f := newFixture(t, time.Hour)
	if err := f.orch.AcceptCall(context.Background()); err != ErrNoIncomingCall {
		t.Fatalf("AcceptCall: got %v, want ErrNoIncomingCall", err)
	}
	if err := f.orch.RejectCall(context.Background()); err != ErrNoIncomingCall {
		t.Fatalf("RejectCall: got %v, want ErrNoIncomingCall", err)
	}
	if err := f.orch.EndCall(context.Background()); err != ErrNoActiveCall {
		t.Fatalf("EndCall: got %v, want ErrNoActiveCall", err)
	}
}

func TestStartCall_RequiresConnection(t *testing.T) {
	fs := newFakeSignaler()
	o := New(Config{
		Signaler:    fs,
		Factory:     func(ice []webrtc.ICEServer) PeerSession { return newFakePeerSession() },
		RingTimeout: time.Hour,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	if err := o.StartCall(context.Background(), Party{ID: "bob"}, KindAudio); err != ErrNotConnected {
		t.Fatalf("StartCall before connect: got %v, want ErrNotConnected", err)
	}
}
