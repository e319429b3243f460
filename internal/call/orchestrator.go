// Package call is the call orchestrator: a single event loop that owns the
// one CallState and the one peer session, sequencing media acquisition
// against signaling events. All mutation flows through the loop, which
// serializes effectively concurrent requests by phase-checking before acting.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/client"
	"github.com/peerline/peerline/internal/signal"
)

var (
	// ErrCallInProgress rejects a startCall while a call is active or ringing.
	// The existing CallState is never silently replaced.
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNotConnected   = errors.New("not connected to signaling")
	ErrStopped        = errors.New("orchestrator stopped")
)

// Signaler is the slice of the signaling client the orchestrator drives.
type Signaler interface {
	Events() <-chan client.Event
	JoinRoom(name string) error
	LeaveRoom() error
	SendOffer(to, room string, desc webrtc.SessionDescription) error
	SendAnswer(to string, desc webrtc.SessionDescription) error
	SendCandidate(to string, init webrtc.ICECandidateInit) error
	SendBye(to, reason string) error
}

// PeerSession is the slice of the peer session manager the orchestrator
// drives. One exists per call, created on Connecting and torn down on Idle.
type PeerSession interface {
	AcquireLocalMedia(wantsVideo bool) error
	CreateOffer() (webrtc.SessionDescription, error)
	ApplyRemoteOffer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(remote webrtc.SessionDescription) error
	AddRemoteCandidate(init webrtc.ICECandidateInit) error
	States() <-chan webrtc.PeerConnectionState
	LocalCandidates() <-chan webrtc.ICECandidateInit
	Teardown()
}

// SessionFactory builds the peer session for one call from the ICE servers
// negotiated in the current signaling session.
type SessionFactory func(iceServers []webrtc.ICEServer) PeerSession

// invitation exists only while the phase is IncomingRinging.
type invitation struct {
	offer  signal.Offer
	caller Party
	room   string
	// candidates buffers any that arrive before the peer session exists.
	candidates []webrtc.ICECandidateInit
}

type Config struct {
	Signaler Signaler
	Factory  SessionFactory
	// RingTimeout bounds both unanswered outgoing and incoming rings.
	RingTimeout time.Duration
	Log         *slog.Logger
}

const DefaultRingTimeout = 45 * time.Second

type command struct {
	run   func() error
	reply chan error
}

type asyncKind int

const (
	asyncOfferReady asyncKind = iota
	asyncAnswerReady
	asyncAnswerApplied
)

// asyncResult carries the outcome of a suspended negotiation step back into
// the loop. seq identifies the call it belongs to; stale results are inert.
type asyncResult struct {
	seq  int
	kind asyncKind
	desc webrtc.SessionDescription
	err  error
}

type Orchestrator struct {
	signaler Signaler
	factory  SessionFactory
	log      *slog.Logger
	ringTO   time.Duration

	commands chan command
	results  chan asyncResult
	notices  chan Notice
	states   chan State
	stopped  chan struct{}

	// Loop-owned; touched only by Run's goroutine.
	state     State
	invite    *invitation
	sess      PeerSession
	selfID    string
	ice       []webrtc.ICEServer
	seq       int
	ringTimer *time.Timer
	ringC     <-chan time.Time
	tick      *time.Ticker
}

func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	return &Orchestrator{
		signaler: cfg.Signaler,
		factory:  cfg.Factory,
		log:      cfg.Log,
		ringTO:   cfg.RingTimeout,
		commands: make(chan command),
		results:  make(chan asyncResult, 8),
		notices:  make(chan Notice, 16),
		states:   make(chan State, 16),
		stopped:  make(chan struct{}),
		state:    State{Phase: PhaseIdle},
	}
}

// Notices delivers short user-facing messages (errors and remote bye
// reasons).
func (o *Orchestrator) Notices() <-chan Notice { return o.notices }

// States delivers CallState snapshots after every transition and duration
// tick.
func (o *Orchestrator) States() <-chan State { return o.states }

// Run consumes signaling events, peer session events and local intents until
// ctx is done. It is the only goroutine that mutates call state.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.stopped)
	defer o.toIdle("", nil)

	for {
		var sessStates <-chan webrtc.PeerConnectionState
		var sessCands <-chan webrtc.ICECandidateInit
		if o.sess != nil {
			sessStates = o.sess.States()
			sessCands = o.sess.LocalCandidates()
		}
		var tickC <-chan time.Time
		if o.tick != nil {
			tickC = o.tick.C
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-o.commands:
			cmd.reply <- cmd.run()
		case res := <-o.results:
			o.handleAsync(res)
		case ev, ok := <-o.signaler.Events():
			if !ok {
				return
			}
			o.handleSignal(ev)
		case st := <-sessStates:
			o.handleConnectionState(st)
		case init := <-sessCands:
			if o.state.Remote.ID != "" {
				if err := o.signaler.SendCandidate(o.state.Remote.ID, init); err != nil {
					o.log.Warn("failed to send candidate", "err", err)
				}
			}
		case <-o.ringC:
			o.handleRingTimeout()
		case <-tickC:
			o.state.DurationSeconds++
			o.publish()
		}
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}
	select {
	case o.commands <- cmd:
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartCall places an outgoing call. It fails fast while any call is active
// or ringing; later failures (media, negotiation) surface as Notices and
// collapse the call to Idle.
func (o *Orchestrator) StartCall(ctx context.Context, to Party, kind Kind) error {
	return o.do(ctx, func() error { return o.startCall(to, kind) })
}

func (o *Orchestrator) AcceptCall(ctx context.Context) error {
	return o.do(ctx, func() error { return o.acceptCall() })
}

func (o *Orchestrator) RejectCall(ctx context.Context) error {
	return o.do(ctx, func() error { return o.rejectCall() })
}

func (o *Orchestrator) EndCall(ctx context.Context) error {
	return o.do(ctx, func() error { return o.endCall() })
}

// State returns the current CallState snapshot.
func (o *Orchestrator) State(ctx context.Context) (State, error) {
	var snap State
	err := o.do(ctx, func() error {
		snap = o.state
		return nil
	})
	return snap, err
}

func (o *Orchestrator) startCall(to Party, kind Kind) error {
	if o.state.Phase != PhaseIdle {
		return ErrCallInProgress
	}
	if o.selfID == "" {
		return ErrNotConnected
	}

	room := roomName(o.selfID, to.ID)
	o.seq++
	seq := o.seq
	o.state = State{
		Phase:     PhaseOutgoingRinging,
		Direction: DirectionOutgoing,
		Kind:      kind,
		Remote:    to,
		Room:      room,
	}
	o.sess = o.factory(o.ice)
	o.armRingTimer()
	o.publish()

	if err := o.signaler.JoinRoom(room); err != nil {
		o.toIdle("could not start call", err)
		return nil
	}

	sess := o.sess
	wantsVideo := kind == KindVideo
	go func() {
		if err := sess.AcquireLocalMedia(wantsVideo); err != nil {
			o.postResult(asyncResult{seq: seq, kind: asyncOfferReady, err: err})
			return
		}
		desc, err := sess.CreateOffer()
		o.postResult(asyncResult{seq: seq, kind: asyncOfferReady, desc: desc, err: err})
	}()
	return nil
}

func (o *Orchestrator) acceptCall() error {
	if o.state.Phase != PhaseIncomingRinging || o.invite == nil {
		return ErrNoIncomingCall
	}

	inv := o.invite
	o.invite = nil
	o.seq++
	seq := o.seq
	o.state.Phase = PhaseConnecting
	o.disarmRingTimer()
	o.sess = o.factory(o.ice)
	o.publish()

	if err := o.signaler.JoinRoom(inv.room); err != nil {
		o.sendByeQuiet(inv.caller.ID, signal.ByeReasonAbort)
		o.toIdle("could not answer call", err)
		return nil
	}

	sess := o.sess
	wantsVideo := o.state.Kind == KindVideo
	offer := inv.offer
	buffered := inv.candidates
	go func() {
		if err := sess.AcquireLocalMedia(wantsVideo); err != nil {
			o.postResult(asyncResult{seq: seq, kind: asyncAnswerReady, err: err})
			return
		}
		remote, err := offer.ToPion()
		if err != nil {
			o.postResult(asyncResult{seq: seq, kind: asyncAnswerReady, err: err})
			return
		}
		// Candidates that raced the accept go into the session's own queue
		// and flush once the remote description is applied.
		for _, init := range buffered {
			_ = sess.AddRemoteCandidate(init)
		}
		answer, err := sess.ApplyRemoteOffer(remote)
		o.postResult(asyncResult{seq: seq, kind: asyncAnswerReady, desc: answer, err: err})
	}()
	return nil
}

func (o *Orchestrator) rejectCall() error {
	if o.state.Phase != PhaseIncomingRinging || o.invite == nil {
		return ErrNoIncomingCall
	}
	o.sendByeQuiet(o.invite.caller.ID, signal.ByeReasonReject)
	o.toIdle("", nil)
	return nil
}

func (o *Orchestrator) endCall() error {
	if o.state.Phase == PhaseIdle {
		return ErrNoActiveCall
	}
	if o.state.Remote.ID != "" {
		o.sendByeQuiet(o.state.Remote.ID, "")
	}
	o.toIdle("", nil)
	return nil
}

func (o *Orchestrator) handleAsync(res asyncResult) {
	// Phase may have reverted while the step was in flight; stale results are
	// inert because teardown already cleared the dependent state.
	if res.seq != o.seq {
		return
	}
	switch res.kind {
	case asyncOfferReady:
		if o.state.Phase != PhaseOutgoingRinging {
			return
		}
		if res.err != nil {
			o.toIdle(callFailureMessage(res.err), res.err)
			return
		}
		if err := o.signaler.SendOffer(o.state.Remote.ID, o.state.Room, res.desc); err != nil {
			o.toIdle("could not reach the other party", err)
		}
	case asyncAnswerReady:
		if o.state.Phase != PhaseConnecting {
			return
		}
		if res.err != nil {
			o.sendByeQuiet(o.state.Remote.ID, signal.ByeReasonAbort)
			o.toIdle(callFailureMessage(res.err), res.err)
			return
		}
		if err := o.signaler.SendAnswer(o.state.Remote.ID, res.desc); err != nil {
			o.toIdle("could not reach the other party", err)
		}
	case asyncAnswerApplied:
		if o.state.Phase != PhaseConnecting {
			return
		}
		if res.err != nil {
			o.sendByeQuiet(o.state.Remote.ID, signal.ByeReasonAbort)
			o.toIdle(callFailureMessage(res.err), res.err)
		}
	}
}

func (o *Orchestrator) handleSignal(ev client.Event) {
	switch ev.Kind {
	case client.EventConnected:
		if ev.Session != nil {
			o.selfID = ev.Session.ID
			o.ice = ev.Session.ICEServers()
		}
	case client.EventDisconnected:
		if ev.Terminal && o.state.Phase != PhaseIdle {
			// Reconnect exhausted (or intentional close): the call cannot
			// survive without signaling. Resuming call state across a fresh
			// handshake is deliberately not attempted.
			o.toIdle("connection to the call service was lost", nil)
		}
	case client.EventOffer:
		o.handleOffer(ev)
	case client.EventAnswer:
		o.handleAnswer(ev)
	case client.EventCandidate:
		o.handleCandidate(ev)
	case client.EventBye:
		o.handleBye(ev)
	case client.EventLeft:
		if o.state.Phase != PhaseIdle && ev.User.Id == o.state.Remote.ID {
			o.toIdle("the other party left", nil)
		}
	}
}

func (o *Orchestrator) handleOffer(ev client.Event) {
	if ev.Offer == nil {
		return
	}
	if o.state.Phase != PhaseIdle {
		// Single concurrent call policy: a duplicate or competing invitation
		// is answered busy and otherwise ignored.
		if ev.From != o.state.Remote.ID {
			o.sendByeQuiet(ev.From, signal.ByeReasonBusy)
		}
		return
	}

	kind := KindAudio
	if ev.Offer.WantsVideo() {
		kind = KindVideo
	}
	caller := Party{ID: ev.From}
	o.invite = &invitation{
		offer:  *ev.Offer,
		caller: caller,
		room:   ev.Offer.Room,
	}
	o.state = State{
		Phase:     PhaseIncomingRinging,
		Direction: DirectionIncoming,
		Kind:      kind,
		Remote:    caller,
		Room:      ev.Offer.Room,
	}
	o.armRingTimer()
	o.publish()
	o.notify(Notice{Message: "incoming call"})
}

func (o *Orchestrator) handleAnswer(ev client.Event) {
	if ev.Answer == nil || o.state.Phase != PhaseOutgoingRinging || ev.From != o.state.Remote.ID {
		return
	}
	remote, err := ev.Answer.ToPion()
	if err != nil {
		o.sendByeQuiet(o.state.Remote.ID, signal.ByeReasonAbort)
		o.toIdle("call setup failed", err)
		return
	}

	o.state.Phase = PhaseConnecting
	o.disarmRingTimer()
	o.publish()

	sess := o.sess
	seq := o.seq
	go func() {
		err := sess.ApplyRemoteAnswer(remote)
		o.postResult(asyncResult{seq: seq, kind: asyncAnswerApplied, err: err})
	}()
}

func (o *Orchestrator) handleCandidate(ev client.Event) {
	if ev.Candidate == nil || o.state.Phase == PhaseIdle || ev.From != o.state.Remote.ID {
		return
	}
	init := ev.Candidate.ToPion()
	if o.sess == nil {
		if o.invite != nil {
			o.invite.candidates = append(o.invite.candidates, init)
		}
		return
	}
	if err := o.sess.AddRemoteCandidate(init); err != nil {
		o.log.Warn("failed to add remote candidate", "err", err)
	}
}

func (o *Orchestrator) handleBye(ev client.Event) {
	if ev.Bye == nil || o.state.Phase == PhaseIdle || ev.From != o.state.Remote.ID {
		return
	}
	o.toIdle(byeMessage(ev.Bye.Reason), nil)
}

func (o *Orchestrator) handleConnectionState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if o.state.Phase == PhaseConnecting {
			o.state.Phase = PhaseActive
			o.state.DurationSeconds = 0
			o.tick = time.NewTicker(time.Second)
			o.publish()
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if o.state.Phase == PhaseConnecting || o.state.Phase == PhaseActive {
			o.sendByeQuiet(o.state.Remote.ID, signal.ByeReasonAbort)
			o.toIdle("connection lost", nil)
		}
	}
}

func (o *Orchestrator) handleRingTimeout() {
	switch o.state.Phase {
	case PhaseOutgoingRinging:
		o.sendByeQuiet(o.state.Remote.ID, signal.ByeReasonPickupTimeout)
		o.toIdle("no answer", nil)
	case PhaseIncomingRinging:
		if o.invite != nil {
			o.sendByeQuiet(o.invite.caller.ID, signal.ByeReasonPickupTimeout)
		}
		o.toIdle("missed call", nil)
	}
}

// toIdle is the single exit path for every call: stop the timer, tear down
// the peer session, leave the room and clear the CallState. A non-empty
// message becomes a user notice.
func (o *Orchestrator) toIdle(message string, err error) {
	if o.tick != nil {
		o.tick.Stop()
		o.tick = nil
	}
	o.disarmRingTimer()
	if o.sess != nil {
		o.sess.Teardown()
		o.sess = nil
	}
	if o.state.Room != "" {
		if leaveErr := o.signaler.LeaveRoom(); leaveErr != nil {
			o.log.Warn("failed to leave room", "err", leaveErr)
		}
	}
	o.invite = nil
	o.seq++
	if o.state.Phase == PhaseActive {
		// One final Ended snapshot lets observers show the call duration
		// before the state clears.
		o.state.Phase = PhaseEnded
		o.publish()
	}
	changed := o.state.Phase != PhaseIdle
	o.state = State{Phase: PhaseIdle}
	if changed {
		o.publish()
	}
	if message != "" {
		o.notify(Notice{Message: message, Err: err})
	}
}

func (o *Orchestrator) sendByeQuiet(to, reason string) {
	if to == "" {
		return
	}
	if err := o.signaler.SendBye(to, reason); err != nil {
		o.log.Warn("failed to send bye", "to", to, "err", err)
	}
}

func (o *Orchestrator) armRingTimer() {
	o.disarmRingTimer()
	o.ringTimer = time.NewTimer(o.ringTO)
	o.ringC = o.ringTimer.C
}

func (o *Orchestrator) disarmRingTimer() {
	if o.ringTimer != nil {
		o.ringTimer.Stop()
		o.ringTimer = nil
		o.ringC = nil
	}
}

func (o *Orchestrator) postResult(res asyncResult) {
	select {
	case o.results <- res:
	case <-o.stopped:
	}
}

func (o *Orchestrator) publish() {
	select {
	case o.states <- o.state:
	default:
	}
}

func (o *Orchestrator) notify(n Notice) {
	select {
	case o.notices <- n:
	default:
		o.log.Warn("notice dropped", "message", n.Message)
	}
}

// byeMessage maps a remote bye reason to the user-facing message. All reasons
// resolve to the same Idle transition; only the wording differs.
func byeMessage(reason string) string {
	switch reason {
	case signal.ByeReasonBusy:
		return "the other party is busy"
	case signal.ByeReasonReject:
		return "call declined"
	case signal.ByeReasonPickupTimeout:
		return "no answer"
	case signal.ByeReasonAbort:
		return "call aborted"
	default:
		return "call ended"
	}
}

func callFailureMessage(err error) string {
	return fmt.Sprintf("call failed: %v", err)
}

// roomName derives the rendezvous room for one call attempt. It is unique to
// the (caller, callee, start time) tuple.
func roomName(callerID, calleeID string) string {
	return fmt.Sprintf("%s|%s|%d", callerID, calleeID, time.Now().UnixNano())
}
