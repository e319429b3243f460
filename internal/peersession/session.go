// Package peersession owns the local media source and the single peer
// connection of one call. Candidates that arrive before the remote
// description is known are buffered and flushed, in arrival order, exactly
// once.
package peersession

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoConnection = errors.New("no peer connection")
	ErrTornDown     = errors.New("peer session torn down")
)

// SpeakerRoute is the local audio output routing. Changing it never triggers
// renegotiation.
type SpeakerRoute string

const (
	RouteEarpiece SpeakerRoute = "earpiece"
	RouteSpeaker  SpeakerRoute = "speaker"
)

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Provider acquires the local media source; nil defaults to
	// NewStaticSource.
	Provider SourceProvider
	Log      *slog.Logger
}

// Session is the peer session of exactly one call. It is created when the
// call enters Connecting and torn down when the call returns to Idle.
type Session struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	provider   SourceProvider
	log        *slog.Logger

	states     chan webrtc.PeerConnectionState
	candidates chan webrtc.ICECandidateInit

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	source    MediaSource
	remoteSet bool
	queue     []webrtc.ICECandidateInit
	muted     bool
	videoOff  bool
	route     SpeakerRoute
	tornDown  bool

	teardownOnce sync.Once
}

func New(cfg Config) *Session {
	if cfg.Provider == nil {
		cfg.Provider = NewStaticSource
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	return &Session{
		api:        cfg.API,
		iceServers: cfg.ICEServers,
		provider:   cfg.Provider,
		log:        cfg.Log,
		states:     make(chan webrtc.PeerConnectionState, 8),
		candidates: make(chan webrtc.ICECandidateInit, 64),
		route:      RouteEarpiece,
	}
}

// States delivers peer connection state transitions. Reaching
// PeerConnectionStateConnected means media is flowing.
func (s *Session) States() <-chan webrtc.PeerConnectionState { return s.states }

// LocalCandidates delivers trickled local ICE candidates for transmission to
// the remote party.
func (s *Session) LocalCandidates() <-chan webrtc.ICECandidateInit { return s.candidates }

// AcquireLocalMedia requests the local media source with the agreed
// constraints. Failure is ErrMediaUnavailable (wrapped), fatal to the call.
func (s *Session) AcquireLocalMedia(wantsVideo bool) error {
	source, err := s.provider(DefaultConstraints(wantsVideo))
	if err != nil {
		if !errors.Is(err, ErrMediaUnavailable) {
			err = errors.Join(ErrMediaUnavailable, err)
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		_ = source.Close()
		return ErrTornDown
	}
	s.source = source
	return nil
}

// ensureConnectionLocked lazily creates the underlying peer connection and
// attaches local tracks. Only one connection exists per call.
func (s *Session) ensureConnectionLocked() error {
	if s.tornDown {
		return ErrTornDown
	}
	if s.pc != nil {
		return nil
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return err
	}

	if s.source != nil {
		for _, track := range s.source.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return err
			}
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		select {
		case s.candidates <- cand.ToJSON():
		default:
			s.log.Warn("local candidate channel full, dropping")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		select {
		case s.states <- state:
		default:
		}
	})

	s.pc = pc
	return nil
}

// CreateOffer builds the local offer for an outgoing call.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureConnectionLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// ApplyRemoteOffer applies an incoming offer, flushes any queued candidates
// and returns the negotiated answer.
func (s *Session) ApplyRemoteOffer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureConnectionLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, err
	}
	s.flushQueueLocked()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// ApplyRemoteAnswer applies the answer to the existing connection, then
// flushes queued candidates.
func (s *Session) ApplyRemoteAnswer(remote webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return ErrNoConnection
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return err
	}
	s.flushQueueLocked()
	return nil
}

// AddRemoteCandidate applies a candidate immediately once the remote
// description is known, and queues it in arrival order otherwise. Candidates
// are never dropped.
func (s *Session) AddRemoteCandidate(init webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return ErrTornDown
	}
	if !s.remoteSet {
		s.queue = append(s.queue, init)
		return nil
	}
	return s.pc.AddICECandidate(init)
}

// flushQueueLocked applies queued candidates in arrival order. It runs
// exactly once per call: remoteSet latches and the queue is cleared.
func (s *Session) flushQueueLocked() {
	s.remoteSet = true
	for _, init := range s.queue {
		if err := s.pc.AddICECandidate(init); err != nil {
			s.log.Warn("failed to apply buffered candidate", "err", err)
		}
	}
	s.queue = nil
}

// ToggleMute flips the audio track's enabled state and reports whether audio
// is now muted.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	if s.source != nil {
		s.source.SetAudioEnabled(!s.muted)
	}
	return s.muted
}

// ToggleVideo flips the video track's enabled state and reports whether video
// is now off.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = !s.videoOff
	if s.source != nil {
		s.source.SetVideoEnabled(!s.videoOff)
	}
	return s.videoOff
}

// ToggleSpeakerRoute switches the audio output route and returns the new one.
func (s *Session) ToggleSpeakerRoute() SpeakerRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.route == RouteEarpiece {
		s.route = RouteSpeaker
	} else {
		s.route = RouteEarpiece
	}
	return s.route
}

func (s *Session) SwitchCamera() error {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source == nil {
		return ErrMediaUnavailable
	}
	return source.SwitchCamera()
}

// Teardown stops local tracks, closes the connection and clears all buffers.
// It is idempotent and safe from any state; results of in-flight negotiation
// that land afterwards hit ErrTornDown and are inert.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		source := s.source
		pc := s.pc
		s.source = nil
		s.pc = nil
		s.queue = nil
		s.remoteSet = false
		s.tornDown = true
		s.mu.Unlock()

		if source != nil {
			_ = source.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	})
}
