package peersession

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable is returned when a local media source cannot be
// acquired (permission denied or no device). It is fatal to the current call
// attempt and never retried.
var ErrMediaUnavailable = errors.New("local media unavailable")

// AudioConstraints are the processing flags requested from the capture layer.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

// VideoConstraints bound capture resolution and frame rate.
type VideoConstraints struct {
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate int
}

// Constraints are the mutually agreed capture parameters for one call. Video
// is nil for audio-only calls.
type Constraints struct {
	Audio AudioConstraints
	Video *VideoConstraints
}

// DefaultConstraints returns the constraint set used for every call.
func DefaultConstraints(wantsVideo bool) Constraints {
	c := Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
		},
	}
	if wantsVideo {
		c.Video = &VideoConstraints{
			MaxWidth:     1280,
			MaxHeight:    720,
			MaxFrameRate: 30,
		}
	}
	return c
}

// MediaSource is the opaque local capture capability. Device APIs live behind
// this interface; the session only needs tracks and enable toggles.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	SwitchCamera() error
	Close() error
}

// SourceProvider acquires a MediaSource for the given constraints. Failures
// must be reported as (or wrapped in) ErrMediaUnavailable.
type SourceProvider func(Constraints) (MediaSource, error)

// StaticSource is a MediaSource backed by static sample tracks. It carries no
// real capture device and exists for headless clients and tests.
type StaticSource struct {
	mu           sync.Mutex
	audio        *webrtc.TrackLocalStaticSample
	video        *webrtc.TrackLocalStaticSample
	audioEnabled bool
	videoEnabled bool
	facingFront  bool
	closed       bool
}

// NewStaticSource builds a StaticSource honoring the video constraint.
func NewStaticSource(c Constraints) (MediaSource, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "peerline-audio",
	)
	if err != nil {
		return nil, errors.Join(ErrMediaUnavailable, err)
	}
	s := &StaticSource{
		audio:        audio,
		audioEnabled: true,
		facingFront:  true,
	}
	if c.Video != nil {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "peerline-video",
		)
		if err != nil {
			return nil, errors.Join(ErrMediaUnavailable, err)
		}
		s.video = video
		s.videoEnabled = true
	}
	return s, nil
}

func (s *StaticSource) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := []webrtc.TrackLocal{s.audio}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *StaticSource) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	s.mu.Unlock()
}

func (s *StaticSource) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	s.mu.Unlock()
}

func (s *StaticSource) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

func (s *StaticSource) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

func (s *StaticSource) SwitchCamera() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil {
		return errors.New("no video track")
	}
	s.facingFront = !s.facingFront
	return nil
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
