package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// TrackKind is the media kind of a track
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

func (k TrackKind) String() string {
	if k == TrackVideo {
		return "video"
	}
	return "audio"
}

// Track is one live media track. Audio tracks deliver mono float32 samples
// in [-1, 1]; ReadSamples returns io.EOF once the track has ended.
type Track interface {
	ID() string
	Kind() TrackKind
	SampleRate() int
	ReadSamples(ctx context.Context) ([]float32, error)
	Stop()
}

// Constraints describe a media request
type Constraints struct {
	Audio            bool
	Video            bool
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
}

// Stream is a set of tracks returned by one media request
type Stream struct {
	ID     string
	Tracks []Track
}

// AudioTracks returns the audio tracks of the stream
func (s *Stream) AudioTracks() []Track {
	var tracks []Track
	for _, t := range s.Tracks {
		if t.Kind() == TrackAudio {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// Stop stops every track in the stream
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// MediaDevices grants access to the microphone and display capture
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// SourceConfig holds the microphone constraints
type SourceConfig struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultSourceConfig returns 44.1 kHz with echo cancellation and noise suppression
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		SampleRate:       44100,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Source acquires the microphone and display streams for one session
type Source struct {
	devices MediaDevices
	config  SourceConfig
	logger  *slog.Logger

	mic     *Stream
	display *Stream
	mu      sync.Mutex
}

// NewSource creates a capture source on top of the given devices
func NewSource(devices MediaDevices, config SourceConfig, logger *slog.Logger) *Source {
	return &Source{
		devices: devices,
		config:  config,
		logger:  logger,
	}
}

// Acquire requests the microphone first, then display capture with audio and
// video. On any failure every track obtained so far is stopped.
func (s *Source) Acquire(ctx context.Context) (*Stream, *Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mic != nil {
		return nil, nil, newError(KindGeneric, "capture already acquired", nil)
	}

	mic, err := s.devices.GetUserMedia(ctx, Constraints{
		Audio:            true,
		EchoCancellation: s.config.EchoCancellation,
		NoiseSuppression: s.config.NoiseSuppression,
		SampleRate:       s.config.SampleRate,
	})
	if err != nil {
		return nil, nil, classify(err, "microphone request failed")
	}
	if len(mic.AudioTracks()) == 0 {
		mic.Stop()
		return nil, nil, newError(KindDeviceNotFound, "microphone stream has no audio track", nil)
	}

	display, err := s.devices.GetDisplayMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		mic.Stop()
		return nil, nil, classify(err, "display capture request failed")
	}
	if len(display.AudioTracks()) == 0 {
		display.Stop()
		mic.Stop()
		return nil, nil, newError(KindNoAudioTrack, "display capture has no audio track; share a tab with audio enabled", nil)
	}

	s.mic = mic
	s.display = display

	s.logger.Info("Capture acquired",
		slog.String("mic_stream", mic.ID),
		slog.String("display_stream", display.ID),
		slog.Int("mic_sample_rate", mic.AudioTracks()[0].SampleRate()),
		slog.Int("display_sample_rate", display.AudioTracks()[0].SampleRate()),
	)

	return mic, display, nil
}

// Release stops all acquired tracks. Safe to call repeatedly or before Acquire.
func (s *Source) Release() {
	s.mu.Lock()
	mic, display := s.mic, s.display
	s.mic, s.display = nil, nil
	s.mu.Unlock()

	if mic == nil && display == nil {
		return
	}

	mic.Stop()
	display.Stop()
	s.logger.Info("Capture released")
}

// Acquired reports whether the source currently holds streams
func (s *Source) Acquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mic != nil
}

func classify(err error, message string) error {
	var captureErr *Error
	if errors.As(err, &captureErr) {
		return err
	}
	return newError(KindGeneric, message, err)
}
