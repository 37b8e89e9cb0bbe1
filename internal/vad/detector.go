package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Phase is the segmentation phase of the detector
type Phase int

const (
	WaitingForSpeech Phase = iota
	Speaking
	TrailingSilence
)

func (p Phase) String() string {
	switch p {
	case WaitingForSpeech:
		return "waiting_for_speech"
	case Speaking:
		return "speaking"
	case TrailingSilence:
		return "trailing_silence"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Reason explains a segmentation decision
type Reason string

const (
	// Send reasons
	ReasonTimeoutNoSpeech Reason = "timeout_no_speech"
	ReasonMaxTimeReached  Reason = "max_time_reached"
	ReasonEndOfSpeech     Reason = "end_of_speech"

	// Wait reasons
	ReasonWaitingForSpeech   Reason = "waiting_for_speech"
	ReasonSpeechInProgress   Reason = "speech_in_progress"
	ReasonSpeechTooShort     Reason = "speech_too_short"
	ReasonNaturalPause       Reason = "natural_pause"
	ReasonShortPhraseWaiting Reason = "short_phrase_waiting"
)

// Config holds the detector thresholds
type Config struct {
	SpeechThreshold       float64
	SilenceThreshold      float64
	EnergyWindow          int // number of block energies averaged
	SilenceBeforeSend     time.Duration
	MinSpeechDuration     time.Duration
	MaxWaitTime           time.Duration
	NaturalPauseThreshold time.Duration
	MinPhraseLength       time.Duration
	ShortPhraseExtension  time.Duration
}

// DefaultConfig returns the reference thresholds
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:       0.02,
		SilenceThreshold:      0.005,
		EnergyWindow:          5,
		SilenceBeforeSend:     1200 * time.Millisecond,
		MinSpeechDuration:     500 * time.Millisecond,
		MaxWaitTime:           6 * time.Second,
		NaturalPauseThreshold: 800 * time.Millisecond,
		MinPhraseLength:       time.Second,
		ShortPhraseExtension:  1500 * time.Millisecond,
	}
}

// Validate checks that thresholds are consistent
func (c Config) Validate() error {
	if c.SilenceThreshold <= 0 {
		return fmt.Errorf("silence threshold must be positive, got %f", c.SilenceThreshold)
	}
	if c.SpeechThreshold < c.SilenceThreshold {
		return fmt.Errorf("speech threshold %f must not be below silence threshold %f",
			c.SpeechThreshold, c.SilenceThreshold)
	}
	if c.EnergyWindow < 1 {
		return fmt.Errorf("energy window must be at least 1, got %d", c.EnergyWindow)
	}
	if c.MaxWaitTime <= 0 {
		return fmt.Errorf("max wait time must be positive, got %v", c.MaxWaitTime)
	}
	return nil
}

// State is the per-session detector state. All times are offsets on the
// detector's block clock, which advances by each block's duration.
type State struct {
	Phase           Phase
	SpeechStarted   bool
	SpeechStart     time.Duration
	LastSpeech      time.Duration
	SilenceDuration time.Duration
	Energies        []float64
	SmoothedEnergy  float64
	Accumulated     time.Duration
}

// IsSpeaking reports whether the last classified block was speech
func (s State) IsSpeaking() bool {
	return s.Phase == Speaking
}

// SpeechDuration returns the span between speech onset and the last speech block
func (s State) SpeechDuration() time.Duration {
	if !s.SpeechStarted {
		return 0
	}
	return s.LastSpeech - s.SpeechStart
}

// Decision is the outcome of processing one block
type Decision struct {
	ShouldSend      bool          `json:"should_send"`
	Reason          Reason        `json:"reason"`
	Phase           Phase         `json:"phase"`
	Energy          float64       `json:"energy"`
	SmoothedEnergy  float64       `json:"smoothed_energy"`
	SpeechDuration  time.Duration `json:"speech_duration"`
	SilenceDuration time.Duration `json:"silence_duration"`
	Accumulated     time.Duration `json:"accumulated"`
}

// Step advances the detector by one block of the given RMS energy and duration.
// It does not modify s; on a send decision the returned state is fully reset.
func Step(cfg Config, s State, energy float64, blockDuration time.Duration) (State, Decision) {
	if math.IsNaN(energy) || math.IsInf(energy, 0) {
		energy = 0
	}

	next := s
	next.Accumulated += blockDuration
	now := next.Accumulated

	window := cfg.EnergyWindow
	if window < 1 {
		window = 1
	}
	energies := make([]float64, 0, window)
	if keep := len(s.Energies) - (window - 1); keep > 0 {
		energies = append(energies, s.Energies[keep:]...)
	} else {
		energies = append(energies, s.Energies...)
	}
	energies = append(energies, energy)
	next.Energies = energies

	var sum float64
	for _, e := range energies {
		sum += e
	}
	next.SmoothedEnergy = sum / float64(len(energies))

	speechNow := next.SmoothedEnergy > cfg.SpeechThreshold
	silenceNow := next.SmoothedEnergy < cfg.SilenceThreshold

	switch {
	case speechNow:
		if !next.SpeechStarted {
			next.SpeechStarted = true
			next.SpeechStart = now - blockDuration
		}
		next.Phase = Speaking
		next.LastSpeech = now
		next.SilenceDuration = 0
	case silenceNow && next.SpeechStarted:
		next.Phase = TrailingSilence
		next.SilenceDuration = now - next.LastSpeech
	}

	decision := Decision{
		Phase:           next.Phase,
		Energy:          energy,
		SmoothedEnergy:  next.SmoothedEnergy,
		SpeechDuration:  next.SpeechDuration(),
		SilenceDuration: next.SilenceDuration,
		Accumulated:     now,
	}

	if !next.SpeechStarted {
		if now >= cfg.MaxWaitTime {
			decision.ShouldSend = true
			decision.Reason = ReasonTimeoutNoSpeech
		} else {
			decision.Reason = ReasonWaitingForSpeech
		}
	} else {
		speech := decision.SpeechDuration
		silence := decision.SilenceDuration

		switch {
		case silence < cfg.SilenceBeforeSend:
			if now >= cfg.MaxWaitTime {
				decision.ShouldSend = true
				decision.Reason = ReasonMaxTimeReached
			} else {
				decision.Reason = ReasonSpeechInProgress
			}
		case speech < cfg.MinSpeechDuration:
			// Treated as noise: drop the onset and keep the window open.
			decision.Reason = ReasonSpeechTooShort
			next.Phase = WaitingForSpeech
			next.SpeechStarted = false
			next.SpeechStart = 0
			next.LastSpeech = 0
			next.SilenceDuration = 0
		case silence < cfg.NaturalPauseThreshold:
			// Unreachable while SilenceBeforeSend >= NaturalPauseThreshold.
			decision.Reason = ReasonNaturalPause
		case speech < cfg.MinPhraseLength && speech+silence < cfg.MinPhraseLength+cfg.ShortPhraseExtension:
			decision.Reason = ReasonShortPhraseWaiting
		default:
			decision.ShouldSend = true
			decision.Reason = ReasonEndOfSpeech
		}
	}

	if decision.ShouldSend {
		next = State{}
	}

	return next, decision
}

// RMS computes the root-mean-square amplitude of a block. Non-finite samples
// count as zero.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, sample := range samples {
		v := float64(sample)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		energy += v * v
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// BlockDuration returns the duration covered by n samples at the given rate
func BlockDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// Stats represents detector statistics
type Stats struct {
	Phase          string            `json:"phase"`
	TotalBlocks    uint64            `json:"total_blocks"`
	SpeechBlocks   uint64            `json:"speech_blocks"`
	SpeechPercent  float64           `json:"speech_percentage"`
	Sends          uint64            `json:"sends"`
	Decisions      map[Reason]uint64 `json:"decisions"`
	SmoothedEnergy float64           `json:"smoothed_energy"`
	Accumulated    time.Duration     `json:"accumulated"`
	LastReason     Reason            `json:"last_reason"`
}

// Detector applies Step to consecutive blocks of one channel
type Detector struct {
	config Config
	state  State

	// Statistics
	totalBlocks  uint64
	speechBlocks uint64
	sends        uint64
	decisions    map[Reason]uint64
	lastReason   Reason

	mu sync.RWMutex
}

// NewDetector creates a detector with the given thresholds
func NewDetector(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Detector{
		config:    config,
		decisions: make(map[Reason]uint64),
	}, nil
}

// Process computes the block energy and advances the state machine
func (d *Detector) Process(samples []float32, blockDuration time.Duration) Decision {
	return d.ProcessEnergy(RMS(samples), blockDuration)
}

// ProcessEnergy advances the state machine with a precomputed RMS energy
func (d *Detector) ProcessEnergy(energy float64, blockDuration time.Duration) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, decision := Step(d.config, d.state, energy, blockDuration)
	d.state = next

	d.totalBlocks++
	if decision.Phase == Speaking {
		d.speechBlocks++
	}
	if decision.ShouldSend {
		d.sends++
	}
	d.decisions[decision.Reason]++
	d.lastReason = decision.Reason

	return decision
}

// State returns a copy of the current state
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := d.state
	s.Energies = append([]float64(nil), d.state.Energies...)
	return s
}

// HardReset clears the state and statistics, used at session boundaries
func (d *Detector) HardReset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = State{}
	d.totalBlocks = 0
	d.speechBlocks = 0
	d.sends = 0
	d.decisions = make(map[Reason]uint64)
	d.lastReason = ""
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	speechPercent := float64(0)
	if d.totalBlocks > 0 {
		speechPercent = float64(d.speechBlocks) / float64(d.totalBlocks) * 100
	}

	decisions := make(map[Reason]uint64, len(d.decisions))
	for reason, count := range d.decisions {
		decisions[reason] = count
	}

	return Stats{
		Phase:          d.state.Phase.String(),
		TotalBlocks:    d.totalBlocks,
		SpeechBlocks:   d.speechBlocks,
		SpeechPercent:  speechPercent,
		Sends:          d.sends,
		Decisions:      decisions,
		SmoothedEnergy: d.state.SmoothedEnergy,
		Accumulated:    d.state.Accumulated,
		LastReason:     d.lastReason,
	}
}

// GetConfig returns the detector thresholds
func (d *Detector) GetConfig() Config {
	return d.config
}
