package capture

import (
	"context"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Block is one lock-step pair of equally sized channel blocks
type Block struct {
	Client     []float32 // display (tab) audio
	Commercial []float32 // microphone audio
	SampleRate int
	Sequence   uint64
}

// Mixer pulls fixed-size blocks from the microphone and display audio tracks.
// The display track is resampled to the microphone rate when they differ.
type Mixer struct {
	mic       Track
	display   Track
	blockSize int

	resampler resampling.Resampler

	micBuf     []float32
	displayBuf []float32
	sequence   uint64
}

// NewMixer creates a mixer over the two audio tracks
func NewMixer(mic, display Track, blockSize int) (*Mixer, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if mic.SampleRate() <= 0 || display.SampleRate() <= 0 {
		return nil, fmt.Errorf("invalid track sample rates: mic=%d display=%d", mic.SampleRate(), display.SampleRate())
	}

	m := &Mixer{
		mic:        mic,
		display:    display,
		blockSize:  blockSize,
		micBuf:     make([]float32, 0, blockSize*2),
		displayBuf: make([]float32, 0, blockSize*2),
	}

	if display.SampleRate() != mic.SampleRate() {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(display.SampleRate()),
			OutputRate: float64(mic.SampleRate()),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create resampler: %w", err)
		}
		m.resampler = r
	}

	return m, nil
}

// SampleRate returns the rate of produced blocks
func (m *Mixer) SampleRate() int {
	return m.mic.SampleRate()
}

// Resampling reports whether the display track is converted
func (m *Mixer) Resampling() bool {
	return m.resampler != nil
}

// Next blocks until both channels have a full block. It returns io.EOF when
// either track ends; a trailing partial block is dropped.
func (m *Mixer) Next(ctx context.Context) (Block, error) {
	for len(m.micBuf) < m.blockSize {
		samples, err := m.mic.ReadSamples(ctx)
		if err != nil {
			return Block{}, err
		}
		m.micBuf = append(m.micBuf, samples...)
	}

	for len(m.displayBuf) < m.blockSize {
		samples, err := m.display.ReadSamples(ctx)
		if err != nil {
			return Block{}, err
		}
		if m.resampler != nil {
			if samples, err = m.resample(samples); err != nil {
				return Block{}, err
			}
		}
		m.displayBuf = append(m.displayBuf, samples...)
	}

	block := Block{
		Client:     make([]float32, m.blockSize),
		Commercial: make([]float32, m.blockSize),
		SampleRate: m.mic.SampleRate(),
		Sequence:   m.sequence,
	}
	copy(block.Client, m.displayBuf)
	copy(block.Commercial, m.micBuf)
	m.sequence++

	m.micBuf = m.micBuf[:copy(m.micBuf, m.micBuf[m.blockSize:])]
	m.displayBuf = m.displayBuf[:copy(m.displayBuf, m.displayBuf[m.blockSize:])]

	return block, nil
}

func (m *Mixer) resample(samples []float32) ([]float32, error) {
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s)
	}

	output, err := m.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	result := make([]float32, len(output))
	for i, s := range output {
		result[i] = float32(s)
	}
	return result, nil
}
