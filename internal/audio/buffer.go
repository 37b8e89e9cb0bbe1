package audio

import (
	"fmt"
	"sync"
	"time"
)

// Channel names used on the wire and in logs
const (
	ChannelClient     = "client"
	ChannelCommercial = "commercial"
)

// ChannelBuffer is an ordered run of float samples for one channel
type ChannelBuffer struct {
	name    string
	samples []float32
}

func newChannelBuffer(name string, capacity int) *ChannelBuffer {
	return &ChannelBuffer{
		name:    name,
		samples: make([]float32, 0, capacity),
	}
}

// Name returns the channel name
func (c *ChannelBuffer) Name() string {
	return c.name
}

// Len returns the number of buffered samples
func (c *ChannelBuffer) Len() int {
	return len(c.samples)
}

// Samples returns the buffered samples. The slice must not be modified.
func (c *ChannelBuffer) Samples() []float32 {
	return c.samples
}

// evictFront drops the n oldest samples, keeping the backing array
func (c *ChannelBuffer) evictFront(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.samples) {
		c.samples = c.samples[:0]
		return
	}
	copy(c.samples, c.samples[n:])
	c.samples = c.samples[:len(c.samples)-n]
}

// Snapshot is a pair of channel buffers frozen at flush time
type Snapshot struct {
	Client     []float32
	Commercial []float32
	SampleRate int
	TakenAt    time.Time
}

// Len returns the per-channel sample count
func (s *Snapshot) Len() int {
	return len(s.Commercial)
}

// Duration returns the audio span covered by the snapshot
func (s *Snapshot) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Len()) * time.Second / time.Duration(s.SampleRate)
}

// SegmentBuffer accumulates the client and commercial channels in lock-step.
// It owns the active pair, which receives every appended block, and at most one
// in-flight snapshot handed to delivery.
type SegmentBuffer struct {
	sampleRate int
	maxSamples int

	client     *ChannelBuffer
	commercial *ChannelBuffer
	inFlight   *Snapshot

	// Statistics
	totalAppended uint64
	totalEvicted  uint64
	swaps         uint64

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SampleRate      int     `json:"sample_rate"`
	BufferedSamples int     `json:"buffered_samples"`
	BufferedSeconds float64 `json:"buffered_seconds"`
	MaxSamples      int     `json:"max_samples"`
	TotalAppended   uint64  `json:"total_appended"`
	TotalEvicted    uint64  `json:"total_evicted"`
	Swaps           uint64  `json:"swaps"`
	InFlight        bool    `json:"in_flight"`
	InFlightSamples int     `json:"in_flight_samples"`
}

// NewSegmentBuffer creates a buffer pair bounded by maxDuration of audio
func NewSegmentBuffer(sampleRate int, maxDuration time.Duration) (*SegmentBuffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	maxSamples := int(int64(maxDuration) * int64(sampleRate) / int64(time.Second))
	if maxSamples <= 0 {
		return nil, fmt.Errorf("max duration %v holds no samples at %d Hz", maxDuration, sampleRate)
	}

	b := &SegmentBuffer{
		sampleRate: sampleRate,
		maxSamples: maxSamples,
	}
	b.installFresh()

	return b, nil
}

func (b *SegmentBuffer) installFresh() {
	capacity := b.sampleRate * 2 // two seconds before the first growth
	if capacity > b.maxSamples {
		capacity = b.maxSamples
	}
	b.client = newChannelBuffer(ChannelClient, capacity)
	b.commercial = newChannelBuffer(ChannelCommercial, capacity)
}

// Append adds one block to both active channels and enforces the size bound.
// It returns the number of samples evicted from the front of each channel.
func (b *SegmentBuffer) Append(client, commercial []float32) (int, error) {
	if len(client) != len(commercial) {
		return 0, fmt.Errorf("channel length mismatch: client=%d commercial=%d", len(client), len(commercial))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.client.samples = append(b.client.samples, client...)
	b.commercial.samples = append(b.commercial.samples, commercial...)
	b.totalAppended += uint64(len(commercial))

	evicted := b.commercial.Len() - b.maxSamples
	if evicted <= 0 {
		return 0, nil
	}

	b.client.evictFront(evicted)
	b.commercial.evictFront(evicted)
	b.totalEvicted += uint64(evicted)

	return evicted, nil
}

// Swap moves the active pair into the in-flight slot and installs a fresh pair.
// It returns false without changes when a snapshot is already in flight.
func (b *SegmentBuffer) Swap() (*Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight != nil {
		return nil, false
	}

	snapshot := &Snapshot{
		Client:     b.client.samples,
		Commercial: b.commercial.samples,
		SampleRate: b.sampleRate,
		TakenAt:    time.Now(),
	}
	b.installFresh()
	b.inFlight = snapshot
	b.swaps++

	return snapshot, true
}

// Release clears the in-flight slot if it still holds the given snapshot
func (b *SegmentBuffer) Release(snapshot *Snapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight == nil || b.inFlight != snapshot {
		return false
	}
	b.inFlight = nil
	return true
}

// InFlight returns the snapshot currently handed to delivery, if any
func (b *SegmentBuffer) InFlight() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inFlight
}

// Discard drops both halves
func (b *SegmentBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.installFresh()
	b.inFlight = nil
}

// Len returns the per-channel sample count of the active pair
func (b *SegmentBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.commercial.Len()
}

// ChannelLens returns the active client and commercial lengths
func (b *SegmentBuffer) ChannelLens() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client.Len(), b.commercial.Len()
}

// Duration returns the audio span held by the active pair
func (b *SegmentBuffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return time.Duration(b.commercial.Len()) * time.Second / time.Duration(b.sampleRate)
}

// SampleRate returns the buffer sample rate
func (b *SegmentBuffer) SampleRate() int {
	return b.sampleRate
}

// MaxSamples returns the per-channel bound
func (b *SegmentBuffer) MaxSamples() int {
	return b.maxSamples
}

// GetStats returns current buffer statistics
func (b *SegmentBuffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BufferStats{
		SampleRate:      b.sampleRate,
		BufferedSamples: b.commercial.Len(),
		BufferedSeconds: float64(b.commercial.Len()) / float64(b.sampleRate),
		MaxSamples:      b.maxSamples,
		TotalAppended:   b.totalAppended,
		TotalEvicted:    b.totalEvicted,
		Swaps:           b.swaps,
		InFlight:        b.inFlight != nil,
	}
	if b.inFlight != nil {
		stats.InFlightSamples = b.inFlight.Len()
	}
	return stats
}
