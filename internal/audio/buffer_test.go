package audio

import (
	"sync"
	"testing"
	"time"
)

func filled(n int, value float32) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func ramp(start, n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(start + i)
	}
	return samples
}

func TestNewSegmentBuffer(t *testing.T) {
	tests := []struct {
		name        string
		sampleRate  int
		maxDuration time.Duration
		wantMax     int
		wantErr     bool
	}{
		{"default", 44100, 10 * time.Second, 441000, false},
		{"16k", 16000, 2 * time.Second, 32000, false},
		{"zero rate", 0, time.Second, 0, true},
		{"zero duration", 44100, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buffer, err := NewSegmentBuffer(tt.sampleRate, tt.maxDuration)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if buffer.MaxSamples() != tt.wantMax {
				t.Errorf("expected max samples %d, got %d", tt.wantMax, buffer.MaxSamples())
			}
			if buffer.Len() != 0 {
				t.Errorf("expected empty buffer, got %d samples", buffer.Len())
			}
			if buffer.InFlight() != nil {
				t.Error("expected no in-flight snapshot")
			}
		})
	}
}

func TestAppendRejectsMismatchedBlocks(t *testing.T) {
	buffer, _ := NewSegmentBuffer(16000, time.Second)

	if _, err := buffer.Append(make([]float32, 10), make([]float32, 11)); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if buffer.Len() != 0 {
		t.Errorf("rejected block must not be stored, got %d samples", buffer.Len())
	}
}

func TestAppendKeepsChannelsEqual(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, time.Second)

	for i := 0; i < 25; i++ {
		if _, err := buffer.Append(filled(97, 0.1), filled(97, 0.2)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		client, commercial := buffer.ChannelLens()
		if client != commercial {
			t.Fatalf("append %d: channel lengths diverged: client=%d commercial=%d", i, client, commercial)
		}
		if commercial > buffer.MaxSamples() {
			t.Fatalf("append %d: length %d exceeds bound %d", i, commercial, buffer.MaxSamples())
		}
	}
}

// Twelve seconds of audio at 44.1 kHz capped at ten seconds.
func TestAppendCapsAtMaxDuration(t *testing.T) {
	const rate = 44100
	buffer, err := NewSegmentBuffer(rate, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	block := 4410
	totalEvicted := 0
	for i := 0; i < 120; i++ {
		evicted, err := buffer.Append(filled(block, 0), ramp(i*block, block))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		totalEvicted += evicted
	}

	if buffer.Len() != 441000 {
		t.Errorf("expected 441000 samples, got %d", buffer.Len())
	}
	if totalEvicted != 88200 {
		t.Errorf("expected 88200 evicted samples, got %d", totalEvicted)
	}

	snapshot, ok := buffer.Swap()
	if !ok {
		t.Fatal("swap failed")
	}
	// The oldest two seconds are gone; the newest sample is kept.
	if got := snapshot.Commercial[0]; got != 88200 {
		t.Errorf("expected first retained sample 88200, got %v", got)
	}
	if got := snapshot.Commercial[len(snapshot.Commercial)-1]; got != float32(120*block-1) {
		t.Errorf("expected last sample %d, got %v", 120*block-1, got)
	}
	if snapshot.Duration() != 10*time.Second {
		t.Errorf("expected 10s snapshot, got %v", snapshot.Duration())
	}

	stats := buffer.GetStats()
	if stats.TotalEvicted != 88200 {
		t.Errorf("expected stats to report 88200 evicted, got %d", stats.TotalEvicted)
	}
}

func TestSwapInstallsFreshPair(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, time.Second)
	buffer.Append(ramp(0, 100), ramp(1000, 100))

	snapshot, ok := buffer.Swap()
	if !ok {
		t.Fatal("swap failed")
	}
	if snapshot.Len() != 100 || len(snapshot.Client) != 100 {
		t.Fatalf("expected 100-sample snapshot, got client=%d commercial=%d",
			len(snapshot.Client), len(snapshot.Commercial))
	}
	if buffer.Len() != 0 {
		t.Errorf("expected fresh active pair, got %d samples", buffer.Len())
	}
	if buffer.InFlight() != snapshot {
		t.Error("expected snapshot to occupy in-flight slot")
	}

	// Appends after the swap must not touch the snapshot.
	buffer.Append(filled(50, -1), filled(50, -1))
	if snapshot.Commercial[0] != 1000 || snapshot.Client[99] != 99 {
		t.Error("snapshot changed after append to fresh pair")
	}
}

func TestSwapWhileInFlightIsNoOp(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, time.Second)
	buffer.Append(filled(10, 0.5), filled(10, 0.5))

	first, ok := buffer.Swap()
	if !ok {
		t.Fatal("first swap failed")
	}

	buffer.Append(filled(20, 0.5), filled(20, 0.5))
	if _, ok := buffer.Swap(); ok {
		t.Fatal("second swap must fail while a snapshot is in flight")
	}
	if buffer.Len() != 20 {
		t.Errorf("failed swap must keep the active pair, got %d samples", buffer.Len())
	}

	if !buffer.Release(first) {
		t.Fatal("release failed")
	}
	second, ok := buffer.Swap()
	if !ok {
		t.Fatal("swap after release failed")
	}
	if second.Len() != 20 {
		t.Errorf("expected 20-sample snapshot, got %d", second.Len())
	}
}

func TestReleaseIgnoresStaleSnapshot(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, time.Second)
	buffer.Append(filled(10, 0), filled(10, 0))
	first, _ := buffer.Swap()
	buffer.Release(first)

	buffer.Append(filled(10, 0), filled(10, 0))
	second, _ := buffer.Swap()

	if buffer.Release(first) {
		t.Error("release of a stale snapshot must fail")
	}
	if buffer.InFlight() != second {
		t.Error("stale release cleared the current snapshot")
	}
}

// Every appended sample ends up in exactly one snapshot, in order.
func TestSwapLosesNoSamples(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, 100*time.Second)

	var collected []float32
	next := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < round+1; i++ {
			buffer.Append(ramp(next, 37), ramp(next, 37))
			next += 37
		}
		snapshot, ok := buffer.Swap()
		if !ok {
			t.Fatalf("round %d: swap failed", round)
		}
		collected = append(collected, snapshot.Commercial...)
		buffer.Release(snapshot)
	}

	if len(collected) != next {
		t.Fatalf("expected %d samples, got %d", next, len(collected))
	}
	for i, v := range collected {
		if v != float32(i) {
			t.Fatalf("sample %d: expected %d, got %v", i, i, v)
		}
	}
}

func TestDiscard(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, time.Second)
	buffer.Append(filled(10, 0), filled(10, 0))
	buffer.Swap()
	buffer.Append(filled(10, 0), filled(10, 0))

	buffer.Discard()

	if buffer.Len() != 0 {
		t.Errorf("expected empty active pair, got %d", buffer.Len())
	}
	if buffer.InFlight() != nil {
		t.Error("expected in-flight slot to be cleared")
	}
}

func TestBufferStats(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, time.Second)
	buffer.Append(filled(500, 0), filled(500, 0))

	stats := buffer.GetStats()
	if stats.BufferedSamples != 500 {
		t.Errorf("expected 500 buffered samples, got %d", stats.BufferedSamples)
	}
	if stats.BufferedSeconds != 0.5 {
		t.Errorf("expected 0.5s buffered, got %f", stats.BufferedSeconds)
	}
	if stats.InFlight {
		t.Error("expected no in-flight snapshot")
	}

	buffer.Swap()
	stats = buffer.GetStats()
	if !stats.InFlight || stats.InFlightSamples != 500 {
		t.Errorf("expected 500 in-flight samples, got %+v", stats)
	}
	if stats.Swaps != 1 || stats.TotalAppended != 500 {
		t.Errorf("unexpected counters: %+v", stats)
	}
}

func TestConcurrentAccess(t *testing.T) {
	buffer, _ := NewSegmentBuffer(1000, time.Second)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			buffer.Append(filled(64, 0.1), filled(64, 0.1))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if snapshot, ok := buffer.Swap(); ok {
				if len(snapshot.Client) != len(snapshot.Commercial) {
					t.Errorf("snapshot channels diverged")
				}
				buffer.Release(snapshot)
			}
			_ = buffer.GetStats()
		}
	}()

	wg.Wait()

	client, commercial := buffer.ChannelLens()
	if client != commercial {
		t.Errorf("channel lengths diverged: client=%d commercial=%d", client, commercial)
	}
}
