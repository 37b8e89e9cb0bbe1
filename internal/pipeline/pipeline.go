package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/duplex-coach-service/internal/audio"
	"github.com/skypro1111/duplex-coach-service/internal/capture"
	"github.com/skypro1111/duplex-coach-service/internal/delivery"
	"github.com/skypro1111/duplex-coach-service/internal/metrics"
	"github.com/skypro1111/duplex-coach-service/internal/vad"
)

// ErrStopped is returned for blocks handed to a stopped pipeline
var ErrStopped = errors.New("pipeline stopped")

// ResultFunc receives the outcome of every completed or permanently failed
// segment. It runs on a delivery goroutine and must not call Stop.
type ResultFunc func(sessionID string, r delivery.Result)

// Submitter performs one delivery attempt
type Submitter interface {
	Submit(ctx context.Context, seg *delivery.Segment) (delivery.Result, error)
}

// Releaser releases captured media
type Releaser interface {
	Release()
}

// BlockSource yields duplex blocks until the capture ends
type BlockSource interface {
	Next(ctx context.Context) (capture.Block, error)
}

// Config holds per-session pipeline parameters
type Config struct {
	SampleRate        int
	MaxBufferDuration time.Duration
	VAD               vad.Config
	Retry             delivery.RetryPolicy
}

// Deps are the collaborators of a pipeline
type Deps struct {
	Submitter Submitter
	Capture   Releaser // optional
	OnResult  ResultFunc
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Stats represents per-session delivery statistics
type Stats struct {
	BlocksProcessed   uint64 `json:"blocks_processed"`
	SamplesEvicted    uint64 `json:"samples_evicted"`
	SegmentsFlushed   uint64 `json:"segments_flushed"`
	SegmentsDelivered uint64 `json:"segments_delivered"`
	SegmentsFailed    uint64 `json:"segments_failed"`
	FlushDeferred     uint64 `json:"flush_deferred"`
	Attempts          uint64 `json:"attempts"`
	Retries           uint64 `json:"retries"`
}

// Info is a monitoring snapshot of a pipeline
type Info struct {
	SessionID      string            `json:"session_id"`
	Active         bool              `json:"active"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivity   time.Time         `json:"last_activity"`
	Duration       string            `json:"duration"`
	Buffer         audio.BufferStats `json:"buffer"`
	VAD            vad.Stats         `json:"vad"`
	Stats          Stats             `json:"stats"`
	LastResultKind string            `json:"last_result_kind,omitempty"`
	LastResult     delivery.Result   `json:"last_result,omitempty"`
}

// Pipeline owns the buffers, detector and delivery state of one session
type Pipeline struct {
	sessionID string
	config    Config
	buffer    *audio.SegmentBuffer
	detector  *vad.Detector
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards append and swap as one step, plus the fields below
	mu           sync.Mutex
	active       bool
	lastActivity time.Time
	retryTimer   *time.Timer
	stats        Stats
	lastResult   delivery.Result

	// dispatchMu serialises result callbacks against Stop
	dispatchMu sync.Mutex
}

// attempt is one flushed segment moving through delivery
type attempt struct {
	snapshot *audio.Snapshot
	segment  *delivery.Segment
	reason   vad.Reason
}

// New creates an active pipeline for a session
func New(ctx context.Context, sessionID string, config Config, deps Deps) (*Pipeline, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	if deps.Submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	buffer, err := audio.NewSegmentBuffer(config.SampleRate, config.MaxBufferDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment buffer: %w", err)
	}

	detector, err := vad.NewDetector(config.VAD)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD detector: %w", err)
	}

	pctx, cancel := context.WithCancel(ctx)
	now := time.Now()

	return &Pipeline{
		sessionID: sessionID,
		config:    config,
		buffer:    buffer,
		detector:  detector,
		deps:      deps,
		logger:    deps.Logger.With(slog.String("session_id", sessionID)),
		startedAt: now,
		ctx:       pctx,
		cancel:    cancel,

		active:       true,
		lastActivity: now,
	}, nil
}

// SessionID returns the session the pipeline belongs to
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Run feeds blocks from source until it ends or the pipeline stops.
// A capture that ends normally returns nil.
func (p *Pipeline) Run(source BlockSource) error {
	for {
		block, err := source.Next(p.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || p.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture read failed: %w", err)
		}

		if err := p.HandleBlock(block.Client, block.Commercial); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// HandleBlock appends one block to both channels and flushes when the
// detector decides the segment is complete. It never waits on delivery.
func (p *Pipeline) HandleBlock(client, commercial []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return ErrStopped
	}

	evicted, err := p.buffer.Append(client, commercial)
	if err != nil {
		return err
	}

	p.stats.BlocksProcessed++
	p.lastActivity = time.Now()
	if evicted > 0 {
		p.stats.SamplesEvicted += uint64(evicted)
		p.logger.Warn("Buffer bound reached, dropped oldest samples",
			slog.Int("evicted_samples", evicted),
			slog.Uint64("total_evicted", p.stats.SamplesEvicted),
		)
	}
	p.deps.Metrics.RecordBlock(evicted)

	decision := p.detector.Process(commercial, vad.BlockDuration(len(commercial), p.config.SampleRate))
	p.deps.Metrics.RecordVADDecision(string(decision.Reason), decision.SmoothedEnergy)

	if decision.ShouldSend {
		p.flushLocked(decision)
	}
	return nil
}

// flushLocked swaps the active pair into a new attempt. Called with p.mu held.
func (p *Pipeline) flushLocked(decision vad.Decision) {
	snapshot, ok := p.buffer.Swap()
	if !ok {
		p.stats.FlushDeferred++
		p.deps.Metrics.RecordFlushDeferred()
		p.logger.Debug("Flush deferred, segment still in flight",
			slog.String("reason", string(decision.Reason)),
		)
		return
	}

	if snapshot.Len() == 0 {
		p.buffer.Release(snapshot)
		return
	}

	a := &attempt{
		snapshot: snapshot,
		reason:   decision.Reason,
		segment: &delivery.Segment{
			ID:         uuid.NewString(),
			SessionID:  p.sessionID,
			SampleRate: snapshot.SampleRate,
		},
	}

	p.stats.SegmentsFlushed++
	p.deps.Metrics.RecordSegmentFlushed(snapshot.Duration().Seconds(), snapshot.Len()*4)

	p.logger.Info("Segment flushed",
		slog.String("segment_id", a.segment.ID),
		slog.String("reason", string(decision.Reason)),
		slog.Duration("audio_duration", snapshot.Duration()),
		slog.Duration("speech_duration", decision.SpeechDuration),
	)

	p.wg.Add(1)
	go p.deliver(a)
}

// deliver submits an attempt and resubmits it verbatim after each retryable
// failure until it succeeds, fails permanently or the pipeline stops.
func (p *Pipeline) deliver(a *attempt) {
	defer p.wg.Done()

	a.segment.Client = audio.EncodePCM16(a.snapshot.Client)
	a.segment.Commercial = audio.EncodePCM16(a.snapshot.Commercial)

	policy := p.config.Retry
	for n := 1; ; n++ {
		a.segment.Attempt = n

		p.mu.Lock()
		p.stats.Attempts++
		p.mu.Unlock()

		startTime := time.Now()
		result, err := p.deps.Submitter.Submit(p.ctx, a.segment)
		p.deps.Metrics.RecordDeliveryAttempt(time.Since(startTime).Seconds())

		if p.ctx.Err() != nil {
			return
		}

		if err == nil {
			p.finish(a, result, n)
			return
		}

		kind := failureKind(err)
		p.deps.Metrics.RecordDeliveryFailure(kind)

		delay, retry := policy.Next(n, err)
		if !retry {
			p.logger.Warn("Segment delivery failed",
				slog.String("segment_id", a.segment.ID),
				slog.Int("attempts", n),
				slog.String("error", err.Error()),
			)
			p.finish(a, failedResult(err, n), n)
			return
		}

		p.logger.Info("Segment delivery failed, retrying",
			slog.String("segment_id", a.segment.ID),
			slog.Int("attempt", n),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if !p.waitRetry(delay) {
			return
		}
	}
}

// waitRetry sleeps on a timer held in session state so Stop can cancel it
func (p *Pipeline) waitRetry(delay time.Duration) bool {
	timer := time.NewTimer(delay)

	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		timer.Stop()
		return false
	}
	p.retryTimer = timer
	p.stats.Retries++
	p.mu.Unlock()
	p.deps.Metrics.RecordDeliveryRetry()

	defer func() {
		p.mu.Lock()
		if p.retryTimer == timer {
			p.retryTimer = nil
		}
		p.mu.Unlock()
	}()

	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		timer.Stop()
		return false
	}
}

// finish releases the in-flight slot and dispatches the result unless the
// pipeline has been stopped
func (p *Pipeline) finish(a *attempt, result delivery.Result, attempts int) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.buffer.Release(a.snapshot)
	if _, failed := result.(delivery.Failed); failed {
		p.stats.SegmentsFailed++
	} else {
		p.stats.SegmentsDelivered++
	}
	p.lastResult = result
	p.mu.Unlock()

	p.deps.Metrics.RecordDeliveryResult(result.Kind())
	p.logger.Info("Segment completed",
		slog.String("segment_id", a.segment.ID),
		slog.String("result", result.Kind()),
		slog.String("flush_reason", string(a.reason)),
		slog.Int("attempts", attempts),
	)

	if p.deps.OnResult != nil {
		p.deps.OnResult(p.sessionID, result)
	}
}

// Stop marks the pipeline inactive, cancels in-flight I/O and any retry
// timer, discards both buffer halves and releases capture. No result is
// dispatched after Stop returns. Safe to call repeatedly and from any state.
func (p *Pipeline) Stop() {
	p.dispatchMu.Lock()

	p.mu.Lock()
	wasActive := p.active
	p.active = false
	p.cancel()
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.buffer.Discard()
	stats := p.stats
	p.mu.Unlock()

	p.dispatchMu.Unlock()

	if !wasActive {
		return
	}

	if p.deps.Capture != nil {
		p.deps.Capture.Release()
	}
	p.detector.HardReset()

	p.wg.Wait()

	p.logger.Info("Pipeline stopped",
		slog.Duration("duration", time.Since(p.startedAt)),
		slog.Uint64("segments_flushed", stats.SegmentsFlushed),
		slog.Uint64("segments_delivered", stats.SegmentsDelivered),
		slog.Uint64("segments_failed", stats.SegmentsFailed),
	)
}

// Active reports whether the pipeline accepts blocks
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// LastActivity returns when the last block was accepted
func (p *Pipeline) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// GetStats returns current pipeline statistics
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Info returns a monitoring snapshot
func (p *Pipeline) Info() Info {
	p.mu.Lock()
	info := Info{
		SessionID:    p.sessionID,
		Active:       p.active,
		StartedAt:    p.startedAt,
		LastActivity: p.lastActivity,
		Duration:     time.Since(p.startedAt).String(),
		Stats:        p.stats,
		LastResult:   p.lastResult,
	}
	p.mu.Unlock()

	if info.LastResult != nil {
		info.LastResultKind = info.LastResult.Kind()
	}
	info.Buffer = p.buffer.GetStats()
	info.VAD = p.detector.GetStats()
	return info
}

func failureKind(err error) string {
	var deliveryErr *delivery.Error
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Kind.String()
	}
	return "internal"
}

func failedResult(err error, attempts int) delivery.Failed {
	failed := delivery.Failed{Message: err.Error(), Attempts: attempts}
	var deliveryErr *delivery.Error
	if errors.As(err, &deliveryErr) {
		failed.ErrorKind = deliveryErr.Kind
	} else {
		failed.ErrorKind = delivery.KindServer
	}
	return failed
}
