package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/duplex-coach-service/internal/capture"
	"github.com/skypro1111/duplex-coach-service/internal/metrics"
)

var (
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the active session limit is reached
	ErrTooManySessions = errors.New("maximum active sessions reached")
)

// DeviceProvider hands out capture devices to new sessions
type DeviceProvider interface {
	Claim() (capture.Devices, error)
}

// Backend is the analysis service a session talks to
type Backend interface {
	Submitter
	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context, sessionID string) error
	SessionState(ctx context.Context, sessionID string) (json.RawMessage, error)
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Pipeline        Config // SampleRate is taken from the capture
	Source          capture.SourceConfig
	BlockSize       int
	MaxSessions     int
	StreamTimeout   time.Duration // stop sessions that deliver no blocks for this long
	CleanupInterval time.Duration
	EndTimeout      time.Duration // budget for the backend end-session call
}

// Session is one running capture pipeline
type Session struct {
	ID         string
	AgentID    string
	StartTime  time.Time
	Resampling bool

	pipeline *Pipeline
	devices  capture.Devices
}

// SessionInfo is a monitoring snapshot of a session
type SessionInfo struct {
	Info
	AgentID    string `json:"agent_id"`
	Resampling bool   `json:"resampling"`
}

// Manager owns all active sessions
type Manager struct {
	config   ManagerConfig
	devices  DeviceProvider
	backend  Backend
	metrics  *metrics.Metrics
	onResult ResultFunc
	logger   *slog.Logger

	sessions map[string]*Session
	mu       sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, devices DeviceProvider, backend Backend, m *metrics.Metrics, onResult ResultFunc) (*Manager, error) {
	if devices == nil || backend == nil || m == nil {
		return nil, fmt.Errorf("devices, backend and metrics are required")
	}
	if config.BlockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", config.BlockSize)
	}
	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", config.MaxSessions)
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.EndTimeout <= 0 {
		config.EndTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		config:   config,
		devices:  devices,
		backend:  backend,
		metrics:  m,
		onResult: onResult,
		logger:   logger,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// StartSession claims a capture agent, acquires microphone and tab audio,
// opens a backend session and starts the pipeline
func (m *Manager) StartSession(ctx context.Context) (SessionInfo, error) {
	if m.GetActiveSessionCount() >= m.config.MaxSessions {
		return SessionInfo{}, ErrTooManySessions
	}

	devices, err := m.devices.Claim()
	if err != nil {
		m.metrics.RecordCaptureError(captureErrorKind(err))
		return SessionInfo{}, err
	}

	source := capture.NewSource(devices, m.config.Source, m.logger.With(slog.String("agent_id", devices.ID())))
	mic, display, err := source.Acquire(ctx)
	if err != nil {
		m.metrics.RecordCaptureError(captureErrorKind(err))
		devices.Unclaim()
		return SessionInfo{}, err
	}

	mixer, err := capture.NewMixer(mic.AudioTracks()[0], display.AudioTracks()[0], m.config.BlockSize)
	if err != nil {
		source.Release()
		devices.Unclaim()
		return SessionInfo{}, fmt.Errorf("failed to create mixer: %w", err)
	}

	sessionID, err := m.backend.StartSession(ctx)
	if err != nil {
		source.Release()
		devices.Unclaim()
		return SessionInfo{}, fmt.Errorf("failed to start backend session: %w", err)
	}

	pipelineConfig := m.config.Pipeline
	pipelineConfig.SampleRate = mixer.SampleRate()

	p, err := New(m.ctx, sessionID, pipelineConfig, Deps{
		Submitter: m.backend,
		Capture:   source,
		OnResult:  m.onResult,
		Metrics:   m.metrics,
		Logger:    m.logger,
	})
	if err != nil {
		source.Release()
		devices.Unclaim()
		m.endBackendSession(sessionID)
		return SessionInfo{}, fmt.Errorf("failed to create pipeline: %w", err)
	}

	session := &Session{
		ID:         sessionID,
		AgentID:    devices.ID(),
		StartTime:  time.Now(),
		Resampling: mixer.Resampling(),
		pipeline:   p,
		devices:    devices,
	}

	m.mu.Lock()
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		m.stopSession(session, "limit")
		return SessionInfo{}, ErrTooManySessions
	}
	m.sessions[sessionID] = session
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionStarted()
	m.metrics.SetActiveSessions(count)

	m.logger.Info("Created new coaching session",
		slog.String("session_id", sessionID),
		slog.String("agent_id", session.AgentID),
		slog.Int("sample_rate", pipelineConfig.SampleRate),
		slog.Bool("resampling", session.Resampling),
	)

	m.wg.Add(1)
	go m.run(session, mixer)

	return session.info(), nil
}

// run pumps capture blocks into the pipeline and removes the session once
// the capture ends
func (m *Manager) run(session *Session, source BlockSource) {
	defer m.wg.Done()

	if err := session.pipeline.Run(source); err != nil {
		m.logger.Warn("Capture failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	} else {
		m.logger.Info("Capture ended", slog.String("session_id", session.ID))
	}

	m.removeSession(session.ID, "capture_ended")
}

// StopSession stops and removes a session
func (m *Manager) StopSession(sessionID string) error {
	if !m.removeSession(sessionID, "requested") {
		return ErrSessionNotFound
	}
	return nil
}

func (m *Manager) removeSession(sessionID, reason string) bool {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	m.stopSession(session, reason)
	m.metrics.SetActiveSessions(count)
	m.metrics.RecordSessionStopped(time.Since(session.StartTime).Seconds())
	return true
}

// stopSession tears a session down: pipeline, capture agent, backend session
func (m *Manager) stopSession(session *Session, reason string) {
	session.pipeline.Stop()
	session.devices.Unclaim()
	m.endBackendSession(session.ID)

	stats := session.pipeline.GetStats()
	m.logger.Info("Coaching session removed",
		slog.String("session_id", session.ID),
		slog.String("reason", reason),
		slog.Duration("duration", time.Since(session.StartTime)),
		slog.Uint64("segments_flushed", stats.SegmentsFlushed),
		slog.Uint64("segments_delivered", stats.SegmentsDelivered),
	)
}

func (m *Manager) endBackendSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.EndTimeout)
	defer cancel()

	if err := m.backend.EndSession(ctx, sessionID); err != nil {
		m.logger.Warn("Failed to end backend session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// GetSession returns a snapshot of one session
func (m *Manager) GetSession(sessionID string) (SessionInfo, bool) {
	m.mu.RLock()
	session, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if !exists {
		return SessionInfo{}, false
	}
	return session.info(), true
}

// GetAllSessions returns snapshots of all sessions, oldest first
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.info())
	}
	return infos
}

// GetActiveSessionCount returns the number of active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionState fetches the backend's view of an active session
func (m *Manager) SessionState(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if _, exists := m.GetSession(sessionID); !exists {
		return nil, ErrSessionNotFound
	}
	return m.backend.SessionState(ctx, sessionID)
}

// Stop stops every session and the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.removeSession(id, "shutdown")
	}

	m.cancel()
	<-m.cleanup
	m.wg.Wait()

	m.logger.Info("Session manager stopped", slog.Int("stopped_sessions", len(ids)))
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupStalledSessions()
		}
	}
}

// cleanupStalledSessions removes sessions whose capture stopped delivering blocks
func (m *Manager) cleanupStalledSessions() {
	if m.config.StreamTimeout <= 0 {
		return
	}

	now := time.Now()
	var stalled []string

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.pipeline.LastActivity()) > m.config.StreamTimeout {
			stalled = append(stalled, id)
		}
	}
	m.mu.RUnlock()

	if len(stalled) > 0 {
		m.logger.Info("Cleaning up stalled sessions", slog.Int("stalled_count", len(stalled)))
	}
	for _, id := range stalled {
		m.removeSession(id, "stream_timeout")
	}
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		Info:       s.pipeline.Info(),
		AgentID:    s.AgentID,
		Resampling: s.Resampling,
	}
}

func captureErrorKind(err error) string {
	var captureErr *capture.Error
	if errors.As(err, &captureErr) {
		return captureErr.Kind.String()
	}
	return capture.KindGeneric.String()
}
