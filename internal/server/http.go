package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/duplex-coach-service/internal/capture"
	"github.com/skypro1111/duplex-coach-service/internal/config"
	"github.com/skypro1111/duplex-coach-service/internal/delivery"
	"github.com/skypro1111/duplex-coach-service/internal/metrics"
	"github.com/skypro1111/duplex-coach-service/internal/pipeline"
)

const (
	serviceName    = "duplex-coach-service"
	serviceVersion = "1.0.0"
)

// SessionManager is the session control surface used by the API
type SessionManager interface {
	StartSession(ctx context.Context) (pipeline.SessionInfo, error)
	StopSession(sessionID string) error
	GetSession(sessionID string) (pipeline.SessionInfo, bool)
	GetAllSessions() []pipeline.SessionInfo
	GetActiveSessionCount() int
	SessionState(ctx context.Context, sessionID string) (json.RawMessage, error)
}

// AgentRegistry accepts capture agent connections and lists them
type AgentRegistry interface {
	http.Handler
	Count() int
	Agents() []capture.AgentInfo
}

// BackendStats reports analysis backend client statistics
type BackendStats interface {
	GetStats() delivery.ClientStats
}

// HTTPServer provides the capture ingest endpoint plus session control and
// monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	sessions SessionManager
	agents   AgentRegistry
	backend  BackendStats
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, sessions SessionManager,
	agents AgentRegistry, backend BackendStats, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sessions:  sessions,
		agents:    agents,
		backend:   backend,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// No write timeout: the capture endpoint holds long-lived connections.
	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", appConfig.Server.Address, appConfig.Server.Port),
		Handler:     mux,
		ReadTimeout: appConfig.Server.GetReadTimeoutDuration(),
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Capture agents connect here; the hub hijacks the connection so it is
	// not wrapped with metrics.
	mux.Handle("GET "+h.config.Server.CapturePath, h.agents)

	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	// Session control
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleListSessions))
	mux.HandleFunc("POST /sessions", h.withMetrics("/sessions", h.handleStartSession))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("DELETE /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleStopSession))
	mux.HandleFunc("GET /sessions/{id}/state", h.withMetrics("/sessions/{id}/state", h.handleSessionState))

	mux.HandleFunc("GET /agents", h.withMetrics("/agents", h.handleAgents))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
		slog.String("capture_path", h.config.Server.CapturePath),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	backendStats := h.backend.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"capture": map[string]interface{}{
				"status":           "running",
				"connected_agents": h.agents.Count(),
			},
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.sessions.GetActiveSessionCount(),
			},
			"backend": map[string]interface{}{
				"status":          "running",
				"total_requests":  backendStats.TotalRequests,
				"success_rate":    backendStats.SuccessRate,
				"active_requests": backendStats.ActiveRequests,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleListSessions implements GET /sessions
func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.GetAllSessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStartSession implements POST /sessions
func (h *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.StartSession(r.Context())
	if err != nil {
		status, kind := startErrorStatus(err)
		h.logger.Warn("Failed to start session",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, map[string]interface{}{
			"error": err.Error(),
			"kind":  kind,
		})
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// handleSessionDetail implements GET /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	info, exists := h.sessions.GetSession(r.PathValue("id"))
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleStopSession implements DELETE /sessions/{id}
func (h *HTTPServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.StopSession(r.PathValue("id")); err != nil {
		if errors.Is(err, pipeline.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSessionState implements GET /sessions/{id}/state
func (h *HTTPServer) handleSessionState(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.SessionState(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(state)
}

// handleAgents implements the /agents endpoint
func (h *HTTPServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.Agents()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_agents": len(agents),
		"timestamp":    time.Now().UTC(),
		"agents":       agents,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	// Return sanitized configuration (the API key is omitted)
	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"port":                c.Server.Port,
			"address":             c.Server.Address,
			"capture_path":        c.Server.CapturePath,
			"max_active_sessions": c.Server.MaxActiveSessions,
			"read_timeout":        c.Server.ReadTimeout,
		},
		"capture": map[string]interface{}{
			"target_sample_rate": c.Capture.TargetSampleRate,
			"echo_cancellation":  c.Capture.EchoCancellation,
			"noise_suppression":  c.Capture.NoiseSuppression,
			"open_timeout":       c.Capture.OpenTimeout,
			"track_queue_size":   c.Capture.TrackQueueSize,
			"allowed_origins":    c.Capture.AllowedOrigins,
		},
		"audio": map[string]interface{}{
			"block_size":          c.Audio.BlockSize,
			"max_buffer_duration": c.Audio.MaxBufferDuration,
			"stream_timeout":      c.Audio.StreamTimeout,
		},
		"vad": map[string]interface{}{
			"speech_threshold":        c.VAD.SpeechThreshold,
			"silence_threshold":       c.VAD.SilenceThreshold,
			"energy_window":           c.VAD.EnergyWindow,
			"silence_before_send":     c.VAD.SilenceBeforeSend,
			"min_speech_duration":     c.VAD.MinSpeechDuration,
			"max_wait_time":           c.VAD.MaxWaitTime,
			"natural_pause_threshold": c.VAD.NaturalPauseThreshold,
			"min_phrase_length":       c.VAD.MinPhraseLength,
			"short_phrase_extension":  c.VAD.ShortPhraseExtension,
		},
		"delivery": map[string]interface{}{
			"backend_url":        c.Delivery.BackendURL,
			"timeout":            c.Delivery.Timeout,
			"max_retries":        c.Delivery.MaxRetries,
			"base_delay":         c.Delivery.BaseDelay,
			"backoff_multiplier": c.Delivery.BackoffMultiplier,
			"max_concurrent":     c.Delivery.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitized)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.sessions.GetActiveSessionCount(),
		},
		"agents": map[string]interface{}{
			"connected": h.agents.Count(),
		},
		"backend": h.backend.GetStats(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]interface{}{
		"GET /":                    "API documentation",
		"GET /health":              "Service health check",
		"GET /sessions":            "List active sessions",
		"POST /sessions":           "Start a session on the next free capture agent",
		"GET /sessions/{id}":       "Get detailed session information",
		"DELETE /sessions/{id}":    "Stop a session",
		"GET /sessions/{id}/state": "Get backend session state",
		"GET /agents":              "List connected capture agents",
		"GET /config":              "Get service configuration",
		"GET /stats":               "Get service statistics",
		"GET /metrics":             "Prometheus metrics",
	}
	endpoints["GET "+h.config.Server.CapturePath] = "Capture agent WebSocket"

	apiDoc := map[string]interface{}{
		"service":   "Duplex Coaching Service",
		"version":   serviceVersion,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

// startErrorStatus maps a session start failure to an HTTP status and kind
func startErrorStatus(err error) (int, string) {
	if errors.Is(err, pipeline.ErrTooManySessions) {
		return http.StatusServiceUnavailable, "too_many_sessions"
	}

	var captureErr *capture.Error
	if errors.As(err, &captureErr) {
		switch captureErr.Kind {
		case capture.KindPermissionDenied:
			return http.StatusForbidden, captureErr.Kind.String()
		case capture.KindDeviceNotFound:
			return http.StatusServiceUnavailable, captureErr.Kind.String()
		case capture.KindNoAudioTrack:
			return http.StatusUnprocessableEntity, captureErr.Kind.String()
		default:
			return http.StatusBadGateway, captureErr.Kind.String()
		}
	}

	var deliveryErr *delivery.Error
	if errors.As(err, &deliveryErr) {
		return http.StatusBadGateway, "backend_" + deliveryErr.Kind.String()
	}

	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
