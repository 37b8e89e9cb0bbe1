package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/duplex-coach-service/internal/protocol"
)

// ErrNoAgent is returned by Claim when no unclaimed agent is connected
var ErrNoAgent = newError(KindDeviceNotFound, "no capture agent available", nil)

// Devices is a claimed set of media devices owned by one session
type Devices interface {
	MediaDevices
	ID() string
	Unclaim()
}

// maxGapFill bounds the silence inserted for dropped frames of one track
const maxGapFill = 10 * time.Second

// HubConfig holds capture agent connection parameters
type HubConfig struct {
	OpenTimeout  time.Duration
	QueueSize    int   // audio frames buffered per track
	ReadLimit    int64 // maximum websocket message size
	WriteTimeout time.Duration

	// AllowedOrigins lists browser origins accepted besides the daemon's own
	// host. Requests without an Origin header are always accepted.
	AllowedOrigins []string
}

// DefaultHubConfig returns the default agent connection parameters
func DefaultHubConfig() HubConfig {
	return HubConfig{
		OpenTimeout:  30 * time.Second,
		QueueSize:    256,
		ReadLimit:    protocol.HeaderSize + protocol.MaxPayloadSize,
		WriteTimeout: 5 * time.Second,
	}
}

// Hub accepts capture agents over WebSocket and hands them out to sessions
type Hub struct {
	config   HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	agents map[string]*Agent
	order  []string // connection order
	total  uint64
	mu     sync.Mutex
}

// AgentInfo represents a connected agent for monitoring
type AgentInfo struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr"`
	ConnectedAt    time.Time `json:"connected_at"`
	Claimed        bool      `json:"claimed"`
	Tracks         int       `json:"tracks"`
	FramesReceived uint64    `json:"frames_received"`
	DroppedFrames  uint64    `json:"dropped_frames"`
	ParseErrors    uint64    `json:"parse_errors"`

	TrackStats []TrackStats `json:"track_stats"`
}

// TrackStats represents one remote track for monitoring
type TrackStats struct {
	Track         uint16 `json:"track"`
	Kind          string `json:"kind"`
	SampleRate    int    `json:"sample_rate"`
	Queued        int    `json:"queued"`
	DroppedFrames uint64 `json:"dropped_frames"`
	FilledSamples uint64 `json:"filled_samples"`
}

// NewHub creates an agent hub
func NewHub(config HubConfig, logger *slog.Logger) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultHubConfig().QueueSize
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultHubConfig().OpenTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultHubConfig().WriteTimeout
	}

	h := &Hub{
		config: config,
		logger: logger,
		agents: make(map[string]*Agent),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin accepts non-browser clients, the daemon's own host and the
// configured origins
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP upgrades the request and serves the agent until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Capture agent upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("error", err.Error()),
		)
		return
	}

	agent := newAgent(uuid.NewString(), conn, r.RemoteAddr, h.config, h.logger)
	h.register(agent)
	defer h.unregister(agent)

	agent.readLoop()
}

func (h *Hub) register(agent *Agent) {
	h.mu.Lock()
	h.agents[agent.id] = agent
	h.order = append(h.order, agent.id)
	h.total++
	count := len(h.agents)
	h.mu.Unlock()

	h.logger.Info("Capture agent connected",
		slog.String("agent_id", agent.id),
		slog.String("remote_addr", agent.remoteAddr),
		slog.Int("connected_agents", count),
	)
}

func (h *Hub) unregister(agent *Agent) {
	h.mu.Lock()
	delete(h.agents, agent.id)
	for i, id := range h.order {
		if id == agent.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	count := len(h.agents)
	h.mu.Unlock()

	h.logger.Info("Capture agent disconnected",
		slog.String("agent_id", agent.id),
		slog.Int("connected_agents", count),
	)
}

// Claim returns the longest-connected agent not yet owned by a session
func (h *Hub) Claim() (Devices, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range h.order {
		agent := h.agents[id]
		if agent.tryClaim() {
			return agent, nil
		}
	}
	return nil, ErrNoAgent
}

// Count returns the number of connected agents
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

// Agents returns information about all connected agents
func (h *Hub) Agents() []AgentInfo {
	h.mu.Lock()
	agents := make([]*Agent, 0, len(h.order))
	for _, id := range h.order {
		agents = append(agents, h.agents[id])
	}
	h.mu.Unlock()

	infos := make([]AgentInfo, 0, len(agents))
	for _, agent := range agents {
		infos = append(infos, agent.Info())
	}
	return infos
}

// Close disconnects every agent
func (h *Hub) Close() {
	h.mu.Lock()
	agents := make([]*Agent, 0, len(h.agents))
	for _, agent := range h.agents {
		agents = append(agents, agent)
	}
	h.mu.Unlock()

	for _, agent := range agents {
		agent.Close()
	}
}

// Agent is one connected capture agent. It implements MediaDevices.
type Agent struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
	config      HubConfig
	logger      *slog.Logger

	writeMu sync.Mutex

	nextRequest uint16
	pending     map[uint16]chan openReply
	tracks      map[uint16]*remoteTrack
	claimed     bool

	// Statistics
	framesReceived uint64
	droppedFrames  uint64
	parseErrors    uint64

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

type openReply struct {
	status uint8
	reason string // set when a granted result was refused by the daemon
	tracks []*remoteTrack
}

func newAgent(id string, conn *websocket.Conn, remoteAddr string, config HubConfig, logger *slog.Logger) *Agent {
	return &Agent{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		config:      config,
		logger:      logger.With(slog.String("agent_id", id)),
		pending:     make(map[uint16]chan openReply),
		tracks:      make(map[uint16]*remoteTrack),
		done:        make(chan struct{}),
	}
}

// ID returns the agent connection id
func (a *Agent) ID() string {
	return a.id
}

// Done is closed when the agent disconnects
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) tryClaim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.done:
		return false
	default:
	}
	if a.claimed {
		return false
	}
	a.claimed = true
	return true
}

// Unclaim makes the agent available to another session
func (a *Agent) Unclaim() {
	a.mu.Lock()
	a.claimed = false
	a.mu.Unlock()
}

// GetUserMedia asks the agent for the microphone
func (a *Agent) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	return a.open(ctx, protocol.MediaUser, c)
}

// GetDisplayMedia asks the agent to share a tab or screen
func (a *Agent) GetDisplayMedia(ctx context.Context, c Constraints) (*Stream, error) {
	return a.open(ctx, protocol.MediaDisplay, c)
}

func (a *Agent) open(ctx context.Context, media uint8, c Constraints) (*Stream, error) {
	req := protocol.OpenRequest{Media: media}
	if c.Audio {
		req.Flags |= protocol.FlagAudio
	}
	if c.Video {
		req.Flags |= protocol.FlagVideo
	}
	if c.EchoCancellation {
		req.Flags |= protocol.FlagEchoCancellation
	}
	if c.NoiseSuppression {
		req.Flags |= protocol.FlagNoiseSuppression
	}
	if c.SampleRate > 0 {
		req.SampleRate = uint32(c.SampleRate)
	}

	reply := make(chan openReply, 1)

	a.mu.Lock()
	a.nextRequest++
	requestID := a.nextRequest
	a.pending[requestID] = reply
	a.mu.Unlock()

	if err := a.writeFrame(protocol.EncodeOpen(requestID, req)); err != nil {
		a.abandon(requestID, reply)
		return nil, newError(KindGeneric, "failed to send open request", err)
	}

	timer := time.NewTimer(a.config.OpenTimeout)
	defer timer.Stop()

	var result openReply
	select {
	case result = <-reply:
	case <-timer.C:
		a.abandon(requestID, reply)
		return nil, newError(KindGeneric, "agent did not answer open request", context.DeadlineExceeded)
	case <-ctx.Done():
		a.abandon(requestID, reply)
		return nil, newError(KindGeneric, "open request cancelled", ctx.Err())
	case <-a.done:
		a.abandon(requestID, reply)
		return nil, newError(KindGeneric, "agent disconnected", io.EOF)
	}

	switch result.status {
	case protocol.StatusOK:
	case protocol.StatusPermissionDenied:
		return nil, newError(KindPermissionDenied, "permission denied by user", nil)
	case protocol.StatusNotFound:
		return nil, newError(KindDeviceNotFound, "requested device not found", nil)
	default:
		if result.reason != "" {
			return nil, newError(KindGeneric, result.reason, nil)
		}
		return nil, newError(KindGeneric, "agent failed to open media", nil)
	}

	stream := &Stream{ID: fmt.Sprintf("%s/%d", a.id, requestID)}
	for _, t := range result.tracks {
		stream.Tracks = append(stream.Tracks, t)
	}
	return stream, nil
}

// abandon removes a pending request and stops tracks of a late reply
func (a *Agent) abandon(requestID uint16, reply chan openReply) {
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()

	select {
	case late := <-reply:
		for _, t := range late.tracks {
			t.Stop()
		}
	default:
	}
}

func (a *Agent) writeFrame(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := a.conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout)); err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (a *Agent) readLoop() {
	defer a.shutdown()

	if a.config.ReadLimit > 0 {
		a.conn.SetReadLimit(a.config.ReadLimit)
	}

	for {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn("Capture agent connection lost", slog.String("error", err.Error()))
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			a.logger.Debug("Ignoring non-binary message", slog.Int("message_type", messageType))
			continue
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			a.mu.Lock()
			a.parseErrors++
			a.mu.Unlock()
			a.logger.Debug("Failed to parse frame",
				slog.Int("size", len(data)),
				slog.String("error", err.Error()),
			)
			continue
		}

		a.handleFrame(frame)
	}
}

func (a *Agent) handleFrame(frame *protocol.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.framesReceived++

	switch frame.Header.Type {
	case protocol.FrameTypeOpenResult:
		a.handleOpenResult(frame.Header.Track, frame.OpenResult)

	case protocol.FrameTypeAudio:
		t, ok := a.tracks[frame.Header.Track]
		if !ok {
			a.droppedFrames++
			return
		}
		if !t.push(frame.Audio.Samples) {
			a.droppedFrames++
			if t.dropped%100 == 1 {
				a.logger.Warn("Track queue full, dropping audio",
					slog.Int("track", int(frame.Header.Track)),
					slog.Uint64("dropped_frames", t.dropped),
				)
			}
		}

	case protocol.FrameTypeEnd:
		if t, ok := a.tracks[frame.Header.Track]; ok {
			delete(a.tracks, frame.Header.Track)
			t.end()
			a.logger.Info("Track ended by agent", slog.Int("track", int(frame.Header.Track)))
		}

	default:
		a.logger.Debug("Unexpected frame from agent", slog.String("header", frame.Header.String()))
	}
}

// handleOpenResult registers granted tracks before any of their audio arrives.
// Called with a.mu held.
func (a *Agent) handleOpenResult(requestID uint16, result *protocol.OpenResult) {
	reply, ok := a.pending[requestID]

	status := result.Status
	var reason string
	if status == protocol.StatusOK {
		for _, info := range result.Tracks {
			if info.Kind == protocol.TrackKindAudio && info.Channels != 1 {
				status = protocol.StatusError
				reason = fmt.Sprintf("unsupported channel count %d on audio track %d", info.Channels, info.Track)
				break
			}
		}
	}

	if status != result.Status {
		a.logger.Warn("Refusing open result", slog.String("reason", reason))
		for _, info := range result.Tracks {
			go a.writeFrame(protocol.EncodeStop(info.Track))
		}
	}

	var tracks []*remoteTrack
	if status == protocol.StatusOK {
		for _, info := range result.Tracks {
			if _, exists := a.tracks[info.Track]; exists {
				a.logger.Warn("Duplicate track id in open result", slog.Int("track", int(info.Track)))
				continue
			}
			t := newRemoteTrack(a, info, a.config.QueueSize)
			a.tracks[info.Track] = t
			tracks = append(tracks, t)
		}
	}

	if !ok {
		a.logger.Debug("Open result for unknown request", slog.Int("request_id", int(requestID)))
		for _, t := range tracks {
			delete(a.tracks, t.id)
			t.end()
			go a.writeFrame(protocol.EncodeStop(t.id))
		}
		return
	}

	delete(a.pending, requestID)
	reply <- openReply{status: status, reason: reason, tracks: tracks}

	a.logger.Debug("Open request answered",
		slog.Int("request_id", int(requestID)),
		slog.String("status", protocol.StatusName(status)),
		slog.Int("tracks", len(tracks)),
	)
}

func (a *Agent) stopTrack(id uint16) {
	a.mu.Lock()
	delete(a.tracks, id)
	a.mu.Unlock()

	select {
	case <-a.done:
		return
	default:
	}

	if err := a.writeFrame(protocol.EncodeStop(id)); err != nil {
		a.logger.Debug("Failed to send stop frame",
			slog.Int("track", int(id)),
			slog.String("error", err.Error()),
		)
	}
}

// Close disconnects the agent
func (a *Agent) Close() {
	a.writeMu.Lock()
	deadline := time.Now().Add(a.config.WriteTimeout)
	err := a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
	a.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		a.logger.Debug("Failed to send close message", slog.String("error", err.Error()))
	}
	a.shutdown()
}

// shutdown ends every track and closes the connection
func (a *Agent) shutdown() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.conn.Close()

		a.mu.Lock()
		tracks := a.tracks
		a.tracks = make(map[uint16]*remoteTrack)
		a.mu.Unlock()

		for _, t := range tracks {
			t.end()
		}
	})
}

// Info returns monitoring information about the agent
func (a *Agent) Info() AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := AgentInfo{
		ID:             a.id,
		RemoteAddr:     a.remoteAddr,
		ConnectedAt:    a.connectedAt,
		Claimed:        a.claimed,
		Tracks:         len(a.tracks),
		FramesReceived: a.framesReceived,
		DroppedFrames:  a.droppedFrames,
		ParseErrors:    a.parseErrors,
		TrackStats:     make([]TrackStats, 0, len(a.tracks)),
	}
	for _, t := range a.tracks {
		info.TrackStats = append(info.TrackStats, TrackStats{
			Track:         t.id,
			Kind:          t.kind.String(),
			SampleRate:    t.sampleRate,
			Queued:        len(t.queue),
			DroppedFrames: t.dropped,
			FilledSamples: t.filled,
		})
	}
	sort.Slice(info.TrackStats, func(i, j int) bool {
		return info.TrackStats[i].Track < info.TrackStats[j].Track
	})
	return info
}

// remoteTrack is a track whose samples arrive from an agent
type remoteTrack struct {
	agent      *Agent
	id         uint16
	kind       TrackKind
	sampleRate int

	queue    chan []float32
	ended    chan struct{}
	endOnce  sync.Once
	stopOnce sync.Once

	// Guarded by the agent mutex
	gap     int // samples dropped since the last queued frame
	dropped uint64
	filled  uint64
}

func newRemoteTrack(agent *Agent, info protocol.TrackInfo, queueSize int) *remoteTrack {
	kind := TrackAudio
	if info.Kind == protocol.TrackKindVideo {
		kind = TrackVideo
	}
	return &remoteTrack{
		agent:      agent,
		id:         info.Track,
		kind:       kind,
		sampleRate: int(info.SampleRate),
		queue:      make(chan []float32, queueSize),
		ended:      make(chan struct{}),
	}
}

func (t *remoteTrack) ID() string {
	return fmt.Sprintf("%s/%d", t.agent.id, t.id)
}

func (t *remoteTrack) Kind() TrackKind {
	return t.kind
}

func (t *remoteTrack) SampleRate() int {
	return t.sampleRate
}

// ReadSamples returns queued samples first, then io.EOF once the track ended
func (t *remoteTrack) ReadSamples(ctx context.Context) ([]float32, error) {
	select {
	case samples := <-t.queue:
		return samples, nil
	default:
	}

	select {
	case samples := <-t.queue:
		return samples, nil
	case <-t.ended:
		select {
		case samples := <-t.queue:
			return samples, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *remoteTrack) Stop() {
	t.stopOnce.Do(func() {
		t.end()
		t.agent.stopTrack(t.id)
	})
}

// push queues samples without blocking the agent read loop. Dropped frames
// are replaced with silence on the next queued frame so the track keeps its
// timeline against the other channel. Called with the agent mutex held.
func (t *remoteTrack) push(samples []float32) bool {
	select {
	case <-t.ended:
		return false
	default:
	}

	frame := samples
	if t.gap > 0 {
		frame = make([]float32, t.gap+len(samples))
		copy(frame[t.gap:], samples)
	}

	select {
	case t.queue <- frame:
		t.filled += uint64(t.gap)
		t.gap = 0
		return true
	default:
		t.dropped++
		t.gap += len(samples)
		if limit := t.sampleRate * int(maxGapFill/time.Second); limit > 0 {
			t.gap = min(t.gap, limit)
		}
		return false
	}
}

func (t *remoteTrack) end() {
	t.endOnce.Do(func() {
		close(t.ended)
	})
}
