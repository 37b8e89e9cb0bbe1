// Command fakeagent connects to the capture endpoint and serves synthetic
// microphone and tab audio, answering open and stop frames like a real agent.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/duplex-coach-service/internal/protocol"
)

const (
	micTrack      = 1
	tabAudioTrack = 2
	tabVideoTrack = 3

	framesPerSecond = 10
)

type agent struct {
	conn   *websocket.Conn
	logger *slog.Logger

	micRate    int
	tabRate    int
	denyMic    bool
	noTabAudio bool

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint16]context.CancelFunc
}

func (a *agent) write(frame []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// close sends a normal close frame; it shares writeMu with the track streams
func (a *agent) close() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (a *agent) run(ctx context.Context) error {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			a.logger.Warn("Dropping invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Header.Type {
		case protocol.FrameTypeOpen:
			a.handleOpen(ctx, frame.Header.Track, frame.Open)
		case protocol.FrameTypeStop:
			a.stopTrack(frame.Header.Track)
		}
	}
}

func (a *agent) handleOpen(ctx context.Context, requestID uint16, req *protocol.OpenRequest) {
	var result protocol.OpenResult

	switch req.Media {
	case protocol.MediaUser:
		if a.denyMic {
			result.Status = protocol.StatusPermissionDenied
			break
		}
		result.Tracks = []protocol.TrackInfo{
			{Track: micTrack, Kind: protocol.TrackKindAudio, Channels: 1, SampleRate: uint32(a.micRate)},
		}
	case protocol.MediaDisplay:
		result.Tracks = []protocol.TrackInfo{
			{Track: tabVideoTrack, Kind: protocol.TrackKindVideo, Channels: 0},
		}
		if !a.noTabAudio {
			result.Tracks = append(result.Tracks, protocol.TrackInfo{
				Track: tabAudioTrack, Kind: protocol.TrackKindAudio, Channels: 1, SampleRate: uint32(a.tabRate),
			})
		}
	default:
		result.Status = protocol.StatusError
	}

	if err := a.write(protocol.EncodeOpenResult(requestID, result)); err != nil {
		a.logger.Error("Failed to answer open", slog.String("error", err.Error()))
		return
	}

	a.logger.Info("Answered open request",
		slog.Int("media", int(req.Media)),
		slog.String("status", protocol.StatusName(result.Status)),
		slog.Int("tracks", len(result.Tracks)),
	)

	for _, info := range result.Tracks {
		if info.Kind != protocol.TrackKindAudio {
			continue
		}
		a.startTrack(ctx, info.Track, int(info.SampleRate))
	}
}

func (a *agent) startTrack(ctx context.Context, track uint16, rate int) {
	trackCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.streams[track] = cancel
	a.mu.Unlock()

	gen := tabSignal
	if track == micTrack {
		gen = micSignal
	}
	go a.stream(trackCtx, track, rate, gen)
}

func (a *agent) stopTrack(track uint16) {
	a.mu.Lock()
	cancel, ok := a.streams[track]
	delete(a.streams, track)
	a.mu.Unlock()

	if ok {
		cancel()
		a.logger.Info("Track stopped", slog.Int("track", int(track)))
	}
}

// stream sends one frame every 100ms at real-time pace
func (a *agent) stream(ctx context.Context, track uint16, rate int, gen func(t float64) float32) {
	ticker := time.NewTicker(time.Second / framesPerSecond)
	defer ticker.Stop()

	perFrame := rate / framesPerSecond
	var sequence uint32
	var n int

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		samples := make([]float32, perFrame)
		for i := range samples {
			samples[i] = gen(float64(n) / float64(rate))
			n++
		}

		if err := a.write(protocol.EncodeAudio(track, sequence, samples)); err != nil {
			a.logger.Warn("Audio write failed", slog.Int("track", int(track)), slog.String("error", err.Error()))
			return
		}
		sequence++
	}
}

// micSignal alternates 1.5s of a voiced tone with 2s of silence
func micSignal(t float64) float32 {
	if math.Mod(t, 3.5) >= 1.5 {
		return 0
	}
	return float32(0.2 * math.Sin(2*math.Pi*220*t))
}

// tabSignal is a quiet continuous tone
func tabSignal(t float64) float32 {
	return float32(0.05 * math.Sin(2*math.Pi*330*t))
}

func main() {
	url := flag.String("url", "ws://localhost:8080/capture", "Capture endpoint")
	micRate := flag.Int("mic-rate", 44100, "Microphone sample rate")
	tabRate := flag.Int("tab-rate", 48000, "Tab audio sample rate")
	denyMic := flag.Bool("deny-mic", false, "Refuse microphone access")
	noTabAudio := flag.Bool("no-tab-audio", false, "Share a tab without audio")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Error("Failed to connect", slog.String("url", *url), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &agent{
		conn:       conn,
		logger:     logger,
		micRate:    *micRate,
		tabRate:    *tabRate,
		denyMic:    *denyMic,
		noTabAudio: *noTabAudio,
		streams:    make(map[uint16]context.CancelFunc),
	}

	logger.Info("Capture agent connected", slog.String("url", *url))

	go func() {
		<-ctx.Done()
		a.close()
		conn.Close()
	}()

	if err := a.run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Connection closed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
