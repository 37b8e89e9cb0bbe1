package capture

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/duplex-coach-service/internal/protocol"
)

func newTestHub(t *testing.T, config HubConfig) (*Hub, string) {
	t.Helper()

	hub := NewHub(config, testLogger())
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialAgent(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()

	before := hub.Count()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, func() bool { return hub.Count() == before+1 })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("agent read failed: %v", err)
		return nil
	}
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		t.Errorf("agent received invalid frame: %v", err)
		return nil
	}
	return frame
}

// answerOpen plays the agent side of one open exchange
func answerOpen(t *testing.T, conn *websocket.Conn, result protocol.OpenResult, audio map[uint16][]float32) <-chan *protocol.Frame {
	got := make(chan *protocol.Frame, 1)
	go func() {
		frame := readFrame(t, conn)
		got <- frame
		if frame == nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeOpenResult(frame.Header.Track, result))
		for track, samples := range audio {
			conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudio(track, 0, samples))
		}
	}()
	return got
}

func TestAgentGetUserMedia(t *testing.T) {
	hub, url := newTestHub(t, DefaultHubConfig())
	conn := dialAgent(t, hub, url)

	devices, err := hub.Claim()
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	request := answerOpen(t, conn, protocol.OpenResult{
		Status: protocol.StatusOK,
		Tracks: []protocol.TrackInfo{{Track: 1, Kind: protocol.TrackKindAudio, Channels: 1, SampleRate: 44100}},
	}, map[uint16][]float32{1: {0.1, 0.2, 0.3}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := devices.GetUserMedia(ctx, Constraints{Audio: true, EchoCancellation: true, SampleRate: 44100})
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}

	frame := <-request
	if frame == nil {
		t.FailNow()
	}
	if frame.Open.Media != protocol.MediaUser || frame.Open.SampleRate != 44100 {
		t.Errorf("unexpected open request: %+v", frame.Open)
	}
	if frame.Open.Flags&protocol.FlagEchoCancellation == 0 || frame.Open.Flags&protocol.FlagNoiseSuppression != 0 {
		t.Errorf("unexpected open flags: %08b", frame.Open.Flags)
	}

	tracks := stream.AudioTracks()
	if len(tracks) != 1 || tracks[0].SampleRate() != 44100 {
		t.Fatalf("unexpected tracks: %+v", stream.Tracks)
	}

	samples, err := tracks[0].ReadSamples(ctx)
	if err != nil {
		t.Fatalf("ReadSamples failed: %v", err)
	}
	if len(samples) != 3 || samples[2] != 0.3 {
		t.Errorf("unexpected samples: %v", samples)
	}

	tracks[0].Stop()
	stop := readFrame(t, conn)
	if stop == nil || stop.Header.Type != protocol.FrameTypeStop || stop.Header.Track != 1 {
		t.Errorf("expected stop frame for track 1, got %+v", stop)
	}
	if _, err := tracks[0].ReadSamples(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after stop, got %v", err)
	}
}

func TestAgentOpenStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status uint8
		want   error
	}{
		{"permission denied", protocol.StatusPermissionDenied, ErrPermissionDenied},
		{"not found", protocol.StatusNotFound, ErrDeviceNotFound},
		{"agent error", protocol.StatusError, ErrGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, url := newTestHub(t, DefaultHubConfig())
			conn := dialAgent(t, hub, url)
			devices, _ := hub.Claim()

			answerOpen(t, conn, protocol.OpenResult{Status: tt.status}, nil)

			_, err := devices.GetDisplayMedia(context.Background(), Constraints{Audio: true, Video: true})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAgentOpenTimeout(t *testing.T) {
	config := DefaultHubConfig()
	config.OpenTimeout = 50 * time.Millisecond
	hub, url := newTestHub(t, config)
	dialAgent(t, hub, url)
	devices, _ := hub.Claim()

	_, err := devices.GetUserMedia(context.Background(), Constraints{Audio: true})
	if !errors.Is(err, ErrGeneric) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected generic timeout error, got %v", err)
	}
}

func TestAgentDisconnectEndsTracks(t *testing.T) {
	hub, url := newTestHub(t, DefaultHubConfig())
	conn := dialAgent(t, hub, url)
	devices, _ := hub.Claim()

	request := answerOpen(t, conn, protocol.OpenResult{
		Status: protocol.StatusOK,
		Tracks: []protocol.TrackInfo{{Track: 7, Kind: protocol.TrackKindAudio, Channels: 1, SampleRate: 48000}},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := devices.GetDisplayMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("GetDisplayMedia failed: %v", err)
	}
	<-request

	conn.Close()

	if _, err := stream.Tracks[0].ReadSamples(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after disconnect, got %v", err)
	}
	waitFor(t, func() bool { return hub.Count() == 0 })
}

func TestAgentEndFrame(t *testing.T) {
	hub, url := newTestHub(t, DefaultHubConfig())
	conn := dialAgent(t, hub, url)
	devices, _ := hub.Claim()

	request := answerOpen(t, conn, protocol.OpenResult{
		Status: protocol.StatusOK,
		Tracks: []protocol.TrackInfo{{Track: 2, Kind: protocol.TrackKindAudio, Channels: 1, SampleRate: 16000}},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := devices.GetDisplayMedia(ctx, Constraints{Audio: true})
	if err != nil {
		t.Fatalf("GetDisplayMedia failed: %v", err)
	}
	<-request

	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeEnd(2))

	if _, err := stream.Tracks[0].ReadSamples(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after end frame, got %v", err)
	}
	if hub.Count() != 1 {
		t.Error("end frame must not disconnect the agent")
	}
}

func TestHubClaim(t *testing.T) {
	hub, url := newTestHub(t, DefaultHubConfig())

	if _, err := hub.Claim(); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}

	dialAgent(t, hub, url)
	dialAgent(t, hub, url)

	first, err := hub.Claim()
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	second, err := hub.Claim()
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if first.ID() == second.ID() {
		t.Error("claims must hand out distinct agents")
	}
	if _, err := hub.Claim(); !errors.Is(err, ErrNoAgent) {
		t.Errorf("expected ErrNoAgent with all agents claimed, got %v", err)
	}

	agents := hub.Agents()
	if len(agents) != 2 || agents[0].ID != first.ID() || !agents[0].Claimed {
		t.Errorf("unexpected agent list: %+v", agents)
	}

	first.Unclaim()
	again, err := hub.Claim()
	if err != nil || again.ID() != first.ID() {
		t.Errorf("expected released agent to be claimable again, got %v %v", again, err)
	}
}

func TestAgentIgnoresGarbage(t *testing.T) {
	hub, url := newTestHub(t, DefaultHubConfig())
	conn := dialAgent(t, hub, url)

	conn.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x00})
	conn.WriteMessage(websocket.TextMessage, []byte("hello"))

	waitFor(t, func() bool {
		agents := hub.Agents()
		return len(agents) == 1 && agents[0].ParseErrors == 1
	})
	if hub.Count() != 1 {
		t.Error("invalid frames must not disconnect the agent")
	}
}

func TestAgentRejectsMultiChannelAudio(t *testing.T) {
	hub, url := newTestHub(t, DefaultHubConfig())
	conn := dialAgent(t, hub, url)
	devices, _ := hub.Claim()

	request := answerOpen(t, conn, protocol.OpenResult{
		Status: protocol.StatusOK,
		Tracks: []protocol.TrackInfo{{Track: 4, Kind: protocol.TrackKindAudio, Channels: 2, SampleRate: 48000}},
	}, nil)

	_, err := devices.GetUserMedia(context.Background(), Constraints{Audio: true})
	if !errors.Is(err, ErrGeneric) || !strings.Contains(err.Error(), "channel") {
		t.Fatalf("expected channel count error, got %v", err)
	}
	<-request

	stop := readFrame(t, conn)
	if stop == nil || stop.Header.Type != protocol.FrameTypeStop || stop.Header.Track != 4 {
		t.Errorf("expected stop frame for track 4, got %+v", stop)
	}
	if agents := hub.Agents(); len(agents) != 1 || agents[0].Tracks != 0 {
		t.Errorf("refused tracks must not be registered: %+v", agents)
	}
}

func TestTrackQueueOverflowKeepsTimeline(t *testing.T) {
	config := DefaultHubConfig()
	config.QueueSize = 2
	hub, url := newTestHub(t, config)
	conn := dialAgent(t, hub, url)
	devices, _ := hub.Claim()

	answerOpen(t, conn, protocol.OpenResult{
		Status: protocol.StatusOK,
		Tracks: []protocol.TrackInfo{{Track: 1, Kind: protocol.TrackKindAudio, Channels: 1, SampleRate: 16000}},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := devices.GetUserMedia(ctx, Constraints{Audio: true})
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}
	track := stream.Tracks[0]

	for seq := uint32(0); seq < 4; seq++ {
		conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudio(1, seq, []float32{0.5, 0.5, 0.5}))
	}
	waitFor(t, func() bool {
		agents := hub.Agents()
		return len(agents) == 1 && len(agents[0].TrackStats) == 1 && agents[0].TrackStats[0].DroppedFrames == 2
	})

	for i := 0; i < 2; i++ {
		if samples, err := track.ReadSamples(ctx); err != nil || len(samples) != 3 {
			t.Fatalf("read %d: unexpected %v %v", i, samples, err)
		}
	}

	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudio(1, 4, []float32{0.9}))
	samples, err := track.ReadSamples(ctx)
	if err != nil {
		t.Fatalf("ReadSamples failed: %v", err)
	}
	if len(samples) != 7 || samples[6] != 0.9 {
		t.Fatalf("expected six samples of silence before the next frame, got %v", samples)
	}
	for i, v := range samples[:6] {
		if v != 0 {
			t.Errorf("sample %d: expected silence, got %v", i, v)
		}
	}

	stats := hub.Agents()[0].TrackStats[0]
	if stats.FilledSamples != 6 || stats.Kind != TrackAudio.String() {
		t.Errorf("unexpected track stats: %+v", stats)
	}
}

func TestHubOriginCheck(t *testing.T) {
	config := DefaultHubConfig()
	config.AllowedOrigins = []string{"chrome-extension://coach"}
	hub, url := newTestHub(t, config)
	host := strings.TrimPrefix(url, "ws://")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin", "", true},
		{"same host", "http://" + host, true},
		{"allowed origin", "chrome-extension://coach", true},
		{"foreign page", "https://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected upgrade, got %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("expected the upgrade to be refused")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("expected 403, got %+v", resp)
			}
		})
	}
}
