package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/duplex-coach-service/internal/protocol"
)

func TestCloseWhileStreaming(t *testing.T) {
	frames := make(chan *protocol.Frame, 16)
	closed := make(chan error, 1)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				closed <- err
				return
			}
			if frame, err := protocol.ParseFrame(data); err == nil {
				select {
				case frames <- frame:
				default:
				}
			}
		}
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	a := &agent{
		conn:    conn,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		streams: make(map[uint16]context.CancelFunc),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.startTrack(ctx, micTrack, 16000)
	a.startTrack(ctx, tabAudioTrack, 16000)

	select {
	case frame := <-frames:
		if frame.Header.Type != protocol.FrameTypeAudio {
			t.Fatalf("expected an audio frame, got %s", frame.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio frame received")
	}

	if err := a.close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case err := <-closed:
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
			t.Errorf("expected a normal close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the close frame")
	}
}
