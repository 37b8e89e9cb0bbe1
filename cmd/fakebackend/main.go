// Command fakebackend is a local stand-in for the analysis backend.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/duplex-coach-service/internal/delivery"
)

type session struct {
	ID        string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Segments  int       `json:"segments"`
	Bytes     int       `json:"bytes"`
	Ended     bool      `json:"ended"`
}

type backend struct {
	delay     time.Duration
	failEvery int

	mu       sync.Mutex
	sessions map[string]*session
	requests int
}

func (b *backend) handleStart(w http.ResponseWriter, r *http.Request) {
	s := &session{ID: uuid.NewString(), StartedAt: time.Now()}

	b.mu.Lock()
	b.sessions[s.ID] = s
	b.mu.Unlock()

	log.Printf("session started: %s", s.ID)
	writeJSON(w, map[string]string{"session_id": s.ID})
}

func (b *backend) handleEnd(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	s, ok := b.sessions[r.PathValue("id")]
	if ok {
		s.Ended = true
	}
	b.mu.Unlock()

	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	log.Printf("session ended: %s (%d segments)", s.ID, s.Segments)
	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) handleState(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	s, ok := b.sessions[r.PathValue("id")]
	var snapshot session
	if ok {
		snapshot = *s
	}
	b.mu.Unlock()

	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, snapshot)
}

func (b *backend) handleAudio(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests++
	n := b.requests
	s, ok := b.sessions[r.PathValue("id")]
	b.mu.Unlock()

	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if b.failEvery > 0 && n%b.failEvery == 0 {
		log.Printf("injecting failure for request %d", n)
		http.Error(w, "Injected failure", http.StatusServiceUnavailable)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	client, err := readPart(r, delivery.PartClientAudio)
	if err != nil {
		http.Error(w, "Missing client audio", http.StatusBadRequest)
		return
	}
	commercial, err := readPart(r, delivery.PartCommercialAudio)
	if err != nil {
		http.Error(w, "Missing commercial audio", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	s.Segments++
	s.Bytes += len(client) + len(commercial)
	segments := s.Segments
	b.mu.Unlock()

	log.Printf("segment %s for session %s: attempt=%s rate=%s client=%dB commercial=%dB",
		r.Header.Get("X-Segment-ID"), s.ID, r.Header.Get("X-Attempt"), r.Header.Get("X-Sample-Rate"),
		len(client), len(commercial))

	time.Sleep(b.delay)

	writeJSON(w, respond(rms(commercial), rms(client), segments))
}

// respond builds a canned answer from channel energy
func respond(commercialRMS, clientRMS float64, segment int) map[string]interface{} {
	switch {
	case commercialRMS < 0.005 && clientRMS < 0.005:
		return map[string]interface{}{"reason": "no_speech"}
	case segment%3 == 0:
		return map[string]interface{}{
			"advice": map[string]interface{}{
				"type":  "tip",
				"title": "Ask an open question",
				"details": map[string]string{
					"description": "Let the client describe the problem in their own words.",
				},
			},
			"transcription": "so what are you looking for",
		}
	default:
		return map[string]interface{}{"transcription": "test transcription of the segment"}
	}
}

func readPart(r *http.Request, name string) ([]byte, error) {
	file, _, err := r.FormFile(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// rms of PCM16 little-endian samples
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32767
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time per segment")
	failEvery := flag.Int("fail-every", 0, "Answer every Nth audio request with 503 (0 disables)")
	flag.Parse()

	b := &backend{
		delay:     *delay,
		failEvery: *failEvery,
		sessions:  make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", b.handleStart)
	mux.HandleFunc("POST /session/{id}/end", b.handleEnd)
	mux.HandleFunc("GET /session/{id}/state", b.handleState)
	mux.HandleFunc("POST /audio/{id}", b.handleAudio)

	log.Printf("fake analysis backend listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
