package delivery

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Result
	}{
		{
			name: "advice with transcription",
			body: `{"advice":{"type":"objection","title":"Price","details":{"description":"Anchor on value"}},"transcription":"too expensive"}`,
			want: Advice{Type: "objection", Title: "Price", Description: "Anchor on value", Transcript: "too expensive"},
		},
		{
			name: "reason without advice",
			body: `{"reason":"no_speech","transcription":"uh"}`,
			want: Skipped{Reason: "no_speech", Transcript: "uh"},
		},
		{
			name: "transcription only",
			body: `{"transcription":"hello there"}`,
			want: Transcript{Text: "hello there"},
		},
		{
			name: "empty object",
			body: `{}`,
			want: Skipped{Reason: ReasonEmptyResponse},
		},
		{
			name: "null advice",
			body: `{"advice":null,"reason":"filler"}`,
			want: Skipped{Reason: "filler"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult([]byte(tt.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}

	if _, err := ParseResult([]byte("<html>")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestResultJSON(t *testing.T) {
	data, err := ResultJSON(Failed{ErrorKind: KindServer, Message: "HTTP 500", Attempts: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Kind string `json:"kind"`
		Data struct {
			Error     bool   `json:"error"`
			ErrorKind string `json:"error_kind"`
			Message   string `json:"message"`
			Attempts  int    `json:"attempts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON %s: %v", data, err)
	}
	if decoded.Kind != "failed" || !decoded.Data.Error || decoded.Data.ErrorKind != "server" || decoded.Data.Attempts != 4 {
		t.Errorf("unexpected failure payload: %s", data)
	}

	data, _ = ResultJSON(Transcript{Text: "hi"})
	if !strings.Contains(string(data), `"kind":"transcript"`) {
		t.Errorf("unexpected transcript payload: %s", data)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		k    int
		want time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := policy.Delay(tt.k); got != tt.want {
			t.Errorf("Delay(%d) = %v, expected %v", tt.k, got, tt.want)
		}
	}

	custom := RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, Multiplier: 1.5}
	if got := custom.Delay(3); got != 225*time.Millisecond {
		t.Errorf("Delay(3) = %v, expected 225ms", got)
	}
}

func TestRetryPolicyNext(t *testing.T) {
	policy := DefaultRetryPolicy()
	serverErr := &Error{Kind: KindServer, StatusCode: 500}

	var delays []time.Duration
	attempts := 1
	for {
		delay, ok := policy.Next(attempts, serverErr)
		if !ok {
			break
		}
		delays = append(delays, delay)
		attempts++
	}

	if attempts != policy.MaxAttempts() || attempts != 4 {
		t.Errorf("expected 4 total attempts, got %d", attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("retry %d: expected %v, got %v", i+1, want[i], delays[i])
		}
	}

	if _, ok := policy.Next(1, &Error{Kind: KindServer, StatusCode: 400}); ok {
		t.Error("client errors must not be retried")
	}
	if _, ok := policy.Next(1, &Error{Kind: KindTimeout}); !ok {
		t.Error("timeouts must be retried")
	}
	if _, ok := (RetryPolicy{}).Next(1, &Error{Kind: KindNetwork}); ok {
		t.Error("zero retries must stop after the first attempt")
	}
}

func TestErrorStrings(t *testing.T) {
	err := &Error{Kind: KindServer, StatusCode: 503, Message: "unavailable"}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "server") {
		t.Errorf("unexpected error string: %s", err)
	}
	if KindTimeout.String() != "timeout" || KindNetwork.String() != "network" {
		t.Error("unexpected kind names")
	}
}
