package delivery

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result is the outcome of one delivered segment
type Result interface {
	Kind() string
	isResult()
}

// Advice is a coaching suggestion produced by the backend
type Advice struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Transcript  string `json:"transcript,omitempty"`
}

// Transcript is a transcription without advice
type Transcript struct {
	Text string `json:"text"`
}

// Skipped means the backend had nothing to report
type Skipped struct {
	Reason     string `json:"reason"`
	Transcript string `json:"transcript,omitempty"`
}

// Failed reports a segment that could not be delivered
type Failed struct {
	ErrorKind ErrorKind `json:"-"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
}

func (Advice) Kind() string     { return "advice" }
func (Transcript) Kind() string { return "transcript" }
func (Skipped) Kind() string    { return "skipped" }
func (Failed) Kind() string     { return "failed" }

func (Advice) isResult()     {}
func (Transcript) isResult() {}
func (Skipped) isResult()    {}
func (Failed) isResult()     {}

// MarshalJSON renders the failure payload handed to result consumers
func (f Failed) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error     bool   `json:"error"`
		ErrorKind string `json:"error_kind"`
		Message   string `json:"message"`
		Attempts  int    `json:"attempts"`
	}{true, f.ErrorKind.String(), f.Message, f.Attempts})
}

// ReasonEmptyResponse is used when the backend response carries no content
const ReasonEmptyResponse = "empty_response"

// analysisResponse is the backend response body
type analysisResponse struct {
	Advice *struct {
		Type    string `json:"type"`
		Title   string `json:"title"`
		Details struct {
			Description string `json:"description"`
		} `json:"details"`
	} `json:"advice"`
	Transcription string `json:"transcription"`
	Reason        string `json:"reason"`
}

// ParseResult converts a backend response body into a Result.
// Advice wins; a populated reason without advice is a skip; a bare
// transcription is a transcript.
func ParseResult(body []byte) (Result, error) {
	var resp analysisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	transcript := strings.TrimSpace(resp.Transcription)

	switch {
	case resp.Advice != nil:
		return Advice{
			Type:        resp.Advice.Type,
			Title:       resp.Advice.Title,
			Description: resp.Advice.Details.Description,
			Transcript:  transcript,
		}, nil
	case resp.Reason != "":
		return Skipped{Reason: resp.Reason, Transcript: transcript}, nil
	case transcript != "":
		return Transcript{Text: transcript}, nil
	default:
		return Skipped{Reason: ReasonEmptyResponse}, nil
	}
}

// ResultJSON renders any Result with its kind for API responses and logs
func ResultJSON(r Result) ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{r.Kind(), payload})
}
