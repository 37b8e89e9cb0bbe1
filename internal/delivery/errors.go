package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed delivery attempt
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindNetwork
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a failed request to the analysis backend
type Error struct {
	Kind       ErrorKind
	StatusCode int // set for KindServer
	Message    string
	Err        error
}

// Sentinels for errors.Is matching by kind
var (
	ErrTimeout = &Error{Kind: KindTimeout}
	ErrNetwork = &Error{Kind: KindNetwork}
	ErrServer  = &Error{Kind: KindServer}
)

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("delivery %s error: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("delivery %s error: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("delivery %s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether resubmitting the same request may succeed.
// Client errors other than 408 and 429 are permanent.
func (e *Error) Retryable() bool {
	if e.Kind != KindServer {
		return true
	}
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a retryable delivery error
func IsRetryable(err error) bool {
	var deliveryErr *Error
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Retryable()
	}
	return false
}

// classifyTransportError maps an http.Client error to a delivery error.
// parent is the caller context; its cancellation is returned unchanged.
func classifyTransportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}

	return &Error{Kind: KindNetwork, Message: "request failed", Err: err}
}
