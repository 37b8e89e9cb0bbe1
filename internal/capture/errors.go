package capture

import "fmt"

// ErrorKind classifies capture failures. All kinds are terminal.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindPermissionDenied
	KindDeviceNotFound
	KindNoAudioTrack
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindNoAudioTrack:
		return "no_audio_track"
	default:
		return "generic"
	}
}

// Error is a capture acquisition failure
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind
var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound   = &Error{Kind: KindDeviceNotFound}
	ErrNoAudioTrack     = &Error{Kind: KindNoAudioTrack}
	ErrGeneric          = &Error{Kind: KindGeneric}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("capture %s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("capture %s: %s", e.Kind, msg)
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

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
