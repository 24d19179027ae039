package ax25

import "fmt"

// SessionErrorKind enumerates the session-layer failure modes of §7.
type SessionErrorKind int

const (
	NotConnected SessionErrorKind = iota
	WindowFull
	StateInvalid
	MaxRetriesExceeded
)

func (k SessionErrorKind) String() string {
	switch k {
	case NotConnected:
		return "not connected"
	case WindowFull:
		return "window full"
	case StateInvalid:
		return "invalid state for requested operation"
	case MaxRetriesExceeded:
		return "max retries exceeded"
	default:
		return "unknown session error"
	}
}

// SessionError reports a session-layer failure. WindowFull is non-fatal
// (callers should queue); MaxRetriesExceeded means the session has
// already transitioned to StateError.
type SessionError struct {
	Kind SessionErrorKind
	Key  Key
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("ax25: session %v: %s", e.Key, e.Kind)
}
