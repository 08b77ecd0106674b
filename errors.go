package earpm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the errors the public API can return.
type ErrorKind int

const (
	// KindInvalidArgument marks a bad topic, negative id, or out of
	// range QoS passed to a public entry point.
	KindInvalidArgument ErrorKind = iota + 1
	// KindInvalidConfig marks a construction-time option validation
	// failure.
	KindInvalidConfig
	// KindTransport marks an MQTT connect/publish library failure.
	KindTransport
	// KindTimeout marks a sync send deadline.
	KindTimeout
	// KindQueueFull marks a bounded outbound or deliverer queue
	// refusing new work.
	KindQueueFull
	// KindProtocol marks a malformed or version-incompatible control
	// message. Always internal: never returned to an API caller.
	KindProtocol
	// KindShutdown marks an operation cancelled by teardown.
	KindShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidConfig:
		return "invalid_config"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindQueueFull:
		return "queue_full"
	case KindProtocol:
		return "protocol"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by the public API. It
// carries a Kind so callers can branch with errors.Is/As instead of
// string matching.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("earpm: %s: %s: %v", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("earpm: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &Error{Kind: KindTimeout}) style checks work without
// requiring an exact Op/Err match.
func (e *Error) Is(target error) bool {
	var t *Error

	if !errors.As(target, &t) {
		return false
	}

	return e.Kind == t.Kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrShutdown is returned (wrapped) by any pending operation cancelled
// by Provider.Stop.
var ErrShutdown = &Error{Kind: KindShutdown, Op: "shutdown"}
