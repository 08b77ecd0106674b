package transport

import "errors"

// ErrQueueFull is returned by PublishAsync when the outbound queue is
// at its configured bound.
var ErrQueueFull = errors.New("transport: outbound queue full")

// ErrTimeout is returned by PublishSync when the broker does not
// acknowledge within the given timeout.
var ErrTimeout = errors.New("transport: publish timed out")

// ErrNotConnected is returned by PublishSync when no session is up and
// by PublishAsync after Disconnect. Subscribe, Unsubscribe and
// PublishAsync called before the first Connect do not return it: they
// are recorded or queued until a session exists.
var ErrNotConnected = errors.New("transport: not connected")
