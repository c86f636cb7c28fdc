// Package errs defines the error taxonomy of the device-session runtime.
// Every sentinel here is meant to be wrapped with context via fmt.Errorf's
// %w and inspected with errors.Is by callers that need to branch on it.
package errs

import "errors"

var (
	// ErrTransport covers connection-lost and publish-failed conditions,
	// e.g. a SendCommand to a device with no open connection. A full output
	// queue is reported as ErrBackpressure instead.
	ErrTransport = errors.New("transport error")

	// ErrInvalidControlPayload marks a control envelope that failed to
	// parse. The frame is dropped and an error envelope is recorded; the
	// session continues.
	ErrInvalidControlPayload = errors.New("invalid control payload")

	// ErrInvalidAudioFrame marks a framed audio packet that failed header
	// or length validation.
	ErrInvalidAudioFrame = errors.New("invalid audio frame")

	// ErrUnauthorized closes the session and emits close{reason:"unauthorized"}.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProvider marks a transient failure from an external provider
	// (STT/TTS/VLM/LLM/MCP). Retried with backoff up to a small bound by
	// the calling component, then downgraded to a conservative result.
	ErrProvider = errors.New("provider error")

	// ErrQueueFull is returned by a bounded queue under the reject overflow
	// policy.
	ErrQueueFull = errors.New("queue full")

	// ErrTimeout marks an expired deadline on a provider call or
	// suspension point.
	ErrTimeout = errors.New("timeout")

	// ErrStorage marks a persistence failure. Fatal only during strict
	// startup; logged and degraded otherwise.
	ErrStorage = errors.New("storage error")

	// ErrBackpressure is returned by a transport's send_command when its
	// bounded internal output queue is full.
	ErrBackpressure = errors.New("transport backpressure")

	// ErrNotFound marks a lookup miss against the Store.
	ErrNotFound = errors.New("not found")
)
