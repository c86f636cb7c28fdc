// Package transport defines the polymorphic device-transport contract (C3)
// and its Mock, WebSocket, and MQTT-backed implementations. Adapters
// terminate the wire, normalize bytes into envelope.Envelope, and expose a
// lazy, infinite, non-restartable incoming-event sequence plus a
// non-blocking bounded command sink — the same one-way-reference shape as
// chatgear's UplinkRx/DownlinkTx, generalized across profiles instead of
// being hardwired to one gear product.
package transport

import (
	"context"
	"iter"

	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/logging"
)

// Adapter is the capability set every transport variant implements.
type Adapter interface {
	// Start brings the transport up (dial, subscribe, accept). It must be
	// idempotent against repeated calls after Stop.
	Start(ctx context.Context) error

	// Stop tears the transport down, unblocking any in-progress
	// IncomingEvents iteration.
	Stop(ctx context.Context) error

	// IncomingEvents returns a lazy, infinite, not-restartable sequence of
	// parsed envelopes. A non-nil error for a yielded item means the frame
	// failed to parse (InvalidControlPayload/InvalidAudioFrame); the
	// adapter has already emitted a recoverable error envelope for it and
	// the caller should simply continue ranging.
	IncomingEvents() iter.Seq2[envelope.Envelope, error]

	// SendCommand enqueues env on the adapter's bounded internal output
	// queue and returns immediately. It returns errs.ErrBackpressure if the
	// queue is full.
	SendCommand(ctx context.Context, env envelope.Envelope) error

	// Ack is a convenience for adapters whose wire protocol has a
	// transport-level ack distinct from an envelope-level ack command
	// (e.g. MQTT PUBACK for QoS1 control messages). Adapters without such
	// a concept return nil.
	Ack(ctx context.Context, deviceID string, seq uint64) error

	// CloseSession tells the adapter to drop the wire-level connection for
	// deviceID, e.g. after Unauthorized or an explicit close command.
	CloseSession(ctx context.Context, deviceID, reason string) error
}

// Online reports whether a device is currently considered reachable by the
// transport. Used by the runtime to decide whether to buffer outbound
// commands (§4.6 offline buffering).
type Online interface {
	IsOnline(deviceID string) bool
}

// Config holds the fields common to every adapter variant.
type Config struct {
	Logger logging.Logger

	// OutputQueueSize bounds SendCommand's internal queue per device.
	OutputQueueSize int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	if c.OutputQueueSize == 0 {
		c.OutputQueueSize = 256
	}
	return c
}
