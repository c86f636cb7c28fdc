package transport

import (
	"context"
	"iter"
	"sync"

	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/errs"
)

// Mock is an in-process Adapter for tests and the /v1/device/event replay
// endpoint (§6.2). Inject() feeds envelopes as if they arrived over the
// wire; Sent() drains what the runtime produced.
type Mock struct {
	cfg Config

	mu      sync.Mutex
	online  map[string]bool
	in      chan envelope.Envelope
	out     chan envelope.Envelope
	closed  chan struct{}
	closeOn sync.Once
}

// NewMock constructs a Mock transport.
func NewMock(cfg Config) *Mock {
	cfg = cfg.withDefaults()
	return &Mock{
		cfg:    cfg,
		online: make(map[string]bool),
		in:     make(chan envelope.Envelope, cfg.OutputQueueSize),
		out:    make(chan envelope.Envelope, cfg.OutputQueueSize),
		closed: make(chan struct{}),
	}
}

var _ Adapter = (*Mock)(nil)
var _ Online = (*Mock)(nil)

func (m *Mock) Start(ctx context.Context) error { return nil }

func (m *Mock) Stop(ctx context.Context) error {
	m.closeOn.Do(func() { close(m.closed) })
	return nil
}

// Inject makes env available on IncomingEvents, marking its device online.
func (m *Mock) Inject(env envelope.Envelope) {
	m.mu.Lock()
	m.online[env.DeviceID] = true
	m.mu.Unlock()
	select {
	case m.in <- env:
	case <-m.closed:
	}
}

// SetOnline marks a device's reachability, consulted by IsOnline.
func (m *Mock) SetOnline(deviceID string, online bool) {
	m.mu.Lock()
	m.online[deviceID] = online
	m.mu.Unlock()
}

func (m *Mock) IsOnline(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[deviceID]
}

func (m *Mock) IncomingEvents() iter.Seq2[envelope.Envelope, error] {
	return func(yield func(envelope.Envelope, error) bool) {
		for {
			select {
			case env := <-m.in:
				if !yield(env, nil) {
					return
				}
			case <-m.closed:
				return
			}
		}
	}
}

// Sent drains one command produced by SendCommand, for test assertions.
// Returns ok=false if none is available yet without blocking past ctx.
func (m *Mock) Sent(ctx context.Context) (envelope.Envelope, bool) {
	select {
	case env := <-m.out:
		return env, true
	case <-ctx.Done():
		return envelope.Envelope{}, false
	case <-m.closed:
		return envelope.Envelope{}, false
	}
}

func (m *Mock) SendCommand(ctx context.Context, env envelope.Envelope) error {
	select {
	case m.out <- env:
		return nil
	default:
		return errs.ErrBackpressure
	}
}

func (m *Mock) Ack(ctx context.Context, deviceID string, seq uint64) error { return nil }

func (m *Mock) CloseSession(ctx context.Context, deviceID, reason string) error {
	m.SetOnline(deviceID, false)
	return nil
}
