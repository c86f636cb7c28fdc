// Package store persists the runtime's logical tables (spec §6.3) on top
// of pkg/kv's hierarchical key-value Store, with either a Badger-backed or
// in-memory backing. It implements session.Store and vision.ContextStore
// directly, and provides additional tables for digital tasks and device
// operations consumed by the HTTP control surface.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/iflabx/opencane/pkg/kv"
	"github.com/iflabx/opencane/pkg/opencane/errs"
	"github.com/iflabx/opencane/pkg/opencane/safety"
	"github.com/iflabx/opencane/pkg/opencane/session"
	"github.com/iflabx/opencane/pkg/opencane/task"
	"github.com/iflabx/opencane/pkg/opencane/vision"
)

// table prefixes, one per logical table named in spec §6.3, plus "devices"
// for the identity lifecycle the control surface needs but §6.3 leaves
// schema-unspecified. Safety audit events are stored in thought_traces.
var (
	tableDeviceSessions   = kv.Key{"device_sessions"}
	tableLifelogContexts  = kv.Key{"lifelog_contexts"}
	tableDigitalTasks     = kv.Key{"digital_tasks"}
	tableTaskPushQueue    = kv.Key{"digital_task_push_queue"}
	tableDeviceOperations = kv.Key{"device_operations"}
	tableDevices          = kv.Key{"devices"}
	tableSafetyEvents     = kv.Key{"thought_traces"}
)

// Store is the concrete persistence layer backing the runtime.
type Store struct {
	kv kv.Store
}

// New wraps an existing kv.Store (Badger- or memory-backed).
func New(backing kv.Store) *Store {
	return &Store{kv: backing}
}

// NewMemory returns a Store backed by an in-process map, suitable for
// tests and single-process trials.
func NewMemory() *Store {
	return &Store{kv: kv.NewMemory(nil)}
}

// NewBadger returns a Store backed by BadgerDB at dir.
func NewBadger(dir string) (*Store, error) {
	b, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &Store{kv: b}, nil
}

// Close releases the backing kv.Store.
func (s *Store) Close() error { return s.kv.Close() }

func marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal: %w", err)
	}
	return b, nil
}

func unmarshal(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("store: unmarshal: %w", err)
	}
	return nil
}

// --- session.Store -----------------------------------------------------

// SaveSession implements session.Store.
func (s *Store) SaveSession(ctx context.Context, snap *session.Snapshot) error {
	b, err := marshal(snap)
	if err != nil {
		return err
	}
	key := append(append(kv.Key{}, tableDeviceSessions...), snap.DeviceID, snap.SessionID)
	if err := s.kv.Set(ctx, key, b); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, deviceID, sessionID string) (*session.Snapshot, error) {
	key := append(append(kv.Key{}, tableDeviceSessions...), deviceID, sessionID)
	b, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	var snap session.Snapshot
	if err := unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- vision.ContextStore -------------------------------------------------

// SaveContext implements vision.ContextStore.
func (s *Store) SaveContext(ctx context.Context, c *vision.Context) error {
	b, err := marshal(c)
	if err != nil {
		return err
	}
	key := append(append(kv.Key{}, tableLifelogContexts...), c.SessionID, c.JobID)
	if err := s.kv.Set(ctx, key, b); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// FindSimilar implements vision.ContextStore by scanning every context row
// for the session (lifelog corpora per session are small; a dedicated
// perceptual-hash index is not warranted at this scale) and returning the
// first one within the window whose dHash Hamming distance is within
// maxDistance.
func (s *Store) FindSimilar(ctx context.Context, sessionID string, dhash uint64, within time.Duration, maxDistance int) (*vision.Context, error) {
	prefix := append(append(kv.Key{}, tableLifelogContexts...), sessionID)
	cutoff := time.Now().Add(-within)
	for entry, err := range s.kv.List(ctx, prefix) {
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
		}
		var c vision.Context
		if err := unmarshal(entry.Value, &c); err != nil {
			return nil, err
		}
		if c.CreatedAt.Before(cutoff) {
			continue
		}
		if vision.HammingDistance64(c.DHash, dhash) <= maxDistance {
			return &c, nil
		}
	}
	return nil, nil
}

// ListContexts returns every lifelog context row for sessionID, newest
// first, capped at limit (0 means unbounded). Backs GET /v1/lifelog/timeline.
func (s *Store) ListContexts(ctx context.Context, sessionID string, limit int) ([]*vision.Context, error) {
	prefix := append(append(kv.Key{}, tableLifelogContexts...), sessionID)
	var out []*vision.Context
	for entry, err := range s.kv.List(ctx, prefix) {
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
		}
		var c vision.Context
		if err := unmarshal(entry.Value, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- task.Store ------------------------------------------------------------

// SaveTask implements task.Store.
func (s *Store) SaveTask(ctx context.Context, t *task.Record) error {
	b, err := marshal(t)
	if err != nil {
		return err
	}
	key := append(append(kv.Key{}, tableDigitalTasks...), t.TaskID)
	if err := s.kv.Set(ctx, key, b); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// LoadTask implements task.Store.
func (s *Store) LoadTask(ctx context.Context, taskID string) (*task.Record, error) {
	key := append(append(kv.Key{}, tableDigitalTasks...), taskID)
	b, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	var t task.Record
	if err := unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks implements task.Store, used at startup for recovery (spec
// §4.9) and by the HTTP /v1/digital-task listing endpoint.
func (s *Store) ListTasks(ctx context.Context) ([]*task.Record, error) {
	var out []*task.Record
	for entry, err := range s.kv.List(ctx, tableDigitalTasks) {
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
		}
		var t task.Record
		if err := unmarshal(entry.Value, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

// --- digital task push queue (task.Store) -----------------------------------

func pushKey(deviceID, taskID string, status task.Status) kv.Key {
	return append(append(kv.Key{}, tableTaskPushQueue...), deviceID, taskID, string(status))
}

// SavePush implements task.Store.
func (s *Store) SavePush(ctx context.Context, p *task.PushEntry) error {
	b, err := marshal(p)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, pushKey(p.DeviceID, p.TaskID, p.Status), b); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// DeletePush implements task.Store, removing a push queue entry once
// delivered.
func (s *Store) DeletePush(ctx context.Context, deviceID, taskID string, status task.Status) error {
	if err := s.kv.Delete(ctx, pushKey(deviceID, taskID, status)); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// ListPushForDevice implements task.Store, returning every queued push for
// deviceID in the order replayed on the device's next hello.
func (s *Store) ListPushForDevice(ctx context.Context, deviceID string) ([]*task.PushEntry, error) {
	prefix := append(append(kv.Key{}, tableTaskPushQueue...), deviceID)
	var out []*task.PushEntry
	for entry, err := range s.kv.List(ctx, prefix) {
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
		}
		var p task.PushEntry
		if err := unmarshal(entry.Value, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}

// --- device operations -----------------------------------------------------

// Operation is a persisted device_operations row, dispatched via
// POST /v1/device/ops/dispatch and acked via POST /v1/device/ops/{id}/ack.
type Operation struct {
	OperationID string
	DeviceID    string
	Kind        string
	Payload     map[string]any
	Status      string // "queued" | "sent" | "acked" | "failed"
	CreatedAt   time.Time
	AckedAt     time.Time
}

// SaveOperation upserts an Operation.
func (s *Store) SaveOperation(ctx context.Context, op *Operation) error {
	b, err := marshal(op)
	if err != nil {
		return err
	}
	key := append(append(kv.Key{}, tableDeviceOperations...), op.OperationID)
	if err := s.kv.Set(ctx, key, b); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// LoadOperation retrieves an Operation by ID.
func (s *Store) LoadOperation(ctx context.Context, operationID string) (*Operation, error) {
	key := append(append(kv.Key{}, tableDeviceOperations...), operationID)
	b, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	var op Operation
	if err := unmarshal(b, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperations returns every persisted operation, newest first is not
// guaranteed; callers sort by CreatedAt if ordering matters.
func (s *Store) ListOperations(ctx context.Context) ([]*Operation, error) {
	var out []*Operation
	for entry, err := range s.kv.List(ctx, tableDeviceOperations) {
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
		}
		var op Operation
		if err := unmarshal(entry.Value, &op); err != nil {
			return nil, err
		}
		out = append(out, &op)
	}
	return out, nil
}

// --- device identity lifecycle ----------------------------------------------

// DeviceState is a device's position in the register/bind/activate/revoke
// lifecycle (§6.2).
type DeviceState string

const (
	DeviceRegistered DeviceState = "registered"
	DeviceBound      DeviceState = "bound"
	DeviceActive     DeviceState = "active"
	DeviceRevoked    DeviceState = "revoked"
)

// Device is a persisted devices row.
type Device struct {
	DeviceID   string
	ProfileID  string
	OwnerID    string
	State      DeviceState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveDevice upserts a Device.
func (s *Store) SaveDevice(ctx context.Context, d *Device) error {
	b, err := marshal(d)
	if err != nil {
		return err
	}
	key := append(append(kv.Key{}, tableDevices...), d.DeviceID)
	if err := s.kv.Set(ctx, key, b); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// LoadDevice retrieves a Device by id.
func (s *Store) LoadDevice(ctx context.Context, deviceID string) (*Device, error) {
	key := append(append(kv.Key{}, tableDevices...), deviceID)
	b, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	var d Device
	if err := unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns every persisted device.
func (s *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	var out []*Device
	for entry, err := range s.kv.List(ctx, tableDevices) {
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
		}
		var d Device
		if err := unmarshal(entry.Value, &d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, nil
}

// --- safety audit trail ------------------------------------------------------

// SaveSafetyEvent persists a safety.AuditEvent keyed by session and trace
// id, backing the thought_traces table and the /v1/lifelog/safety[/stats]
// read paths.
func (s *Store) SaveSafetyEvent(ctx context.Context, ev *safety.AuditEvent) error {
	b, err := marshal(ev)
	if err != nil {
		return err
	}
	key := append(append(kv.Key{}, tableSafetyEvents...), ev.SessionID, ev.TraceID)
	if err := s.kv.Set(ctx, key, b); err != nil {
		return fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
	}
	return nil
}

// ListSafetyEvents returns every persisted audit event for sessionID,
// newest first. An empty sessionID lists across all sessions.
func (s *Store) ListSafetyEvents(ctx context.Context, sessionID string) ([]*safety.AuditEvent, error) {
	prefix := kv.Key{}
	prefix = append(prefix, tableSafetyEvents...)
	if sessionID != "" {
		prefix = append(prefix, sessionID)
	}
	var out []*safety.AuditEvent
	for entry, err := range s.kv.List(ctx, prefix) {
		if err != nil {
			return nil, fmt.Errorf("store: %w: %w", errs.ErrStorage, err)
		}
		var ev safety.AuditEvent
		if err := unmarshal(entry.Value, &ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}
