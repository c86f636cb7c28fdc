package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/logging"
)

// SeqDecision is the outcome of Manager.CheckAndCommitSeq.
type SeqDecision int

const (
	SeqNew SeqDecision = iota
	SeqDuplicate
	// SeqOutOfOrder is part of the contract surface named in spec §4.4 but
	// is never produced by the policy defined there: gaps classify as New
	// (the device retransmits if needed; the runtime never re-requests).
	// Kept so a future, stricter policy can be swapped in without changing
	// every call site's switch statement.
	SeqOutOfOrder
)

// Store is the persistence contract the Session Manager depends on. The
// concrete Badger/in-memory implementations live in pkg/opencane/store and
// satisfy this interface without session importing store, avoiding an
// import cycle.
type Store interface {
	SaveSession(ctx context.Context, s *Snapshot) error
	LoadSession(ctx context.Context, deviceID, sessionID string) (*Snapshot, error)
}

// Snapshot is the serializable projection of a Session used for
// persistence and for constructing a Session from storage.
type Snapshot struct {
	DeviceID     string
	SessionID    string
	State        State
	LastRecvSeq  uint64
	OutboundSeq  uint64
	Telemetry    map[string]any
	ActiveTurnID string
	ActiveTaskID string
}

// Manager implements C4: get_or_create, check_and_commit_seq,
// next_outbound_seq, record_command, update_telemetry. It holds one
// in-memory Session per (device_id, session_id) and persists mutations
// through Store.
type Manager struct {
	store  Store
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// currentByDevice maps device_id -> the session id to reuse when a
	// control event omits session_id, per the auto-create policy.
	currentByDevice map[string]string
}

// NewManager constructs a Manager. store may be nil for a pure in-memory
// mode (tests, strict=false degraded startup).
func NewManager(store Store, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Manager{
		store:           store,
		logger:          logger,
		sessions:        make(map[string]*Session),
		currentByDevice: make(map[string]string),
	}
}

func key(deviceID, sessionID string) string { return deviceID + "\x00" + sessionID }

// GetOrCreate resolves (device_id, session_id) to a Session. If sessionID
// is empty, it reuses the device's current session or creates
// "{device_id}-default" — never a random id, per spec §4.4.
func (m *Manager) GetOrCreate(ctx context.Context, deviceID, sessionID string) (*Session, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("session: device_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID == "" {
		if cur, ok := m.currentByDevice[deviceID]; ok {
			sessionID = cur
		} else {
			sessionID = deviceID + "-default"
		}
	}

	k := key(deviceID, sessionID)
	if s, ok := m.sessions[k]; ok {
		m.currentByDevice[deviceID] = sessionID
		return s, nil
	}

	s := newSession(deviceID, sessionID)
	if m.store != nil {
		snap, err := m.store.LoadSession(ctx, deviceID, sessionID)
		if err == nil && snap != nil {
			s.state = snap.State
			s.lastRecvSeq = snap.LastRecvSeq
			s.outboundSeq = snap.OutboundSeq
			if snap.Telemetry != nil {
				s.telemetry = snap.Telemetry
			}
			s.activeTurnID = snap.ActiveTurnID
			s.activeTaskID = snap.ActiveTaskID
		}
	}
	m.sessions[k] = s
	m.currentByDevice[deviceID] = sessionID
	return s, nil
}

// CheckAndCommitSeq implements the duplicate/new classification of spec
// §4.4 and persists the decision.
func (m *Manager) CheckAndCommitSeq(ctx context.Context, s *Session, inboundSeq uint64) SeqDecision {
	s.mu.Lock()
	var decision SeqDecision
	if inboundSeq > s.lastRecvSeq {
		s.lastRecvSeq = inboundSeq
		decision = SeqNew
	} else {
		decision = SeqDuplicate
	}
	s.touch()
	snap := m.snapshotLocked(s)
	s.mu.Unlock()

	if decision == SeqNew {
		m.persist(ctx, snap)
	}
	return decision
}

// NextOutboundSeq allocates and returns the next monotonically increasing
// outbound seq for s, persisting before returning so the allocation is
// never lost to a crash between allocation and send.
func (m *Manager) NextOutboundSeq(ctx context.Context, s *Session) uint64 {
	s.mu.Lock()
	s.outboundSeq++
	seq := s.outboundSeq
	snap := m.snapshotLocked(s)
	s.mu.Unlock()

	m.persist(ctx, snap)
	return seq
}

// RecordCommand adds env (already carrying its allocated outbound seq) to
// the replay window, evicting in FIFO order when full. If the device is
// currently offline, the caller should also call AppendPending.
func (m *Manager) RecordCommand(s *Session, seq uint64, env envelope.Envelope) {
	s.mu.Lock()
	s.appendReplayLocked(seq, env)
	s.mu.Unlock()
}

// AppendPending queues env in pending_commands (bounded, oldest-drop),
// for delivery once the device reconnects.
func (m *Manager) AppendPending(s *Session, env envelope.Envelope) {
	s.mu.Lock()
	s.appendPendingLocked(env)
	s.mu.Unlock()
}

// UpdateTelemetry merges kv (shallow) into session telemetry.
func (m *Manager) UpdateTelemetry(ctx context.Context, s *Session, kv map[string]any) {
	s.mu.Lock()
	for k, v := range kv {
		s.telemetry[k] = v
	}
	snap := m.snapshotLocked(s)
	s.mu.Unlock()

	m.persist(ctx, snap)
}

func (m *Manager) snapshotLocked(s *Session) *Snapshot {
	telemetry := make(map[string]any, len(s.telemetry))
	for k, v := range s.telemetry {
		telemetry[k] = v
	}
	return &Snapshot{
		DeviceID:     s.DeviceID,
		SessionID:    s.SessionID,
		State:        s.state,
		LastRecvSeq:  s.lastRecvSeq,
		OutboundSeq:  s.outboundSeq,
		Telemetry:    telemetry,
		ActiveTurnID: s.activeTurnID,
		ActiveTaskID: s.activeTaskID,
	}
}

// Count reports the number of sessions currently held in memory, for the
// control surface's status endpoint.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) persist(ctx context.Context, snap *Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(ctx, snap); err != nil {
		m.logger.Warn("session: persist failed", "device_id", snap.DeviceID, "session_id", snap.SessionID, "err", err)
	}
}
