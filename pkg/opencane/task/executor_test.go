package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*Record
	push  map[string]*PushEntry
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*Record{}, push: map[string]*PushEntry{}}
}

func (m *memStore) SaveTask(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.tasks[r.TaskID] = &cp
	return nil
}

func (m *memStore) LoadTask(_ context.Context, taskID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return r, nil
}

func (m *memStore) ListTasks(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.tasks {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) SavePush(_ context.Context, p *PushEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push[p.DeviceID+"/"+p.TaskID+"/"+string(p.Status)] = p
	return nil
}

func (m *memStore) DeletePush(_ context.Context, deviceID, taskID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.push, deviceID+"/"+taskID+"/"+string(status))
	return nil
}

func (m *memStore) ListPushForDevice(_ context.Context, deviceID string) ([]*PushEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PushEntry
	for _, p := range m.push {
		if p.DeviceID == deviceID {
			out = append(out, p)
		}
	}
	return out, nil
}

type stubMCP struct {
	match bool
	reply string
	err   error
}

func (s stubMCP) Matches(string) bool { return s.match }
func (s stubMCP) Invoke(context.Context, string, map[string]any) (string, error) {
	return s.reply, s.err
}

type stubGeneral struct {
	reply string
	err   error
	delay time.Duration
}

func (s stubGeneral) Invoke(ctx context.Context, goal string, args map[string]any) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func waitTerminal(t *testing.T, tk *Task) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s := tk.Status(); s.Terminal() {
			return s
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for terminal status")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExecuteMCPToolSucceeds(t *testing.T) {
	ex := New(Config{
		MCPTools: []MCPTool{stubMCP{match: true, reply: "found your keys"}},
		General:  stubGeneral{reply: "should not be used"},
		Store:    newMemStore(),
	})
	tk := ex.Execute(context.Background(), Spec{Goal: "find my keys", TimeoutSeconds: 2})
	if status := waitTerminal(t, tk); status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", status, tk.Message())
	}
	if tk.Message() != "found your keys" {
		t.Fatalf("unexpected message: %q", tk.Message())
	}
}

func TestExecuteFallsBackToGeneralToolOnMCPFailure(t *testing.T) {
	ex := New(Config{
		MCPTools: []MCPTool{stubMCP{match: true, err: fmt.Errorf("mcp unavailable")}},
		General:  stubGeneral{reply: "fallback result"},
		Store:    newMemStore(),
	})
	tk := ex.Execute(context.Background(), Spec{Goal: "set a timer", TimeoutSeconds: 2})
	if status := waitTerminal(t, tk); status != StatusSuccess {
		t.Fatalf("expected success via fallback, got %s", status)
	}
	if tk.Message() != "fallback result" {
		t.Fatalf("unexpected message: %q", tk.Message())
	}
}

func TestExecuteNoMatchingToolUsesGeneral(t *testing.T) {
	ex := New(Config{
		MCPTools: []MCPTool{stubMCP{match: false}},
		General:  stubGeneral{reply: "handled generically"},
		Store:    newMemStore(),
	})
	tk := ex.Execute(context.Background(), Spec{Goal: "something obscure", TimeoutSeconds: 2})
	if status := waitTerminal(t, tk); status != StatusSuccess {
		t.Fatalf("expected success, got %s", status)
	}
}

func TestExecuteGeneralToolFailureMarksFailed(t *testing.T) {
	ex := New(Config{
		General: stubGeneral{err: fmt.Errorf("boom")},
		Store:   newMemStore(),
	})
	tk := ex.Execute(context.Background(), Spec{Goal: "anything", TimeoutSeconds: 2})
	if status := waitTerminal(t, tk); status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
}

func TestExecuteTimeoutMarksTimeout(t *testing.T) {
	ex := New(Config{
		General: stubGeneral{reply: "too slow", delay: 2 * time.Second},
		Store:   newMemStore(),
	})
	// TimeoutSeconds is whole seconds: a 1 s deadline against a 2 s tool call.
	tk := ex.Execute(context.Background(), Spec{Goal: "slow task", TimeoutSeconds: 1})

	if status := waitTerminal(t, tk); status != StatusTimeout {
		t.Fatalf("expected timeout, got %s", status)
	}
}

func TestExecuteInterruptPreviousCancelsOlderTask(t *testing.T) {
	ex := New(Config{
		General: stubGeneral{reply: "slow", delay: 500 * time.Millisecond},
		Store:   newMemStore(),
	})
	first := ex.Execute(context.Background(), Spec{DeviceID: "dev1", Goal: "first", TimeoutSeconds: 5})
	time.Sleep(20 * time.Millisecond)
	second := ex.Execute(context.Background(), Spec{DeviceID: "dev1", Goal: "second", InterruptPrevious: true, TimeoutSeconds: 5})

	if status := waitTerminal(t, first); status != StatusCanceled {
		t.Fatalf("expected first task canceled, got %s", status)
	}
	_ = second
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	ex := New(Config{Store: newMemStore()})
	if ex.Cancel(context.Background(), "nope", "reason") {
		t.Fatal("expected Cancel on unknown task to return false")
	}
}

func TestNotifyDeliversAndClearsPushQueue(t *testing.T) {
	store := newMemStore()
	delivered := make(chan struct{}, 4)
	ex := New(Config{
		General: stubGeneral{reply: "ok"},
		Store:   store,
		Push: func(ctx context.Context, deviceID, taskID string, status Status, message string, speak bool) error {
			delivered <- struct{}{}
			return nil
		},
	})
	tk := ex.Execute(context.Background(), Spec{DeviceID: "dev1", Goal: "notify me", Notify: true, TimeoutSeconds: 2})
	waitTerminal(t, tk)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("expected at least one push delivery")
	}
}

func TestRecoverTimesOutPastDeadlineTasks(t *testing.T) {
	store := newMemStore()
	store.tasks["t-old"] = &Record{
		TaskID: "t-old", DeviceID: "dev1", Status: StatusRunning,
		DeadlineUnix: time.Now().Add(-time.Minute).UnixNano(),
	}
	ex := New(Config{Store: store, General: stubGeneral{reply: "ok"}})
	if err := ex.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	rec, err := store.LoadTask(context.Background(), "t-old")
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if rec.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %s", rec.Status)
	}
}
