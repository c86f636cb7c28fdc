package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/iflabx/opencane/pkg/opencane/logging"
	"github.com/iflabx/opencane/pkg/opencane/observability"
)

// DefaultMaxConcurrentTasks and retry defaults match spec §4.9.
const (
	DefaultMaxConcurrentTasks  = 4
	DefaultStatusRetryCount    = 5
	DefaultStatusRetryBackoff  = 500 * time.Millisecond
)

// MCPTool is a capability-matched tool attempted first for a goal.
type MCPTool interface {
	// Matches reports whether this tool can plausibly satisfy goal.
	Matches(goal string) bool
	// Invoke runs the tool, returning a human-readable result message.
	Invoke(ctx context.Context, goal string, args map[string]any) (string, error)
}

// GeneralTool is the fallback path (web/exec) invoked when no MCP tool
// matches, or the matched MCP tool's invocation did not succeed.
type GeneralTool interface {
	Invoke(ctx context.Context, goal string, args map[string]any) (string, error)
}

// Push is invoked on every status transition when Spec.Notify is true; it
// is expected to enqueue a task_update command and, if speak is true, a
// tts_chunk (through the safety gate). Push itself must not block the
// executor — retries are the executor's responsibility.
type Push func(ctx context.Context, deviceID, taskID string, status Status, message string, speak bool) error

// Config configures an Executor.
type Config struct {
	MaxConcurrentTasks   int
	StatusRetryCount     int
	StatusRetryBackoff   time.Duration
	MCPTools             []MCPTool
	General              GeneralTool
	Store                Store
	Push                 Push
	Logger               logging.Logger
	Metrics              *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.StatusRetryCount == 0 {
		c.StatusRetryCount = DefaultStatusRetryCount
	}
	if c.StatusRetryBackoff == 0 {
		c.StatusRetryBackoff = DefaultStatusRetryBackoff
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	return c
}

// Executor is the C9 handler.
type Executor struct {
	cfg Config

	sem chan struct{}

	mu          sync.Mutex
	byID        map[string]*Task
	byDevice    map[string]*Task // non-terminal task per device, for interrupt_previous
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
		byID:     make(map[string]*Task),
		byDevice: make(map[string]*Task),
	}
}

// Recover loads non-terminal tasks from the Store at startup: those whose
// deadline has already passed transition to timeout; the rest resume.
func (e *Executor) Recover(ctx context.Context) error {
	if e.cfg.Store == nil {
		return nil
	}
	records, err := e.cfg.Store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("task: recover: %w", err)
	}
	now := time.Now()
	for _, r := range records {
		if r.Status.Terminal() {
			continue
		}
		if r.DeadlineUnix != 0 && now.After(time.Unix(0, r.DeadlineUnix)) {
			r.Status = StatusTimeout
			r.UpdatedAt = now
			_ = e.cfg.Store.SaveTask(ctx, r)
			continue
		}
		spec := Spec{
			TaskID: r.TaskID, SessionID: r.SessionID, DeviceID: r.DeviceID,
			Goal: r.Goal, Notify: r.Notify, Speak: r.Speak, TimeoutSeconds: r.TimeoutSeconds,
		}
		e.Execute(context.Background(), spec)
	}
	return nil
}

// Execute starts a task asynchronously and returns immediately with a
// Task handle reflecting its current (possibly still-pending) status.
func (e *Executor) Execute(ctx context.Context, spec Spec) *Task {
	if spec.TaskID == "" {
		spec.TaskID = uuid.NewString()
	}

	if spec.InterruptPrevious && spec.DeviceID != "" {
		e.interruptPrevious(ctx, spec.DeviceID, "interrupt_previous")
	}

	t := &Task{Spec: spec, status: StatusPending}
	e.mu.Lock()
	e.byID[spec.TaskID] = t
	if spec.DeviceID != "" {
		e.byDevice[spec.DeviceID] = t
	}
	e.mu.Unlock()

	e.persist(ctx, t)
	e.notify(ctx, t)

	go e.run(t)
	return t
}

func (e *Executor) interruptPrevious(ctx context.Context, deviceID, reason string) {
	e.mu.Lock()
	prev, ok := e.byDevice[deviceID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if prev.Status().Terminal() {
		return
	}
	e.Cancel(ctx, prev.TaskID, reason)
}

// Cancel transitions taskID to canceled and cancels its in-flight tool
// call, if any.
func (e *Executor) Cancel(ctx context.Context, taskID, reason string) bool {
	e.mu.Lock()
	t, ok := e.byID[taskID]
	e.mu.Unlock()
	if !ok || t.Status().Terminal() {
		return false
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.message = reason
	t.mu.Unlock()
	e.finish(ctx, t, StatusCanceled, reason)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.TaskCanceled.Inc()
	}
	return true
}

// Get returns the Task handle for taskID, if known.
func (e *Executor) Get(taskID string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.byID[taskID]
	return t, ok
}

func (e *Executor) run(t *Task) {
	select {
	case e.sem <- struct{}{}:
	default:
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.TaskPending.Inc()
		}
		e.sem <- struct{}{}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.TaskPending.Dec()
		}
	}
	defer func() { <-e.sem }()

	if t.Status().Terminal() {
		// Canceled while waiting for a concurrency slot.
		return
	}

	deadline := time.Duration(t.TimeoutSeconds) * time.Second
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	t.mu.Lock()
	t.cancel = cancel
	t.deadline = time.Now().Add(deadline)
	t.mu.Unlock()
	defer cancel()

	e.transition(ctx, t, StatusRunning, "")
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.TaskActive.Inc()
		defer e.cfg.Metrics.TaskActive.Dec()
	}

	msg, err := e.invoke(ctx, t)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		e.finish(ctx, t, StatusTimeout, "task timed out")
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.TaskTimeout.Inc()
		}
	case ctx.Err() == context.Canceled:
		// Cancel() already finished the task.
	case err != nil:
		e.finish(ctx, t, StatusFailed, err.Error())
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.TaskFailed.Inc()
		}
	default:
		e.finish(ctx, t, StatusSuccess, msg)
	}
}

// invoke runs the two-stage MCP-first, general-fallback strategy.
func (e *Executor) invoke(ctx context.Context, t *Task) (string, error) {
	args, err := t.stepArgs()
	if err != nil {
		return "", err
	}

	for _, mcp := range e.cfg.MCPTools {
		if !mcp.Matches(t.Goal) {
			continue
		}
		msg, err := mcp.Invoke(ctx, t.Goal, args)
		if err == nil {
			return msg, nil
		}
		e.cfg.Logger.Warn("task: mcp tool failed, falling back", "task_id", t.TaskID, "err", err)
		break
	}

	if e.cfg.General == nil {
		return "", fmt.Errorf("task: no general tool configured for fallback")
	}
	return e.cfg.General.Invoke(ctx, t.Goal, args)
}

// stepArgs folds Steps into a single argument map, applying each step's
// InputJQ expression (if any) against the context accumulated so far.
func (t *Task) stepArgs() (map[string]any, error) {
	ctxVal := map[string]any{"goal": t.Goal, "steps": map[string]any{}}
	for _, step := range t.Steps {
		stepOut := map[string]any(step.Args)
		if step.InputJQ != "" {
			transformed, err := applyJQ(step.InputJQ, ctxVal)
			if err != nil {
				return nil, fmt.Errorf("task: step %s: %w", step.ID, err)
			}
			if m, ok := transformed.(map[string]any); ok {
				stepOut = m
			}
		}
		ctxVal["steps"].(map[string]any)[step.ID] = stepOut
	}
	if len(t.Steps) == 0 {
		return map[string]any{}, nil
	}
	last := t.Steps[len(t.Steps)-1]
	if out, ok := ctxVal["steps"].(map[string]any)[last.ID].(map[string]any); ok {
		return out, nil
	}
	return map[string]any{}, nil
}

func applyJQ(expr string, input any) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse jq: %w", err)
	}
	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("jq produced no output")
	}
	if errVal, ok := v.(error); ok {
		return nil, errVal
	}
	return v, nil
}

func (e *Executor) transition(ctx context.Context, t *Task, status Status, message string) {
	t.setStatus(status)
	t.mu.Lock()
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	e.persist(ctx, t)
	e.notify(ctx, t)
}

func (e *Executor) finish(ctx context.Context, t *Task, status Status, message string) {
	e.transition(ctx, t, status, message)
	e.mu.Lock()
	if cur, ok := e.byDevice[t.DeviceID]; ok && cur == t {
		delete(e.byDevice, t.DeviceID)
	}
	e.mu.Unlock()
}

func (e *Executor) persist(ctx context.Context, t *Task) {
	if e.cfg.Store == nil {
		return
	}
	t.mu.Lock()
	rec := &Record{
		TaskID: t.TaskID, SessionID: t.SessionID, DeviceID: t.DeviceID, Goal: t.Goal,
		Status: t.status, Notify: t.Notify, Speak: t.Speak, TimeoutSeconds: t.TimeoutSeconds,
		UpdatedAt: time.Now(), ResultMessage: t.message,
	}
	if !t.deadline.IsZero() {
		rec.DeadlineUnix = t.deadline.UnixNano()
	}
	t.mu.Unlock()
	if err := e.cfg.Store.SaveTask(ctx, rec); err != nil {
		e.cfg.Logger.Warn("task: persist failed", "task_id", t.TaskID, "err", err)
	}
}

// notify enqueues a push-queue entry and attempts immediate delivery with
// retry-with-backoff; entries that exhaust retries remain queued and
// replay on the device's next hello (handled by ReplayPending).
func (e *Executor) notify(ctx context.Context, t *Task) {
	if !t.Notify || t.DeviceID == "" || e.cfg.Push == nil {
		return
	}
	status := t.Status()
	message := t.Message()
	entry := &PushEntry{DeviceID: t.DeviceID, TaskID: t.TaskID, Status: status, Message: message, Speak: t.Speak, EnqueuedAt: time.Now()}
	if e.cfg.Store != nil {
		_ = e.cfg.Store.SavePush(ctx, entry)
	}
	go e.deliver(ctx, entry)
}

func (e *Executor) deliver(ctx context.Context, entry *PushEntry) {
	backoff := e.cfg.StatusRetryBackoff
	for attempt := 0; attempt < e.cfg.StatusRetryCount; attempt++ {
		if err := e.cfg.Push(ctx, entry.DeviceID, entry.TaskID, entry.Status, entry.Message, entry.Speak); err == nil {
			if e.cfg.Store != nil {
				_ = e.cfg.Store.DeletePush(ctx, entry.DeviceID, entry.TaskID, entry.Status)
			}
			return
		}
		entry.Attempts++
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	// Retries exhausted: the entry remains in the push queue and replays on
	// the device's next hello.
}

// ReplayPending delivers every queued push entry for deviceID, used when a
// device reconnects via hello.
func (e *Executor) ReplayPending(ctx context.Context, deviceID string) {
	if e.cfg.Store == nil || e.cfg.Push == nil {
		return
	}
	entries, err := e.cfg.Store.ListPushForDevice(ctx, deviceID)
	if err != nil {
		e.cfg.Logger.Warn("task: list pending pushes failed", "device_id", deviceID, "err", err)
		return
	}
	for _, entry := range entries {
		go e.deliver(ctx, entry)
	}
}
