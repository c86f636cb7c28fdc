// Package ingest implements the Ingest Queue (C7): a bounded queue, a fixed
// worker pool, and an overflow policy for image jobs headed to the Vision
// Pipeline.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iflabx/opencane/pkg/opencane/errs"
	"github.com/iflabx/opencane/pkg/opencane/logging"
	"github.com/iflabx/opencane/pkg/opencane/observability"
)

// OverflowPolicy selects Queue's behavior when Enqueue is called at
// capacity.
type OverflowPolicy int

const (
	PolicyReject OverflowPolicy = iota
	PolicyWait
	PolicyDropOldest
)

// DefaultCapacity and DefaultWorkers match spec §4.7's defaults.
const (
	DefaultCapacity = 128
	DefaultWorkers  = 4
)

// Job is an image awaiting processing. Status and DHash are mutated only by
// the worker that owns the job, per spec §3's ImageJob ownership rule.
type Job struct {
	JobID      string
	SessionID  string
	DeviceID   string
	Bytes      []byte
	Mime       string
	Question   string
	EnqueuedAt time.Time

	startedAt time.Time
	started   bool
	canceled  bool
	mu        sync.Mutex
}

// MarkStarted records that a worker has begun processing the job,
// atomically checking the cancellation flag set by Queue.CancelSession.
// Returns false if the job was canceled before it started.
func (j *Job) MarkStarted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.canceled {
		return false
	}
	j.started = true
	j.startedAt = time.Now()
	return true
}

// Handler processes one Job. Errors are counted as failures but never
// block the queue (spec §4.8 failure semantics).
type Handler func(ctx context.Context, job *Job) error

// Config configures a Queue.
type Config struct {
	Capacity int
	Workers  int
	Overflow OverflowPolicy
	Logger   logging.Logger
	Metrics  *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	return c
}

// Queue is the bounded ingest queue plus worker pool.
type Queue struct {
	cfg     Config
	handler Handler

	mu          sync.Mutex
	items       []*Job // ordering buffer, also used for drop_oldest/wait bookkeeping
	bySession   map[string][]*Job
	rejected    uint64
	dropped     uint64
	failed      uint64

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewQueue constructs a Queue and starts its worker pool. handler is called
// once per job by whichever worker dequeues it.
func NewQueue(cfg Config, handler Handler) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:       cfg,
		handler:   handler,
		bySession: make(map[string][]*Job),
		notify:    make(chan struct{}, cfg.Workers),
		done:      make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue admits bytes for processing. job_id and enqueued_at are assigned
// here; the returned Job is owned by the queue/worker until the handler
// returns.
func (q *Queue) Enqueue(ctx context.Context, sessionID, deviceID string, data []byte, mime, question string) (*Job, error) {
	job := &Job{
		JobID:      uuid.NewString(),
		SessionID:  sessionID,
		DeviceID:   deviceID,
		Bytes:      data,
		Mime:       mime,
		Question:   question,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if len(q.items) >= q.cfg.Capacity {
		switch q.cfg.Overflow {
		case PolicyReject:
			q.rejected++
			q.updateDepthLocked()
			q.mu.Unlock()
			if q.cfg.Metrics != nil {
				q.cfg.Metrics.IngestRejected.Inc()
			}
			return nil, fmt.Errorf("ingest: %w", errs.ErrQueueFull)
		case PolicyDropOldest:
			oldest := q.items[0]
			q.items = q.items[1:]
			q.removeFromSessionLocked(oldest)
			q.dropped++
			if q.cfg.Metrics != nil {
				q.cfg.Metrics.IngestDropped.Inc()
			}
		case PolicyWait:
			// fall through to append past capacity; Enqueue blocks the
			// caller below until a slot frees, per spec's "wait" policy.
		}
	}
	q.items = append(q.items, job)
	q.bySession[sessionID] = append(q.bySession[sessionID], job)
	q.updateDepthLocked()
	q.mu.Unlock()

	if q.cfg.Overflow == PolicyWait {
		for {
			q.mu.Lock()
			depth := len(q.items)
			q.mu.Unlock()
			if depth <= q.cfg.Capacity {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return job, nil
}

func (q *Queue) updateDepthLocked() {
	if q.cfg.Metrics == nil {
		return
	}
	depth := len(q.items)
	q.cfg.Metrics.IngestDepth.Set(float64(depth))
	q.cfg.Metrics.IngestUtilization.Set(float64(depth) / float64(q.cfg.Capacity))
}

func (q *Queue) removeFromSessionLocked(job *Job) {
	list := q.bySession[job.SessionID]
	for i, j := range list {
		if j == job {
			q.bySession[job.SessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (q *Queue) dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	job := q.items[0]
	q.items = q.items[1:]
	q.removeFromSessionLocked(job)
	q.updateDepthLocked()
	return job
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		for {
			job := q.dequeue()
			if job == nil {
				break
			}
			if !job.MarkStarted() {
				continue // canceled before it started
			}
			start := time.Now()
			ctx, cancel := context.WithCancel(context.Background())
			err := q.handler(ctx, job)
			cancel()
			if q.cfg.Metrics != nil {
				q.cfg.Metrics.ObserveProcessing(time.Since(start))
				if err != nil {
					q.cfg.Metrics.IngestFailed.Inc()
				}
			}
			if err != nil {
				q.mu.Lock()
				q.failed++
				q.mu.Unlock()
				q.cfg.Logger.Warn("ingest: job failed", "job_id", job.JobID, "err", err)
			}
		}
	}
}

// CancelSession marks every not-yet-started job belonging to sessionID as
// canceled; in-flight jobs run to completion, per spec §4.7.
func (q *Queue) CancelSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.bySession[sessionID] {
		job.mu.Lock()
		if !job.started {
			job.canceled = true
		}
		job.mu.Unlock()
	}
}

// Stats is the observable metrics surface of spec §4.7.
type Stats struct {
	Depth             int
	Utilization       float64
	Rejected          uint64
	Dropped           uint64
	Failed            uint64
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := len(q.items)
	return Stats{
		Depth:       depth,
		Utilization: float64(depth) / float64(q.cfg.Capacity),
		Rejected:    q.rejected,
		Dropped:     q.dropped,
		Failed:      q.failed,
	}
}

// Shutdown stops accepting new dispatch notifications and waits up to
// grace for in-flight workers to drain before returning.
func (q *Queue) Shutdown(grace time.Duration) {
	close(q.done)
	stopped := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grace):
	}
}
