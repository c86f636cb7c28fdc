package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iflabx/opencane/pkg/opencane/errs"
	"github.com/iflabx/opencane/pkg/opencane/logging"
)

func TestQueueRejectAtCapacity(t *testing.T) {
	var processed atomic.Int32
	block := make(chan struct{})
	q := NewQueue(Config{Capacity: 2, Workers: 1, Overflow: PolicyReject, Logger: logging.Nop()}, func(ctx context.Context, j *Job) error {
		<-block
		processed.Add(1)
		return nil
	})
	defer close(block)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "s1", "dev-001", []byte("a"), "image/jpeg", ""); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	// give the worker a moment to dequeue the first job; while it is in
	// flight it no longer counts toward depth
	time.Sleep(20 * time.Millisecond)
	if _, err := q.Enqueue(ctx, "s1", "dev-001", []byte("b"), "image/jpeg", ""); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if _, err := q.Enqueue(ctx, "s1", "dev-001", []byte("c"), "image/jpeg", ""); err != nil {
		t.Fatalf("enqueue 3: %v", err)
	}
	if _, err := q.Enqueue(ctx, "s1", "dev-001", []byte("d"), "image/jpeg", ""); err == nil {
		t.Fatal("expected QueueFull at capacity")
	} else if !errors.Is(err, errs.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestQueueProcessesJobs(t *testing.T) {
	results := make(chan string, 4)
	q := NewQueue(Config{Capacity: 8, Workers: 2, Logger: logging.Nop()}, func(ctx context.Context, j *Job) error {
		results <- j.JobID
		return nil
	})
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "s1", "dev-001", []byte("x"), "image/jpeg", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case got := <-results:
		if got != job.JobID {
			t.Fatalf("got %s, want %s", got, job.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("job never processed")
	}
}

func TestCancelSessionSkipsNotYetStarted(t *testing.T) {
	gate := make(chan struct{})
	ran := make(chan string, 4)
	q := NewQueue(Config{Capacity: 8, Workers: 1, Logger: logging.Nop()}, func(ctx context.Context, j *Job) error {
		<-gate
		ran <- j.JobID
		return nil
	})
	ctx := context.Background()
	first, _ := q.Enqueue(ctx, "s1", "dev-001", []byte("a"), "image/jpeg", "")
	_, _ = q.Enqueue(ctx, "s1", "dev-001", []byte("b"), "image/jpeg", "")

	time.Sleep(20 * time.Millisecond) // let worker pick up "first"
	q.CancelSession("s1")
	close(gate)

	select {
	case got := <-ran:
		if got != first.JobID {
			t.Fatalf("expected only the started job %s to run, got %s", first.JobID, got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the in-flight job to still complete")
	}
	select {
	case got := <-ran:
		t.Fatalf("unexpected second job ran: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}
