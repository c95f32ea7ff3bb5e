package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/chasse/dbopen"
	"github.com/hazyhaar/chasse/queue"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB, opts queue.Options) *queue.Q {
	t.Helper()
	q := queue.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueAndClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Queue: queue.SourceChecks, Visibility: time.Second})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != id {
		t.Fatalf("got id %q, want %q", job.ID, id)
	}
	if string(job.Payload) != "hello" {
		t.Fatalf("got payload %q, want hello", string(job.Payload))
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil while the job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestAck(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: time.Second})
	ctx := context.Background()

	q.Enqueue(ctx, nil)
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("queue should be empty after ack, got %d", n)
	}
}

func TestNackImmediate(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Enqueue(ctx, []byte("retry-me"))
	job, _ := q.Claim(ctx)

	if err := q.Nack(ctx, job.ID, 0); err != nil {
		t.Fatal(err)
	}

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("expected job after nack")
	}
	if job2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job2.Attempts)
	}
}

func TestNackDelay(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Enqueue(ctx, nil)
	job, _ := q.Claim(ctx)

	if err := q.Nack(ctx, job.ID, 80*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// Still invisible during the backoff window.
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job should be invisible during backoff")
	}

	time.Sleep(120 * time.Millisecond)

	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil {
		t.Fatal("job should have reappeared after backoff")
	}
}

func TestVisibilityTimeout(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, nil)
	q.Claim(ctx)

	if job, _ := q.Claim(ctx); job != nil {
		t.Fatal("job should be invisible")
	}

	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should have reappeared")
	}
	if job.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job.Attempts)
	}
}

func TestExtend(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, nil)
	job, _ := q.Claim(ctx)

	if err := q.Extend(ctx, job.ID, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)

	if job2, _ := q.Claim(ctx); job2 != nil {
		t.Fatal("job should still be invisible after extend")
	}
}

func TestRetryDelay(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{})

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for i, w := range want {
		if got := q.RetryDelay(i + 1); got != w {
			t.Errorf("RetryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestMaxAttemptsDiscards(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{
		Visibility:   10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q.Enqueue(ctx, nil)

	for i := 0; i < 2; i++ {
		time.Sleep(15 * time.Millisecond)
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			t.Fatalf("expected job on attempt %d", i+1)
		}
		q.Nack(ctx, job.ID, 0)
	}

	// Next delivery has attempts=3 > MaxAttempts=2, so Run discards it
	// without invoking the handler.
	var handled bool
	var wg sync.WaitGroup
	wg.Add(1)
	runCtx, runCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer runCancel()
	go func() {
		defer wg.Done()
		q.Run(runCtx, func(_ context.Context, j *queue.Job) error {
			handled = true
			return nil
		})
	}()
	wg.Wait()

	if handled {
		t.Fatal("handler should not run for a job past its retry budget")
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("discarded job should be deleted, got len=%d", n)
	}
}

func TestNamedQueuesIsolated(t *testing.T) {
	db := openDB(t)
	checks := newQ(t, db, queue.Options{Queue: queue.SourceChecks, Visibility: time.Second})
	flows := newQ(t, db, queue.Options{Queue: queue.Workflows, Visibility: time.Second})
	ctx := context.Background()

	idA, _ := checks.Enqueue(ctx, []byte("check"))
	idB, _ := flows.Enqueue(ctx, []byte("trigger"))

	j1, _ := checks.Claim(ctx)
	j2, _ := flows.Claim(ctx)

	if j1 == nil || j1.ID != idA {
		t.Fatal("source_checks should get its own job")
	}
	if j2 == nil || j2.ID != idB {
		t.Fatal("workflows should get its own job")
	}

	if j, _ := checks.Claim(ctx); j != nil {
		t.Fatal("source_checks should not see workflow jobs")
	}
}

func TestEnqueueBounded(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{MaxDepth: 2})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, nil); err != nil {
		t.Fatal(err)
	}

	// Queue is full; a bounded enqueue gives up when its context expires.
	full, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err := q.Enqueue(full, nil)
	if !errors.Is(err, queue.ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}

	// Draining one job makes room again.
	job, _ := q.Claim(ctx)
	q.Ack(ctx, job.ID)
	if _, err := q.Enqueue(ctx, nil); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
}

func TestRunConsumer(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	q.Enqueue(ctx, []byte("one"))
	q.Enqueue(ctx, []byte("two"))
	q.Enqueue(ctx, []byte("three"))

	var mu sync.Mutex
	var got []string

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *queue.Job) error {
		mu.Lock()
		got = append(got, string(j.Payload))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			cancel()
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 jobs, got %d: %v", len(got), got)
	}
}

func TestRunHandlerErrorRedelivers(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{
		Visibility:   50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		RetryBase:    20 * time.Millisecond,
	})
	ctx := context.Background()

	q.Enqueue(ctx, nil)

	var mu sync.Mutex
	attempts := 0

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *queue.Job) error {
		mu.Lock()
		attempts++
		a := attempts
		mu.Unlock()
		if a == 1 {
			return errors.New("transient failure")
		}
		cancel()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestPurge(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{})
	ctx := context.Background()

	q.Enqueue(ctx, nil)
	q.Enqueue(ctx, nil)

	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("expected 0 after purge, got %d", n)
	}
}

func TestBatchClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: time.Second})
	ctx := context.Background()

	for range 5 {
		q.Enqueue(ctx, nil)
	}

	jobs, err := q.BatchClaim(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}

	remaining, _ := q.Len(ctx)
	if remaining != 5 {
		t.Fatalf("total jobs should still be 5, got %d", remaining)
	}

	jobs2, err := q.BatchClaim(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs2) != 2 {
		t.Fatalf("expected 2 remaining jobs, got %d", len(jobs2))
	}
}

func TestBatchClaimEmpty(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: time.Second})
	ctx := context.Background()

	jobs, err := q.BatchClaim(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if jobs == nil {
		t.Fatal("expected non-nil empty slice")
	}
	if len(jobs) != 0 {
		t.Fatalf("expected 0 jobs, got %d", len(jobs))
	}
}

func TestRunBatch(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{
		Visibility:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	const total = 10
	for range total {
		q.Enqueue(ctx, nil)
	}

	var processed atomic.Int32

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q.RunBatch(runCtx, 5, 3, func(_ context.Context, j *queue.Job) error {
		if processed.Add(1) >= total {
			cancel()
		}
		return nil
	})

	got := int(processed.Load())
	if got != total {
		t.Fatalf("expected %d processed, got %d", total, got)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("expected 0 remaining, got %d", n)
	}
}

func TestRunBatchConcurrencyBound(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{
		Visibility:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	const total = 10
	const maxConc = 2

	for range total {
		q.Enqueue(ctx, nil)
	}

	var current atomic.Int32
	var peak atomic.Int32
	var processed atomic.Int32

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q.RunBatch(runCtx, 5, maxConc, func(_ context.Context, j *queue.Job) error {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)

		current.Add(-1)
		if processed.Add(1) >= total {
			cancel()
		}
		return nil
	})

	got := int(processed.Load())
	if got != total {
		t.Fatalf("expected %d processed, got %d", total, got)
	}

	p := int(peak.Load())
	if p > maxConc {
		t.Fatalf("peak concurrency = %d, exceeds bound %d", p, maxConc)
	}
}
