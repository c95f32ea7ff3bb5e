// Package queue implements a visibility timeout queue backed by SQLite.
//
// The collection pipeline uses named queues in one table: "source_checks"
// carries fetch tasks, "workflows" carries threat hunting handoffs consumed
// by an external engine, "maintenance" carries periodic upkeep tasks, and
// "default" everything else.
//
// Rows are invisible to consumers for a configurable duration after being
// claimed. A worker that finishes acks (deletes) the row; a worker that
// fails nacks it with a delay so it reappears later; a worker that crashes
// simply lets the visibility timeout lapse and the row reappears on its own.
// That last property is what makes task execution at-least-once: handlers
// must be idempotent, which the store guarantees through unique constraints.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS queue_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_jobs (queue, visible_at);
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/chasse/idgen"
)

// Well-known queue names.
const (
	SourceChecks = "source_checks"
	Workflows    = "workflows"
	Maintenance  = "maintenance"
	Default      = "default"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues coexist in the same
	// table. Default: "default".
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	// Consumers of slow tasks should size this above their worst case or
	// call Extend while working.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loops.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits deliveries of one job before it is discarded.
	// Default: 4 (one initial attempt plus three retries). 0 means
	// unlimited.
	MaxAttempts int
	// RetryBase and RetryMax bound the redelivery backoff. A job that has
	// failed n times becomes visible again after min(RetryBase<<(n-1),
	// RetryMax). Defaults: 1s and 8s.
	RetryBase time.Duration
	RetryMax  time.Duration
	// MaxDepth caps the number of jobs in this queue. Enqueue blocks while
	// the queue is full and gives up when its context expires. 0 means
	// unbounded.
	MaxDepth int
	// NewID generates job IDs. Default: idgen.Default (UUIDv7).
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Queue == "" {
		o.Queue = Default
	}
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 4
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 8 * time.Second
	}
	if o.NewID == nil {
		o.NewID = idgen.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ErrFull is returned by Enqueue when the queue stays at MaxDepth until the
// context expires.
var ErrFull = errors.New("queue: full")

// Q is a handle bound to one named queue.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Name returns the queue name this handle is bound to.
func (q *Q) Name() string { return q.opts.Queue }

// EnsureTable creates the queue_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_jobs (queue, visible_at);
	`)
	return err
}

// Enqueue inserts an immediately visible job and returns its ID. When the
// queue is bounded and full, Enqueue waits for room until ctx expires.
// The depth check is advisory: concurrent producers can overshoot briefly.
func (q *Q) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if q.opts.MaxDepth > 0 {
		for {
			n, err := q.Len(ctx)
			if err != nil {
				return "", err
			}
			if n < q.opts.MaxDepth {
				break
			}
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %s has %d jobs: %v", ErrFull, q.opts.Queue, n, ctx.Err())
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	id := q.opts.NewID()
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue on %s: %w", q.opts.Queue, err)
	}
	return id, nil
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil if no
// job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when no jobs are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return jobs, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack schedules a failed job for redelivery after delay. Zero delay makes
// it immediately visible.
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration) error {
	visibleAt := int64(0)
	if delay > 0 {
		visibleAt = time.Now().Add(delay).UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		visibleAt, id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue,
	)
	return err
}

// Purge deletes all jobs in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE queue = ?`, q.opts.Queue,
	)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// RetryDelay returns the redelivery backoff for a job on its nth attempt:
// 1s, 2s, 4s, 8s with the default options.
func (q *Q) RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.opts.RetryBase << (attempts - 1)
	if d > q.opts.RetryMax || d <= 0 {
		d = q.opts.RetryMax
	}
	return d
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack with
// backoff.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each one, single file.
// It blocks until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("queue: consumer started",
		"queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("queue: claim failed", "error", err, "queue", q.opts.Queue)
			}
			return
		}
		if job == nil {
			return
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("queue: job exhausted retries, discarding",
				"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
			_ = q.Ack(ctx, job.ID)
			continue
		}

		if err := handler(ctx, job); err != nil {
			delay := q.RetryDelay(job.Attempts)
			log.Warn("queue: handler failed, redelivering",
				"id", job.ID, "error", err, "delay", delay, "queue", q.opts.Queue)
			_ = q.Nack(ctx, job.ID, delay)
		} else {
			_ = q.Ack(ctx, job.ID)
		}
	}
}

// RunBatch polls in batches and processes jobs with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning. Jobs claimed but not yet started when the context ends are
// nacked for immediate redelivery elsewhere.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("queue: batch consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: batch consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("queue: batch consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("queue: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for _, job := range jobs {
				if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
					log.Warn("queue: job exhausted retries, discarding",
						"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
					_ = q.Ack(ctx, job.ID)
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(context.Background(), job.ID, 0)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()

					if err := handler(ctx, j); err != nil {
						delay := q.RetryDelay(j.Attempts)
						log.Warn("queue: handler failed, redelivering",
							"id", j.ID, "error", err, "delay", delay, "queue", q.opts.Queue)
						_ = q.Nack(context.Background(), j.ID, delay)
					} else {
						_ = q.Ack(context.Background(), j.ID)
					}
				}(job)
			}
		}
	}
}
