// Package ingest is the orchestration layer of the collection pipeline:
// it owns the databases, the task queues, the polite HTTP client, the
// check/process pipeline, and the scheduler, and exposes the operations
// the CLI and MCP surface call.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/chasse/dbopen"
	"github.com/hazyhaar/chasse/ingest/internal/fetch"
	"github.com/hazyhaar/chasse/ingest/internal/pipeline"
	"github.com/hazyhaar/chasse/ingest/internal/scheduler"
	"github.com/hazyhaar/chasse/ingest/internal/score"
	"github.com/hazyhaar/chasse/ingest/internal/store"
	"github.com/hazyhaar/chasse/queue"
	"github.com/hazyhaar/chasse/urlguard"
	"github.com/hazyhaar/chasse/watch"
)

// CheckOptions and CheckResult are the per-check knobs and outcome,
// re-exported for the CLI and MCP surface.
type (
	CheckOptions = pipeline.CheckOptions
	CheckResult  = pipeline.CheckResult
)

// enqueueWait bounds how long a blocked publish may wait on a bounded
// queue before the producer gives up for the cycle.
const enqueueWait = 10 * time.Second

// drainTimeout bounds the worker drain on shutdown.
const drainTimeout = 30 * time.Second

// Service wires the pipeline together.
type Service struct {
	cfg    Config
	logger *slog.Logger

	db      *sql.DB
	queueDB *sql.DB
	store   *store.Store

	checks    *queue.Q
	workflows *queue.Q
	maint     *queue.Q

	client    *fetch.Client
	keywords  *score.Keywords
	processor *pipeline.Processor
	checker   *pipeline.Checker
	scheduler *scheduler.Scheduler
}

// Option adjusts service construction.
type Option func(*buildOpts)

type buildOpts struct {
	validator urlguard.Validator
	keywords  *score.Keywords
}

// WithURLValidator overrides URL safety validation. Tests use it with
// urlguard.AllowAll to reach loopback httptest servers.
func WithURLValidator(v urlguard.Validator) Option {
	return func(o *buildOpts) { o.validator = v }
}

// WithKeywords overrides the threat keyword lists.
func WithKeywords(k *score.Keywords) Option {
	return func(o *buildOpts) { o.keywords = k }
}

// New opens the databases and builds the service. Close releases them.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	var bo buildOpts
	for _, opt := range opts {
		opt(&bo)
	}

	db, err := dbopen.Open(cfg.DatabaseURL, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("ingest: open database: %w", err)
	}
	st := store.New(db)
	if err := st.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest: init schema: %w", err)
	}

	queueDB := db
	if cfg.QueueURL != cfg.DatabaseURL {
		queueDB, err = dbopen.Open(cfg.QueueURL, dbopen.WithMkdirAll())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("ingest: open queue database: %w", err)
		}
	}

	svc := &Service{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		queueDB: queueDB,
		store:   st,
	}

	// Check jobs stay invisible for the worst-case check duration so a
	// crashed worker's job reappears instead of running twice early.
	svc.checks = queue.New(queueDB, queue.Options{
		Queue:      queue.SourceChecks,
		Visibility: 15 * time.Minute,
		MaxDepth:   1000,
		Logger:     logger,
	})
	svc.workflows = queue.New(queueDB, queue.Options{
		Queue:    queue.Workflows,
		MaxDepth: 1000,
		Logger:   logger,
	})
	svc.maint = queue.New(queueDB, queue.Options{
		Queue:      queue.Maintenance,
		Visibility: 5 * time.Minute,
		Logger:     logger,
	})
	ctx := context.Background()
	if err := svc.checks.EnsureTable(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("ingest: queue schema: %w", err)
	}

	fetchCfg := fetch.Config{
		Timeout:       cfg.RequestTimeout,
		MaxBytes:      cfg.MaxContentLength,
		UserAgent:     cfg.UserAgent,
		RatePerMinute: cfg.RatePerMinute,
		Validator:     bo.validator,
	}
	svc.client = fetch.New(fetchCfg)

	svc.keywords = bo.keywords
	if svc.keywords == nil {
		if cfg.KeywordsPath != "" {
			svc.keywords, err = score.LoadKeywords(cfg.KeywordsPath)
		} else {
			svc.keywords, err = score.DefaultKeywords()
		}
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("%w: keywords: %v", ErrConfig, err)
		}
	}

	trigger := func(ctx context.Context, payload []byte) error {
		return svc.enqueue(ctx, svc.workflows, payload)
	}
	svc.processor, err = pipeline.NewProcessor(st, svc.keywords, trigger, pipeline.ProcessorConfig{
		QualityThreshold:     cfg.QualityThreshold,
		AutoTriggerThreshold: cfg.AutoTriggerThreshold,
		MaxRawHTML:           int(cfg.MaxContentLength),
	}, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.checker = pipeline.NewChecker(st, svc.client, svc.processor, pipeline.CheckerConfig{}, logger)

	enqueueChecks := func(ctx context.Context, payload []byte) error {
		return svc.enqueue(ctx, svc.checks, payload)
	}
	enqueueMaint := func(ctx context.Context, payload []byte) error {
		return svc.enqueue(ctx, svc.maint, payload)
	}
	svc.scheduler = scheduler.New(st, enqueueChecks, enqueueMaint,
		scheduler.Config{Tick: cfg.SchedulerTick}, logger)

	return svc, nil
}

// Close releases the databases.
func (svc *Service) Close() error {
	var err error
	if svc.queueDB != nil && svc.queueDB != svc.db {
		err = errors.Join(err, svc.queueDB.Close())
	}
	if svc.db != nil {
		err = errors.Join(err, svc.db.Close())
	}
	return err
}

// enqueue publishes with the bounded-queue wait policy: block up to
// enqueueWait when full, then give up with queue.ErrFull.
func (svc *Service) enqueue(ctx context.Context, q *queue.Q, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, enqueueWait)
	defer cancel()
	_, err := q.Enqueue(ctx, payload)
	return err
}

// CheckSource runs one collection cycle for a single source.
func (svc *Service) CheckSource(ctx context.Context, sourceID string, opt CheckOptions) (*CheckResult, error) {
	res, err := svc.checker.CheckSource(ctx, sourceID, opt)
	if errors.Is(err, pipeline.ErrUnknownSource) {
		return nil, fmt.Errorf("%w: source %s", ErrNotFound, sourceID)
	}
	return res, err
}

// CollectAll runs one check cycle over every active source, sequentially.
// It returns the per-source results and ErrPartial when some sources
// failed while others succeeded.
func (svc *Service) CollectAll(ctx context.Context, opt CheckOptions) ([]*CheckResult, error) {
	sources, err := svc.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}

	var results []*pipeline.CheckResult
	var failed, succeeded int
	for _, src := range sources {
		if !src.Active || src.Health == store.HealthDisabledAuto {
			continue
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := svc.checker.CheckSource(ctx, src.Identifier, opt)
		if err != nil {
			if errors.Is(err, pipeline.ErrConcurrentCheck) {
				continue
			}
			failed++
			svc.logger.Warn("collect: source failed", "source_id", src.Identifier, "error", err)
			continue
		}
		succeeded++
		if res != nil {
			results = append(results, res)
		}
	}
	if failed > 0 && succeeded > 0 {
		return results, fmt.Errorf("%w: %d of %d sources failed", ErrPartial, failed, failed+succeeded)
	}
	if failed > 0 {
		return results, fmt.Errorf("ingest: all %d sources failed", failed)
	}
	return results, nil
}

// Run is the long-running daemon: scheduler beat, check and maintenance
// workers, and the source-config watcher. It blocks until ctx is done,
// then drains in-flight work for up to 30 seconds.
func (svc *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.scheduler.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.checks.RunBatch(runCtx, svc.cfg.Workers, svc.cfg.Workers, svc.handleCheckJob)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.maint.Run(runCtx, svc.handleMaintJob)
	}()

	if svc.cfg.SourcesPath != "" {
		watcher := watch.New(watch.Options{
			Detector: watch.FileDetector(svc.cfg.SourcesPath),
			Debounce: 2 * time.Second,
			Logger:   svc.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.OnChange(runCtx, func() error {
				return svc.refreshSources(runCtx)
			})
		}()
	}

	svc.logger.Info("ingest: running",
		"workers", svc.cfg.Workers, "tick", svc.cfg.SchedulerTick)
	<-ctx.Done()

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		svc.logger.Warn("ingest: drain timeout exceeded, exiting with work in flight")
	}
	svc.logger.Info("ingest: stopped")
	return nil
}

// handleCheckJob consumes one check_source task. Fetch failures are
// already recorded in source state with backoff, so the job is acked
// either way; only cancellation redelivers.
func (svc *Service) handleCheckJob(ctx context.Context, job *queue.Job) error {
	var task scheduler.CheckTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		svc.logger.Warn("ingest: malformed check task", "id", job.ID, "error", err)
		return nil
	}

	res, err := svc.checker.CheckSource(ctx, task.SourceID, pipeline.CheckOptions{})
	switch {
	case err == nil:
		if res != nil {
			svc.logger.Info("ingest: source checked",
				"source_id", res.SourceID, "tier", res.Tier,
				"seen", res.Seen, "new", res.New,
				"duplicates", res.Duplicates, "rejected", res.Rejected)
		}
		return nil
	case errors.Is(err, pipeline.ErrConcurrentCheck):
		// Someone else holds the claim; this task is a no-op.
		return nil
	case errors.Is(err, pipeline.ErrUnknownSource):
		svc.logger.Warn("ingest: check for unknown source", "source_id", task.SourceID)
		return nil
	case ctx.Err() != nil:
		// Shutdown mid-check: redeliver so another worker picks it up.
		return ctx.Err()
	default:
		svc.logger.Warn("ingest: check failed",
			"source_id", task.SourceID, "error", err)
		return nil
	}
}

// handleMaintJob consumes one maintenance task. Config refresh belongs to
// the service since it owns the sources path; the rest run in the
// scheduler against the store.
func (svc *Service) handleMaintJob(ctx context.Context, job *queue.Job) error {
	var task scheduler.MaintTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		svc.logger.Warn("ingest: malformed maintenance task", "id", job.ID, "error", err)
		return nil
	}
	if task.Task == scheduler.TaskRefreshConfig {
		if err := svc.refreshSources(ctx); err != nil {
			svc.logger.Warn("ingest: config refresh failed", "error", err)
		}
		return nil
	}
	return svc.scheduler.RunMaintenance(ctx, task.Task)
}

// refreshSources re-syncs the watched source document. Additive only:
// removal requires an explicit sync-sources --remove.
func (svc *Service) refreshSources(ctx context.Context) error {
	if svc.cfg.SourcesPath == "" {
		return nil
	}
	diff, err := svc.SyncSources(ctx, svc.cfg.SourcesPath, SyncOptions{})
	if err != nil {
		return err
	}
	if diff.Changed() {
		svc.logger.Info("ingest: sources refreshed",
			"added", len(diff.Added), "updated", len(diff.Updated),
			"deactivated", len(diff.Deactivated))
	}
	return nil
}
