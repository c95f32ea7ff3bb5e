// Package scheduler plans work: it polls for due sources on a fixed beat
// and enqueues check_source tasks, plus periodic maintenance on fixed
// cadences. It never fetches or processes anything itself.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/chasse/ingest/internal/store"
	"github.com/hazyhaar/chasse/queue"
)

// Maintenance task names carried in MaintTask payloads.
const (
	TaskPruneChecks     = "prune_checks"
	TaskCompactBands    = "compact_bands"
	TaskRecomputeHealth = "recompute_health"
	TaskRefreshConfig   = "refresh_config"
)

// Maintenance cadences.
const (
	healthEvery  = time.Hour
	pruneEvery   = 24 * time.Hour
	refreshEvery = 24 * time.Hour
	compactEvery = 7 * 24 * time.Hour
)

// CheckTask is the payload of a check_source job.
type CheckTask struct {
	SourceID string `json:"source_id"`
}

// MaintTask is the payload of a maintenance job.
type MaintTask struct {
	Task string `json:"task"`
}

// Enqueue publishes a payload onto a queue. Wired to queue.Q.Enqueue by
// the service.
type Enqueue func(ctx context.Context, payload []byte) error

// Config tunes the beat.
type Config struct {
	// Tick is the planning interval. Default: 30s.
	Tick time.Duration
	// DueLimit caps sources planned per tick. Default: 200.
	DueLimit int
	// CheckRetention is how long source_checks rows live. Default: 90d.
	CheckRetention time.Duration
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.DueLimit <= 0 {
		c.DueLimit = 200
	}
	if c.CheckRetention <= 0 {
		c.CheckRetention = 90 * 24 * time.Hour
	}
}

// Scheduler is the process-wide planner.
type Scheduler struct {
	store        *store.Store
	enqueueCheck Enqueue
	enqueueMaint Enqueue
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time

	lastMaint map[string]time.Time
}

// New creates a Scheduler.
func New(st *store.Store, enqueueCheck, enqueueMaint Enqueue, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        st,
		enqueueCheck: enqueueCheck,
		enqueueMaint: enqueueMaint,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		lastMaint:    make(map[string]time.Time),
	}
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run plans on a ticker until ctx is done. An immediate tick on start
// releases abandoned claims and catches up overdue sources.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one planning cycle: sweep expired leases, plan due sources,
// emit due maintenance.
func (s *Scheduler) Tick(ctx context.Context) {
	if n, err := s.store.SweepLeases(ctx); err != nil {
		s.logger.Warn("scheduler: sweep leases", "error", err)
	} else if n > 0 {
		s.logger.Info("scheduler: released abandoned claims", "count", n)
	}
	s.planChecks(ctx)
	s.planMaintenance(ctx)
}

func (s *Scheduler) planChecks(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueSources(ctx, now, s.cfg.DueLimit)
	if err != nil {
		s.logger.Error("scheduler: due sources", "error", err)
		return
	}

	planned := 0
	for _, src := range due {
		if ctx.Err() != nil {
			return
		}
		// A claimed source is already being checked; its next run is set
		// when the check finishes.
		if _, held, err := s.store.LeaseHolder(ctx, src.Identifier); err != nil {
			s.logger.Warn("scheduler: lease lookup", "source_id", src.Identifier, "error", err)
			continue
		} else if held {
			continue
		}

		payload, _ := json.Marshal(CheckTask{SourceID: src.Identifier})
		if err := s.enqueueCheck(ctx, payload); err != nil {
			if errors.Is(err, queue.ErrFull) {
				s.logger.Warn("scheduler: checks queue full, skipping cycle")
				return
			}
			s.logger.Warn("scheduler: enqueue check", "source_id", src.Identifier, "error", err)
			continue
		}
		planned++
		// Defer re-planning while the job sits in the queue; the checker
		// sets the real next run when it finishes.
		if err := s.store.DeferSource(ctx, src.Identifier, now.Add(2*s.cfg.Tick)); err != nil {
			s.logger.Warn("scheduler: defer source", "source_id", src.Identifier, "error", err)
		}
	}
	if planned > 0 {
		s.logger.Debug("scheduler: planned checks", "count", planned)
	}
}

func (s *Scheduler) planMaintenance(ctx context.Context) {
	now := s.now()
	for _, m := range []struct {
		task  string
		every time.Duration
	}{
		{TaskRecomputeHealth, healthEvery},
		{TaskPruneChecks, pruneEvery},
		{TaskRefreshConfig, refreshEvery},
		{TaskCompactBands, compactEvery},
	} {
		if last, ok := s.lastMaint[m.task]; ok && now.Sub(last) < m.every {
			continue
		}
		payload, _ := json.Marshal(MaintTask{Task: m.task})
		if err := s.enqueueMaint(ctx, payload); err != nil {
			s.logger.Warn("scheduler: enqueue maintenance", "task", m.task, "error", err)
			continue
		}
		s.lastMaint[m.task] = now
	}
}

// RunMaintenance executes one maintenance task against the store. Workers
// call this from the maintenance queue handler; refresh_config is handled
// by the service, which owns the config path.
func (s *Scheduler) RunMaintenance(ctx context.Context, task string) error {
	switch task {
	case TaskRecomputeHealth:
		n, err := s.store.RecomputeHealth(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("maintenance: health recomputed", "changed", n)
		}
	case TaskPruneChecks:
		n, err := s.store.PruneChecks(ctx, s.cfg.CheckRetention)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("maintenance: pruned checks", "rows", n)
		}
	case TaskCompactBands:
		n, err := s.store.CompactBands(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("maintenance: compacted bands", "rows", n)
		}
	}
	return nil
}
