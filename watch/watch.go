// Package watch provides a "poll, detect change, debounce, reload" loop for
// the source config file. The collect daemon uses it to re-sync sources when
// an operator edits sources.yaml, without restarts and without inotify
// portability headaches.
//
// Typical usage:
//
//	w := watch.New(watch.Options{Detector: watch.FileDetector(path), Debounce: 2 * time.Second})
//	go w.OnChange(ctx, func() error { return svc.ResyncSources(ctx) })
package watch

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ChangeDetector reads a version token. Two calls that return different
// values mean "something changed". Token values carry no ordering meaning.
type ChangeDetector func(ctx context.Context) (uint64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change is detected before the
	// action fires. More changes during the window reset the timer.
	// 0 fires immediately. Default: 0.
	Debounce time.Duration
	// Detector produces version tokens. Required.
	Detector ChangeDetector
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a change source and runs an action when its token changes.
// Safe for concurrent use.
type Watcher struct {
	opts Options

	version atomic.Uint64

	checks   atomic.Int64
	changes  atomic.Int64
	errCount atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(opts Options) *Watcher {
	opts.defaults()
	return &Watcher{opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errCount.Load(),
		Reloads:         w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// Version returns the last successfully processed version token.
func (w *Watcher) Version() uint64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled, polling at opts.Interval.
// When the detector reports a new token and the debounce window passes
// without further changes, action runs.
//
// If action returns an error the version is NOT advanced, so the action
// retries on the next poll cycle.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	v, err := w.opts.Detector(ctx)
	if err != nil {
		log.Warn("watch: initial check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	var pendingVersion uint64
	pending := false

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx)
			if err != nil {
				w.errCount.Add(1)
				log.Warn("watch: check failed", "error", err)
				continue
			}
			if cur != w.version.Load() && !(pending && cur == pendingVersion) {
				w.changes.Add(1)
				pendingVersion = cur
				pending = true

				if w.opts.Debounce <= 0 {
					w.fire(log, action, pendingVersion)
					pending = false
				} else {
					// Restart the timer only when the pending token
					// actually moved, not on every poll cycle.
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.NewTimer(w.opts.Debounce)
					debounceCh = debounceTimer.C
					log.Debug("watch: change detected, debouncing", "pending_version", cur)
				}
			}

		case <-debounceCh:
			debounceCh = nil
			if pending {
				w.fire(log, action, pendingVersion)
				pending = false
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver uint64) {
	log.Info("watch: reloading", "old_version", w.version.Load(), "new_version", ver)
	start := time.Now()
	if err := action(); err != nil {
		w.errCount.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	w.version.Store(ver)
	log.Info("watch: reload complete", "version", ver, "duration", elapsed)
}

// ---------- Built-in detectors ----------

// FileDetector hashes the file contents with xxhash. A missing file yields
// token 0, so creating the file later registers as a change. Content hashing
// ignores touch-without-edit saves that only bump the mtime.
func FileDetector(path string) ChangeDetector {
	return func(ctx context.Context) (uint64, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, nil
			}
			return 0, err
		}
		return xxhash.Sum64(data), nil
	}
}

// StatDetector folds mtime and size into the token without reading the file.
// Cheaper than FileDetector for large files, at the cost of firing on
// touch-without-edit saves.
func StatDetector(path string) ChangeDetector {
	return func(ctx context.Context) (uint64, error) {
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, nil
			}
			return 0, err
		}
		h := xxhash.New()
		var buf [16]byte
		mt := fi.ModTime().UnixNano()
		sz := fi.Size()
		for i := range 8 {
			buf[i] = byte(mt >> (8 * i))
			buf[8+i] = byte(sz >> (8 * i))
		}
		h.Write(buf[:])
		return h.Sum64(), nil
	}
}
