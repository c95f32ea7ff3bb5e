// chasse is a CTI collection pipeline.
//
// Polls threat-intelligence sources over three extraction tiers (RSS,
// structured scraping, legacy heuristics), deduplicates and scores the
// articles, and hands high-value hits to a downstream workflow engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/chasse/ingest"
)

var version = "0.1.0"

func main() {
	// Logs go to stderr: stdout carries command output and, under the
	// mcp command, the stdio protocol itself.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("chasse failed", "error", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, ingest.ErrConfig):
		return 2
	case errors.Is(err, ingest.ErrPartial):
		return 3
	default:
		return 1
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openService builds a Service from the environment plus CLI overrides.
func openService(logger *slog.Logger, dbPath string) (*ingest.Service, error) {
	cfg, err := ingest.FromEnv()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DatabaseURL = dbPath
		cfg.QueueURL = ""
	}
	return ingest.New(cfg, logger)
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "chasse",
		Short:         "CTI source collection and scoring pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitCmd(logger),
		newCollectCmd(logger),
		newSyncCmd(logger),
		newRescoreCmd(logger),
		newStatsCmd(logger),
		newRunCmd(logger),
		newMCPCmd(logger),
	)
	return root
}

func newInitCmd(logger *slog.Logger) *cobra.Command {
	var configPath, catalogList, dbPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and load initial sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(logger, dbPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			ctx := cmd.Context()

			if catalogList != "" {
				cats := strings.Split(catalogList, ",")
				n, err := svc.SeedCatalog(ctx, cats)
				if err != nil {
					return err
				}
				logger.Info("catalog seeded", "sources", n, "categories", cats)
			}
			if configPath != "" {
				diff, err := svc.SyncSources(ctx, configPath, ingest.SyncOptions{})
				if err != nil {
					return err
				}
				logger.Info("sources synced",
					"added", len(diff.Added), "updated", len(diff.Updated))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML source document to sync")
	cmd.Flags().StringVar(&catalogList, "catalog", "", "Seed categories, comma-separated (e.g. cti-vendors,cert)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (overrides DATABASE_URL)")
	return cmd
}

func newCollectCmd(logger *slog.Logger) *cobra.Command {
	var sourceID string
	var dryRun, force bool

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(logger, "")
			if err != nil {
				return err
			}
			defer svc.Close()
			ctx := cmd.Context()
			opt := ingest.CheckOptions{DryRun: dryRun, Force: force}

			if sourceID != "" {
				res, err := svc.CheckSource(ctx, sourceID, opt)
				if err != nil {
					return err
				}
				printCheckResult(res)
				return nil
			}

			results, err := svc.CollectAll(ctx, opt)
			for _, res := range results {
				printCheckResult(res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "Collect a single source")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Fetch and report without writing")
	cmd.Flags().BoolVar(&force, "force", false, "Ignore conditional request validators")
	return cmd
}

func printCheckResult(res *ingest.CheckResult) {
	if res == nil {
		return
	}
	status := "ok"
	if res.Partial {
		status = "partial"
	}
	fmt.Printf("%-24s tier=%d %-8s seen=%d new=%d dup=%d rejected=%d failed=%d\n",
		res.SourceID, res.Tier, status,
		res.Seen, res.New, res.Duplicates, res.Rejected, res.Failed)
}

func newSyncCmd(logger *slog.Logger) *cobra.Command {
	var configPath string
	var remove, dryRun bool

	cmd := &cobra.Command{
		Use:   "sync-sources",
		Short: "Diff a YAML source document against the database and apply it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("%w: --config is required", ingest.ErrConfig)
			}
			svc, err := openService(logger, "")
			if err != nil {
				return err
			}
			defer svc.Close()

			diff, err := svc.SyncSources(cmd.Context(), configPath,
				ingest.SyncOptions{Remove: remove, DryRun: dryRun})
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(diff)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML source document")
	cmd.Flags().BoolVar(&remove, "remove", false, "Delete sources absent from the document")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute the diff without writing")
	return cmd
}

func newRescoreCmd(logger *slog.Logger) *cobra.Command {
	var articleID int64
	var force, dryRun bool
	var keywordsPath string

	cmd := &cobra.Command{
		Use:   "rescore",
		Short: "Recompute quality and threat-hunting scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(logger, "")
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Rescore(cmd.Context(), ingest.RescoreOptions{
				ArticleID:    articleID,
				Force:        force,
				DryRun:       dryRun,
				KeywordsPath: keywordsPath,
			})
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d updated=%d\n", res.Scanned, res.Updated)
			return nil
		},
	}

	cmd.Flags().Int64Var(&articleID, "article-id", 0, "Rescore a single article")
	cmd.Flags().BoolVar(&force, "force", false, "Rewrite scores even when unchanged")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute without writing")
	cmd.Flags().StringVar(&keywordsPath, "keywords", "", "Keyword list YAML overriding the embedded default")
	return cmd
}

func newStatsCmd(logger *slog.Logger) *cobra.Command {
	var asJSON bool
	var top int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pipeline counters and per-source state",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(logger, "")
			if err != nil {
				return err
			}
			defer svc.Close()
			ctx := cmd.Context()

			stats, err := svc.Stats(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			fmt.Printf("sources: %d (%d active)   articles: %d   tracked urls: %d\n",
				stats.Sources, stats.ActiveSources, stats.Articles, stats.TrackedURLs)
			fmt.Printf("checks: %d (%d failed)   high threat: %d   avg quality: %.2f\n",
				stats.Checks, stats.FailedChecks, stats.HighThreat, stats.AvgQuality)
			for _, s := range stats.PerSource {
				fmt.Printf("  %-24s %-13s articles=%-5d checks=%d/%d avg_quality=%.2f avg_threat=%.0f\n",
					s.Identifier, s.Health, s.Articles,
					s.ChecksTotal-s.ChecksFailed, s.ChecksTotal, s.AvgQuality, s.AvgThreat)
			}

			if top > 0 {
				articles, err := svc.TopThreatArticles(ctx, top)
				if err != nil {
					return err
				}
				fmt.Printf("top %d by threat score:\n", top)
				for _, a := range articles {
					fmt.Printf("  [%3d] #%-6d %s\n", a.ThreatHuntingScore, a.ID, a.Title)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	cmd.Flags().IntVar(&top, "top", 0, "Also list the top N articles by threat score")
	return cmd
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var workers, tick int
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collection daemon (scheduler + workers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ingest.FromEnv()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			if tick > 0 {
				cfg.SchedulerTick = time.Duration(tick) * time.Second
			}
			cfg.SourcesPath = configPath

			svc, err := ingest.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if configPath != "" {
				if _, err := svc.SyncSources(cmd.Context(), configPath, ingest.SyncOptions{}); err != nil {
					return err
				}
			}
			return svc.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (overrides WORKER_CONCURRENCY)")
	cmd.Flags().IntVar(&tick, "tick", 0, "Scheduler tick seconds (overrides SCHEDULER_TICK_SECONDS)")
	cmd.Flags().StringVar(&configPath, "config", "", "YAML source document to sync and watch")
	return cmd
}

func newMCPCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the read/trigger tool surface over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(logger, "")
			if err != nil {
				return err
			}
			defer svc.Close()

			srv := mcp.NewServer(&mcp.Implementation{
				Name:    "chasse",
				Version: version,
			}, nil)
			svc.RegisterMCP(srv)
			return srv.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}
