package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrule/conveyor/budget"
	"github.com/ferrule/conveyor/config"
	"github.com/ferrule/conveyor/engine"
	"github.com/ferrule/conveyor/handlers"
	"github.com/ferrule/conveyor/logger"
	"github.com/ferrule/conveyor/schedule"
)

// StartCmd starts the worker daemon.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker daemon",
	Long: `Start the conveyor daemon in foreground mode.

The daemon will:
- Poll the configured queues and execute claimed jobs
- Run the schedule ticker for recurring jobs
- Enforce the call-rate budget when one is configured
- Prune old terminal jobs on the retention schedule
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: runStart,
}

func init() {
	StartCmd.Flags().Int("workers", 0, "Override configured worker count")
	StartCmd.Flags().String("db", "", "Database path (default from config)")
}

func runStart(cmd *cobra.Command, args []string) error {
	workersFlag, _ := cmd.Flags().GetInt("workers")
	dbPath, _ := cmd.Flags().GetString("db")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := engine.NewStore(database)

	registry := engine.NewRegistry()
	handlers.RegisterBuiltins(registry)

	pollerCfg := pollerConfigFrom(cfg)
	if workersFlag > 0 {
		pollerCfg.Workers = workersFlag
	}

	poller, err := engine.NewPoller(ctx, store, registry, backoffPolicyFrom(cfg), pollerCfg, logger.Logger)
	if err != nil {
		return err
	}

	if cfg.Budget.MaxCallsPerWindow > 0 {
		window := time.Duration(cfg.Budget.WindowSeconds) * time.Second
		poller.SetRateLimiter(budget.NewLimiter(cfg.Budget.MaxCallsPerWindow, window))
	}

	var pools []*engine.Pool
	for queue, poolCfg := range cfg.Engine.Pools {
		if poolCfg.Size <= 0 {
			continue
		}
		pool, err := engine.NewPool(poolCfg.Size, handlers.NewHTTPSessionFactory())
		if err != nil {
			return err
		}
		poller.AttachPool(queue, pool)
		pools = append(pools, pool)
	}

	scheduleStore := schedule.NewStore(database)
	tickerCfg := schedule.TickerConfig{
		Interval: time.Duration(cfg.Schedule.TickerIntervalSeconds) * time.Second,
	}
	ticker := schedule.NewTicker(ctx, scheduleStore, store, tickerCfg, logger.Logger)

	poller.Start()
	ticker.Start()

	if cfg.Database.PruneAfterDays > 0 {
		go pruneLoop(ctx, store, time.Duration(cfg.Database.PruneAfterDays)*24*time.Hour)
	}

	watcher := startConfigWatcher()

	logger.Logger.Infow("Conveyor daemon started",
		"queues", pollerCfg.Queues,
		"workers", pollerCfg.Workers,
		"handlers", registry.Names(),
		"poll_interval", pollerCfg.PollInterval,
		"lease_duration", pollerCfg.LeaseDuration)
	fmt.Println("Conveyor daemon running. Press Ctrl+C for graceful shutdown.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")

	// Stop components in reverse order of startup
	if watcher != nil {
		watcher.Stop()
	}
	ticker.Stop()
	poller.Stop()
	for _, pool := range pools {
		pool.Close()
	}
	cancel()

	fmt.Println("Conveyor daemon stopped")
	return nil
}

// pollerConfigFrom converts seconds-based config to the engine's config.
func pollerConfigFrom(cfg *config.Config) engine.PollerConfig {
	pc := engine.DefaultPollerConfig()
	if len(cfg.Engine.Queues) > 0 {
		pc.Queues = cfg.Engine.Queues
	}
	if cfg.Engine.Workers > 0 {
		pc.Workers = cfg.Engine.Workers
	}
	if cfg.Engine.PollIntervalSeconds > 0 {
		pc.PollInterval = time.Duration(cfg.Engine.PollIntervalSeconds) * time.Second
	}
	if cfg.Engine.LeaseDurationSeconds > 0 {
		pc.LeaseDuration = time.Duration(cfg.Engine.LeaseDurationSeconds) * time.Second
	}
	if cfg.Engine.ExecTimeoutSeconds > 0 {
		pc.ExecTimeout = time.Duration(cfg.Engine.ExecTimeoutSeconds) * time.Second
	}
	if cfg.Engine.GracePeriodSeconds > 0 {
		pc.GracePeriod = time.Duration(cfg.Engine.GracePeriodSeconds) * time.Second
	}

	// Per-pool acquire timeouts share one poller-level setting; the tightest
	// configured pool wins.
	for _, poolCfg := range cfg.Engine.Pools {
		if poolCfg.AcquireTimeoutSeconds > 0 {
			timeout := time.Duration(poolCfg.AcquireTimeoutSeconds) * time.Second
			if timeout < pc.PoolAcquireTimeout {
				pc.PoolAcquireTimeout = timeout
			}
		}
	}

	return pc
}

func backoffPolicyFrom(cfg *config.Config) engine.BackoffPolicy {
	policy := engine.DefaultBackoffPolicy()
	if cfg.Engine.BackoffBaseSeconds > 0 {
		policy.Base = time.Duration(cfg.Engine.BackoffBaseSeconds) * time.Second
	}
	if cfg.Engine.BackoffCapSeconds > 0 {
		policy.Cap = time.Duration(cfg.Engine.BackoffCapSeconds) * time.Second
	}
	if cfg.Engine.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Engine.MaxAttempts
	}
	if cfg.Engine.BackoffJitter >= 0 {
		policy.Jitter = cfg.Engine.BackoffJitter
	}
	return policy
}

// startConfigWatcher watches the user config file when it exists. Reloads
// are logged; settings that feed running components take effect on restart.
func startConfigWatcher() *config.Watcher {
	path := config.UserConfigPath()
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		logger.Logger.Warnw("Config watcher unavailable", "error", err)
		return nil
	}
	config.SetGlobalWatcher(watcher)
	watcher.OnReload(func(cfg *config.Config) error {
		logger.Logger.Infow("Configuration changed on disk - engine settings apply on restart",
			"workers", cfg.Engine.Workers,
			"queues", cfg.Engine.Queues)
		return nil
	})
	watcher.Start()
	return watcher
}

// pruneLoop removes terminal jobs past the retention window, hourly.
func pruneLoop(ctx context.Context, store *engine.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.PruneOldJobs(ctx, retention)
			if err != nil {
				logger.Logger.Warnw("Job pruning failed", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Logger.Infow("Pruned old jobs", "count", pruned, "retention", retention)
			}
		}
	}
}
