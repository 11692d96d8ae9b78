package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferrule/conveyor/cmd/conveyor/commands"
	"github.com/ferrule/conveyor/config"
	"github.com/ferrule/conveyor/logger"
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Conveyor - durable async job execution engine",
	Long: `Conveyor - durable, multi-queue asynchronous job execution.

Jobs are durable SQLite records claimed under time-bounded leases, retried
with exponential backoff, and dead-lettered when they exhaust their attempts.
A single daemon serves many queues; multiple daemons against the same
database divide work through the claim protocol alone.

Available commands:
  start    - Start the worker daemon (pollers + schedule ticker)
  enqueue  - Enqueue a job
  jobs     - Inspect jobs (ls, show, stats, prune)
  schedule - Manage recurring schedules
  db       - Database operations (migrate)
  config   - Show and edit configuration
  version  - Show version information

Examples:
  conveyor start                                 # Run the daemon
  conveyor enqueue crawl fetch_page '{"url":"…"}' # Enqueue a job
  conveyor jobs ls --status dead                 # Inspect dead letters
  conveyor jobs stats                            # Queue counts`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
