package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrule/conveyor/config"
	"github.com/ferrule/conveyor/engine"
	"github.com/ferrule/conveyor/errors"
	"github.com/ferrule/conveyor/internal/util"
)

// JobsCmd groups job inspection subcommands.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs",
	Long: `Inspect and maintain job records.

Examples:
  conveyor jobs ls                    # Recent jobs, any status
  conveyor jobs ls --status dead      # Dead-lettered jobs
  conveyor jobs show <id>             # Full record for one job
  conveyor jobs stats                 # Counts by status
  conveyor jobs prune --older-than 720h`,
}

var (
	jobsStatusFlag string
	jobsLimitFlag  int
	jobsOlderThan  time.Duration
	jobsDbFlag     string
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsDbFlag, "db", "", "Database path (default from config)")

	jobsLsCmd.Flags().StringVar(&jobsStatusFlag, "status", "", "Filter by status (pending, in_progress, completed, dead)")
	jobsLsCmd.Flags().IntVar(&jobsLimitFlag, "limit", 20, "Maximum number of jobs to show")
	jobsPruneCmd.Flags().DurationVar(&jobsOlderThan, "older-than", 30*24*time.Hour, "Remove terminal jobs older than this")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsStatsCmd)
	JobsCmd.AddCommand(jobsPruneCmd)
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(jobsDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		var status *engine.Status
		if jobsStatusFlag != "" {
			if !engine.IsValidStatus(jobsStatusFlag) {
				return errors.Newf("unknown status %q", jobsStatusFlag)
			}
			s := engine.Status(jobsStatusFlag)
			status = &s
		}

		store := engine.NewStore(database)
		jobs, err := store.ListJobs(context.Background(), status, leaseDuration(), jobsLimitFlag)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found")
			return nil
		}

		now := time.Now()
		lease := leaseDuration()
		fmt.Printf("%-36s  %-12s  %-24s  %-11s  %-8s  %s\n",
			"ID", "QUEUE", "TYPE", "STATUS", "ATTEMPTS", "LAST ERROR")
		for _, job := range jobs {
			lastError := util.Truncate(job.LastError, 48)
			fmt.Printf("%-36s  %-12s  %-24s  %-11s  %-8d  %s\n",
				job.ID, job.Queue, job.Type, job.StatusAt(now, lease), job.Attempts, lastError)
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(jobsDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		store := engine.NewStore(database)
		job, err := store.GetJob(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:         %s\n", job.ID)
		fmt.Printf("Queue:      %s\n", job.Queue)
		fmt.Printf("Type:       %s\n", job.Type)
		fmt.Printf("Status:     %s\n", job.StatusAt(time.Now(), leaseDuration()))
		fmt.Printf("Attempts:   %d\n", job.Attempts)
		fmt.Printf("Run at:     %s\n", job.RunAt.Format(time.RFC3339))
		if job.LockedAt != nil {
			fmt.Printf("Locked at:  %s (by %s)\n", job.LockedAt.Format(time.RFC3339), job.LockedBy)
		}
		if job.CompletedAt != nil {
			fmt.Printf("Completed:  %s\n", job.CompletedAt.Format(time.RFC3339))
		}
		if job.FailedAt != nil {
			fmt.Printf("Failed:     %s\n", job.FailedAt.Format(time.RFC3339))
		}
		if job.LastError != "" {
			fmt.Printf("Last error: %s\n", job.LastError)
		}
		if len(job.Payload) > 0 {
			fmt.Printf("Payload:    %s\n", string(job.Payload))
		}
		fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(jobsDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		store := engine.NewStore(database)
		stats, err := store.GetStats(context.Background(), leaseDuration())
		if err != nil {
			return err
		}

		fmt.Printf("Pending:     %d\n", stats.Pending)
		fmt.Printf("In progress: %d\n", stats.InProgress)
		fmt.Printf("Completed:   %d\n", stats.Completed)
		fmt.Printf("Dead:        %d\n", stats.Dead)
		fmt.Printf("Total:       %d\n", stats.Total)
		return nil
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old terminal jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(jobsDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		store := engine.NewStore(database)
		pruned, err := store.PruneOldJobs(context.Background(), jobsOlderThan)
		if err != nil {
			return err
		}

		fmt.Printf("Pruned %d job(s) older than %s\n", pruned, jobsOlderThan)
		return nil
	},
}

// leaseDuration reads the configured lease for derived-status display.
func leaseDuration() time.Duration {
	cfg, err := config.Load()
	if err != nil || cfg.Engine.LeaseDurationSeconds <= 0 {
		return engine.DefaultPollerConfig().LeaseDuration
	}
	return time.Duration(cfg.Engine.LeaseDurationSeconds) * time.Second
}
