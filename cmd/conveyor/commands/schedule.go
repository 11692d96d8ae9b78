package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrule/conveyor/errors"
	"github.com/ferrule/conveyor/schedule"
)

// ScheduleCmd groups schedule management subcommands.
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring schedules",
	Long: `Manage recurring enqueue definitions.

A schedule inserts an ordinary job into its queue each time it comes due,
either on a fixed interval or a standard 5-field cron expression.

Examples:
  conveyor schedule add crawl refresh_feed --every 15m --payload '{"feed":"news"}'
  conveyor schedule add reports monthly_rollup --cron "0 6 1 * *"
  conveyor schedule ls
  conveyor schedule pause <id>
  conveyor schedule rm <id>`,
}

var (
	scheduleEveryFlag   time.Duration
	scheduleCronFlag    string
	schedulePayloadFlag string
	scheduleDbFlag      string
)

func init() {
	ScheduleCmd.PersistentFlags().StringVar(&scheduleDbFlag, "db", "", "Database path (default from config)")

	scheduleAddCmd.Flags().DurationVar(&scheduleEveryFlag, "every", 0, "Fire every interval (e.g. 15m, 1h)")
	scheduleAddCmd.Flags().StringVar(&scheduleCronFlag, "cron", "", "Fire on a 5-field cron expression")
	scheduleAddCmd.Flags().StringVar(&schedulePayloadFlag, "payload", "", "JSON payload for the enqueued jobs")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(schedulePauseCmd)
	ScheduleCmd.AddCommand(scheduleResumeCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <queue> <type>",
	Short: "Add a recurring schedule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (scheduleEveryFlag > 0) == (scheduleCronFlag != "") {
			return errors.New("exactly one of --every or --cron is required")
		}

		var payload json.RawMessage
		if schedulePayloadFlag != "" {
			payload = json.RawMessage(schedulePayloadFlag)
		}

		var job *schedule.Job
		var err error
		if scheduleEveryFlag > 0 {
			job, err = schedule.NewIntervalJob(args[0], args[1], payload, scheduleEveryFlag)
		} else {
			job, err = schedule.NewCronJob(args[0], args[1], payload, scheduleCronFlag)
		}
		if err != nil {
			return err
		}

		database, err := openDatabase(scheduleDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		store := schedule.NewStore(database)
		if err := store.CreateJob(context.Background(), job); err != nil {
			return err
		}

		fmt.Printf("Created schedule %s (queue=%s type=%s next_run_at=%s)\n",
			job.ID, job.Queue, job.JobType, job.NextRunAt.Format(time.RFC3339))
		return nil
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(scheduleDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		store := schedule.NewStore(database)
		jobs, err := store.ListJobs(context.Background())
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No schedules found")
			return nil
		}

		fmt.Printf("%-36s  %-12s  %-20s  %-8s  %-14s  %s\n",
			"ID", "QUEUE", "TYPE", "STATE", "CADENCE", "NEXT RUN")
		for _, job := range jobs {
			cadence := job.CronExpr
			if cadence == "" {
				cadence = (time.Duration(job.IntervalSeconds) * time.Second).String()
			}
			nextRun := "-"
			if job.NextRunAt != nil {
				nextRun = job.NextRunAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s  %-12s  %-20s  %-8s  %-14s  %s\n",
				job.ID, job.Queue, job.JobType, job.State, cadence, nextRun)
		}
		return nil
	},
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setScheduleState(schedule.StatePaused, "Paused"),
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setScheduleState(schedule.StateActive, "Resumed"),
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setScheduleState(schedule.StateDeleted, "Deleted"),
}

func setScheduleState(state, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(scheduleDbFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		store := schedule.NewStore(database)
		if err := store.SetState(context.Background(), args[0], state); err != nil {
			return err
		}

		fmt.Printf("%s schedule %s\n", verb, args[0])
		return nil
	}
}
