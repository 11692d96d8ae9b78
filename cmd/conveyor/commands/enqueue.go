package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrule/conveyor/engine"
)

// EnqueueCmd enqueues a single job.
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> <type> [payload-json]",
	Short: "Enqueue a job",
	Long: `Enqueue a durable job for asynchronous execution.

The payload, when given, must be a JSON document; it is stored verbatim and
handed to the handler unchanged.

Examples:
  conveyor enqueue crawl http.fetch '{"url":"https://example.com"}'
  conveyor enqueue emails send_digest '{"list":"weekly"}' --run-in 1h`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runEnqueue,
}

func init() {
	EnqueueCmd.Flags().Duration("run-in", 0, "Delay before the job becomes eligible (e.g. 30s, 1h)")
	EnqueueCmd.Flags().String("db", "", "Database path (default from config)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	runIn, _ := cmd.Flags().GetDuration("run-in")
	dbPath, _ := cmd.Flags().GetString("db")

	queue, jobType := args[0], args[1]
	var payload json.RawMessage
	if len(args) == 3 {
		payload = json.RawMessage(args[2])
	}

	var runAt time.Time
	if runIn > 0 {
		runAt = time.Now().UTC().Add(runIn)
	}

	job, err := engine.NewJob(queue, jobType, payload, runAt)
	if err != nil {
		return err
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	store := engine.NewStore(database)
	if err := store.Enqueue(context.Background(), job); err != nil {
		return err
	}

	fmt.Printf("Enqueued job %s (queue=%s type=%s run_at=%s)\n",
		job.ID, job.Queue, job.Type, job.RunAt.Format(time.RFC3339))
	return nil
}
