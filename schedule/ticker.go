package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferrule/conveyor/engine"
	"github.com/ferrule/conveyor/errors"
)

// TickerConfig contains configuration for the schedule ticker.
type TickerConfig struct {
	Interval time.Duration // How often to check for due schedules
}

// DefaultTickerConfig returns sensible defaults.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// Ticker fires due schedules by enqueuing ordinary engine jobs. It is a
// plain enqueue caller: execution, retry, and dead-lettering belong to the
// engine, the ticker only decides when a recurring job enters the queue.
type Ticker struct {
	store           *Store
	jobs            *engine.Store
	interval        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	logger          *zap.SugaredLogger
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewTicker creates a schedule ticker.
func NewTicker(ctx context.Context, store *Store, jobs *engine.Store, cfg TickerConfig, logger *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		store:    store,
		jobs:     jobs,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		logger:   logger.Named("schedule"),
	}
}

// Start begins the ticker loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Schedule ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Schedule ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			if err := t.checkDueSchedules(tickTime.UTC()); err != nil {
				// Don't spam logs - log errors at warn level
				t.logger.Warnw("Schedule tick error", "error", err, "tick", t.ticksSinceStart)
			}
		}
	}
}

// checkDueSchedules finds due schedules and enqueues a job for each.
func (t *Ticker) checkDueSchedules(now time.Time) error {
	due, err := t.store.ListDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}

	for _, scheduled := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if err := t.fire(scheduled, now); err != nil {
			t.logger.Errorw("Failed to fire scheduled job",
				"scheduled_job_id", scheduled.ID,
				"queue", scheduled.Queue,
				"job_type", scheduled.JobType,
				"error", err)
			// Continue with other schedules even if one fails
			continue
		}
	}

	return nil
}

// fire enqueues one engine job for a due schedule and advances next_run_at.
// next_run_at advances even when the schedule missed several ticks: one
// catch-up firing, then back on cadence.
func (t *Ticker) fire(scheduled *Job, now time.Time) error {
	job, err := engine.NewJob(scheduled.Queue, scheduled.JobType, scheduled.Payload, now)
	if err != nil {
		return errors.Wrap(err, "failed to build job from schedule")
	}
	if err := t.jobs.Enqueue(t.ctx, job); err != nil {
		return errors.Wrap(err, "failed to enqueue scheduled job")
	}

	nextRun, err := scheduled.NextAfter(now)
	if err != nil {
		return err
	}
	if err := t.store.MarkRun(t.ctx, scheduled.ID, now, nextRun); err != nil {
		return err
	}

	t.logger.Infow("Scheduled job fired",
		"scheduled_job_id", scheduled.ID,
		"job_id", job.ID,
		"queue", scheduled.Queue,
		"job_type", scheduled.JobType,
		"next_run_at", nextRun)

	return nil
}

// Stats returns ticker statistics.
func (t *Ticker) Stats() (lastTickAt time.Time, ticks int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt, t.ticksSinceStart
}
