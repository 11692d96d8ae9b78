package engine

import (
	"context"
	"database/sql"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ferrule/conveyor/errors"
)

// RateLimiter gates claim attempts against an external call budget.
// Optional - can be nil for tests and simple setups.
type RateLimiter interface {
	Allow() error
	Stats() (callsInWindow int, callsRemaining int)
}

// PollerConfig contains configuration for a poller and its workers.
type PollerConfig struct {
	Queues             []string      `json:"queues"`               // Queues this poller claims from
	Workers            int           `json:"workers"`              // Number of concurrent workers
	PollInterval       time.Duration `json:"poll_interval"`        // How often each worker checks for claimable jobs
	LeaseDuration      time.Duration `json:"lease_duration"`       // How long a claim is honored before it is considered stale
	ExecTimeout        time.Duration `json:"exec_timeout"`         // Hard ceiling on a single handler execution
	PoolAcquireTimeout time.Duration `json:"pool_acquire_timeout"` // How long to wait for a pooled resource
	GracePeriod        time.Duration `json:"grace_period"`         // How long Stop waits for in-flight jobs
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Queues:             []string{"default"},
		Workers:            1,
		PollInterval:       5 * time.Second,
		LeaseDuration:      5 * time.Minute,
		ExecTimeout:        2 * time.Minute,
		PoolAcquireTimeout: 30 * time.Second,
		GracePeriod:        30 * time.Second,
	}
}

func (c PollerConfig) validate() error {
	if len(c.Queues) == 0 {
		return errors.New("poller requires at least one queue")
	}
	if c.Workers <= 0 {
		return errors.Newf("poller requires a positive worker count, got %d", c.Workers)
	}
	if c.LeaseDuration <= 0 {
		return errors.New("poller requires a positive lease duration")
	}
	if c.ExecTimeout >= c.LeaseDuration {
		return errors.Newf("exec timeout %s must be shorter than lease duration %s",
			c.ExecTimeout, c.LeaseDuration)
	}
	return nil
}

// Poller claims jobs from its queues and runs them through registered
// handlers. Each Poller carries a unique worker identity for lease
// attribution; several pollers against the same database divide work
// through the claim protocol alone.
type Poller struct {
	store     *Store
	registry  *Registry
	policy    BackoffPolicy
	config    PollerConfig
	limiter   RateLimiter      // Optional claim gate
	pools     map[string]*Pool // Per-queue resource pools (optional)
	workerID  string
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	started bool
}

// NewPoller creates a poller. Callers must register handlers on the registry
// and attach any resource pools before calling Start.
func NewPoller(ctx context.Context, store *Store, registry *Registry, policy BackoffPolicy, cfg PollerConfig, logger *zap.SugaredLogger) (*Poller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pollerCtx, cancel := context.WithCancel(ctx)

	return &Poller{
		store:     store,
		registry:  registry,
		policy:    policy,
		config:    cfg,
		pools:     make(map[string]*Pool),
		workerID:  uuid.NewString(),
		parentCtx: ctx,
		ctx:       pollerCtx,
		cancel:    cancel,
		logger:    logger.Named("poller"),
	}, nil
}

// WorkerID returns this poller's lease identity.
func (p *Poller) WorkerID() string { return p.workerID }

// AttachPool gates the given queue behind a resource pool: a worker must
// acquire a resource before executing any job from that queue, and the
// resource is available to the handler via ResourceFrom. Must be called
// before Start.
func (p *Poller) AttachPool(queue string, pool *Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic("engine: AttachPool after Start")
	}
	p.pools[queue] = pool
}

// SetRateLimiter installs a claim gate. Must be called before Start.
func (p *Poller) SetRateLimiter(limiter RateLimiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic("engine: SetRateLimiter after Start")
	}
	p.limiter = limiter
}

// Start launches the worker goroutines. Restartable after Stop.
func (p *Poller) Start() {
	p.mu.Lock()
	// Recreate the context if a previous Stop cancelled it. Must happen
	// before spawning workers to avoid races.
	select {
	case <-p.ctx.Done():
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Infow("Starting poller",
		"worker_id", p.workerID,
		"queues", p.config.Queues,
		"workers", p.config.Workers,
		"poll_interval", p.config.PollInterval,
		"lease_duration", p.config.LeaseDuration)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits up to the grace period for in-flight
// jobs to finish. A job that outlives the grace period keeps running in the
// background; its lease expiry makes it claimable again if the process dies.
func (p *Poller) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Poller stopped - all workers exited cleanly", "worker_id", p.workerID)
	case <-time.After(p.config.GracePeriod):
		p.logger.Warnw("Poller stop timeout - jobs may still be executing",
			"worker_id", p.workerID,
			"grace_period", p.config.GracePeriod)
	}

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// worker polls for claimable jobs until the poller context is cancelled.
func (p *Poller) worker(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			processed, err := p.processNext()
			if err != nil {
				select {
				case <-p.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed during shutdown - exit silently
					return
				}
				errorCount++
				p.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					p.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					time.Sleep(backoffDuration)
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				continue
			}

			if errorCount > 0 {
				p.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			// Drain mode: keep claiming without waiting for the next tick
			// while work is available, so a backlog clears at execution
			// speed rather than poll speed.
			for processed {
				select {
				case <-p.ctx.Done():
					return
				default:
				}
				processed, err = p.processNext()
				if err != nil {
					break
				}
			}
		}
	}
}

// processNext claims and executes at most one job. Returns true when a job
// was claimed (even if its execution failed - handler failure is recorded on
// the job, not surfaced here).
func (p *Poller) processNext() (bool, error) {
	select {
	case <-p.ctx.Done():
		return false, nil
	default:
	}

	// Gate before claiming, so a rate-limited cycle never charges an attempt.
	if p.limiter != nil {
		if err := p.limiter.Allow(); err != nil {
			callsInWindow, callsRemaining := p.limiter.Stats()
			p.logger.Infow("Rate limit reached - skipping claim cycle",
				"calls_in_window", callsInWindow,
				"calls_remaining", callsRemaining)
			return false, nil
		}
	}

	job, err := p.store.ClaimNext(p.ctx, p.config.Queues, p.workerID, p.config.LeaseDuration)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	p.execute(job)
	return true, nil
}

// execute runs one claimed job end to end: resource acquisition, handler
// dispatch under the execution timeout, and outcome resolution.
func (p *Poller) execute(job *Job) {
	handler, ok := p.registry.Get(job.Type)
	if !ok {
		// A claim against an unregistered type is a deployment error, not a
		// transient one. Retrying would spin forever.
		err := errors.Wrapf(errors.ErrNoHandler, "job type %q", job.Type)
		p.logger.Errorw("No handler for job type - dead-lettering",
			"job_id", job.ID,
			"job_type", job.Type)
		if dlErr := p.store.DeadLetter(p.ctx, job.ID, err); dlErr != nil {
			p.logger.Errorw("Failed to dead-letter job", "job_id", job.ID, "error", dlErr)
		}
		return
	}

	execCtx := p.ctx
	var res Resource
	pool := p.pools[job.Queue]
	if pool != nil {
		var err error
		res, err = pool.Acquire(p.ctx, p.config.PoolAcquireTimeout)
		if err != nil {
			// Pool exhaustion is transient: reschedule with backoff rather
			// than dead-letter (a contended job is not a broken job).
			p.logger.Warnw("Resource pool acquisition failed - retrying job",
				"job_id", job.ID,
				"queue", job.Queue,
				"error", err)
			p.resolve(job, Retry(errors.Wrap(err, "resource acquisition")))
			return
		}
		execCtx = WithResource(execCtx, res)
	}

	outcome, timedOut := p.runHandler(execCtx, handler, job)

	if pool != nil {
		// A handler that failed or overran its deadline may have left the
		// resource wedged mid-operation; destroy rather than reuse.
		healthy := !timedOut && !outcome.IsFailure()
		pool.Release(res, healthy)
	}

	p.resolve(job, outcome)
}

// runHandler dispatches to the handler under the execution timeout. The
// handler runs in its own goroutine so an uncooperative one cannot wedge the
// worker: on timeout the worker abandons it and the outcome becomes a
// retryable failure. The abandoned goroutine finishes on its own; the lease
// keeps the job invisible meanwhile.
func (p *Poller) runHandler(ctx context.Context, handler Handler, job *Job) (outcome Outcome, timedOut bool) {
	execCtx, cancel := context.WithTimeout(ctx, p.config.ExecTimeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Errorw("Handler panicked",
					"job_id", job.ID,
					"job_type", job.Type,
					"panic", r,
					"stack", string(debug.Stack()))
				done <- Retry(errors.Newf("handler panic: %v", r))
			}
		}()
		done <- handler.Execute(execCtx, job)
	}()

	select {
	case outcome = <-done:
		return outcome, false
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err := errors.Wrapf(errors.ErrTimeout, "execution exceeded %s", p.config.ExecTimeout)
			return Retry(err), true
		}
		// Shutdown cancellation: give the in-flight handler the grace
		// period to finish so its result is recorded.
		select {
		case outcome = <-done:
			return outcome, false
		case <-time.After(p.config.GracePeriod):
			return Retry(errors.New("execution interrupted by shutdown")), true
		}
	}
}

// resolve applies an outcome to the job record.
func (p *Poller) resolve(job *Job, outcome Outcome) {
	// Resolutions run against the parent context so a shutdown mid-job
	// still records the result.
	ctx := p.parentCtx

	var err error
	switch outcome.Kind() {
	case OutcomeSuccess:
		err = p.store.Complete(ctx, job.ID)
		if err == nil {
			p.logger.Infow("Job completed",
				"job_id", job.ID,
				"job_type", job.Type,
				"queue", job.Queue,
				"attempts", job.Attempts)
		}

	case OutcomeThrottle:
		nextRun := outcome.NextRun()
		err = p.store.Defer(ctx, job.ID, nextRun)
		if err == nil {
			p.logger.Infow("Job throttled - deferred without penalty",
				"job_id", job.ID,
				"job_type", job.Type,
				"next_run_at", nextRun)
		}

	case OutcomePermanent:
		err = p.store.DeadLetter(ctx, job.ID, outcome.Err())
		if err == nil {
			p.logger.Errorw("Job failed permanently - dead-lettered",
				"job_id", job.ID,
				"job_type", job.Type,
				"attempts", job.Attempts,
				"error", outcome.Err())
		}

	case OutcomeRetry:
		if p.policy.IsTerminal(job.Attempts) {
			wrapped := errors.Wrapf(outcome.Err(), "exhausted %d attempts", job.Attempts)
			err = p.store.DeadLetter(ctx, job.ID, wrapped)
			if err == nil {
				p.logger.Errorw("Job exhausted retries - dead-lettered",
					"job_id", job.ID,
					"job_type", job.Type,
					"attempts", job.Attempts,
					"error", outcome.Err())
			}
		} else {
			delay := p.policy.NextDelay(job.Attempts)
			nextRun := time.Now().UTC().Add(delay)
			err = p.store.Reschedule(ctx, job.ID, nextRun, outcome.Err())
			if err == nil {
				p.logger.Warnw("Job failed - scheduled for retry",
					"job_id", job.ID,
					"job_type", job.Type,
					"attempts", job.Attempts,
					"retry_in", delay,
					"error", outcome.Err())
			}
		}

	default:
		err = errors.Newf("unknown outcome kind %q", outcome.Kind())
	}

	if err != nil {
		p.logger.Errorw("Failed to record job outcome",
			"job_id", job.ID,
			"outcome", string(outcome.Kind()),
			"error", err)
	}
}

// resourceCtxKey is the context key carrying a pooled Resource into a
// handler execution.
type resourceCtxKey struct{}

// WithResource returns a context carrying the pooled resource.
func WithResource(ctx context.Context, res Resource) context.Context {
	return context.WithValue(ctx, resourceCtxKey{}, res)
}

// ResourceFrom extracts the pooled resource a worker acquired for this
// execution. Returns false for jobs on queues without an attached pool.
func ResourceFrom(ctx context.Context) (Resource, bool) {
	res, ok := ctx.Value(resourceCtxKey{}).(Resource)
	return res, ok
}
