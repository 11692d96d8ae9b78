package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ferrule/conveyor/errors"
	conveyortesting "github.com/ferrule/conveyor/internal/testing"
)

// fastPollerConfig keeps the poll loop tight so tests finish quickly.
func fastPollerConfig(queues ...string) PollerConfig {
	cfg := DefaultPollerConfig()
	cfg.Queues = queues
	cfg.PollInterval = 10 * time.Millisecond
	cfg.LeaseDuration = time.Minute
	cfg.ExecTimeout = 5 * time.Second
	cfg.PoolAcquireTimeout = 100 * time.Millisecond
	cfg.GracePeriod = 2 * time.Second
	return cfg
}

// fastBackoff retries almost immediately so multi-attempt tests stay fast.
func fastBackoff(maxAttempts int) BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Millisecond,
		Cap:         5 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func newTestPoller(t *testing.T, store *Store, registry *Registry, policy BackoffPolicy, cfg PollerConfig) *Poller {
	t.Helper()
	poller, err := NewPoller(context.Background(), store, registry, policy, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return poller
}

// waitForStatus polls until the job reaches the wanted derived status or the
// deadline passes.
func waitForStatus(t *testing.T, store *Store, jobID string, want Status, lease time.Duration) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.StatusAt(time.Now(), lease) == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func TestPollerExecutesJob(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	var got atomic.Value
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("inhale", func(ctx context.Context, job *Job) Outcome {
		got.Store(string(job.Payload))
		return Success()
	}))

	cfg := fastPollerConfig("dreamland")
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)

	job := mustEnqueue(t, store, "dreamland", "inhale", json.RawMessage(`{"target":"waddle dee"}`), time.Time{})

	poller.Start()
	defer poller.Stop()

	done := waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, `{"target":"waddle dee"}`, got.Load())
}

func TestPollerRetriesThenSucceeds(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("flaky_fetch", func(ctx context.Context, job *Job) Outcome {
		if calls.Add(1) < 3 {
			return Retry(errors.New("upstream hiccup"))
		}
		return Success()
	}))

	cfg := fastPollerConfig("crawl")
	poller := newTestPoller(t, store, registry, fastBackoff(5), cfg)

	job := mustEnqueue(t, store, "crawl", "flaky_fetch", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	done := waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, done.Attempts)
	// last_error keeps the most recent failure even after success.
	assert.Equal(t, "upstream hiccup", done.LastError)
}

func TestPollerDeadLettersAfterMaxAttempts(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("doomed", func(ctx context.Context, job *Job) Outcome {
		calls.Add(1)
		return Retry(errors.New("it never works"))
	}))

	cfg := fastPollerConfig("crawl")
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)

	job := mustEnqueue(t, store, "crawl", "doomed", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	dead := waitForStatus(t, store, job.ID, StatusDead, cfg.LeaseDuration)
	assert.Equal(t, int32(3), calls.Load(), "exactly MaxAttempts executions")
	assert.Equal(t, 3, dead.Attempts)
	assert.Contains(t, dead.LastError, "it never works")
	require.NotNil(t, dead.FailedAt)
}

func TestPollerPermanentFailureSkipsRetries(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("bad_payload", func(ctx context.Context, job *Job) Outcome {
		calls.Add(1)
		return Permanent(errors.New("payload refers to a deleted account"))
	}))

	cfg := fastPollerConfig("emails")
	poller := newTestPoller(t, store, registry, fastBackoff(5), cfg)

	job := mustEnqueue(t, store, "emails", "bad_payload", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	dead := waitForStatus(t, store, job.ID, StatusDead, cfg.LeaseDuration)
	assert.Equal(t, int32(1), calls.Load(), "permanent failure must not retry")
	assert.Equal(t, 1, dead.Attempts)
}

func TestPollerDeadLettersUnknownJobType(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	registry := NewRegistry()
	cfg := fastPollerConfig("crawl")
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)

	job := mustEnqueue(t, store, "crawl", "nobody_handles_this", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	dead := waitForStatus(t, store, job.ID, StatusDead, cfg.LeaseDuration)
	assert.Contains(t, dead.LastError, "nobody_handles_this")
}

func TestPollerRecoversFromHandlerPanic(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("volatile", func(ctx context.Context, job *Job) Outcome {
		if calls.Add(1) == 1 {
			panic("nil pointer somewhere deep")
		}
		return Success()
	}))

	cfg := fastPollerConfig("crawl")
	poller := newTestPoller(t, store, registry, fastBackoff(5), cfg)

	job := mustEnqueue(t, store, "crawl", "volatile", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	done := waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
	assert.Equal(t, int32(2), calls.Load(), "panic counts as a retryable failure")
	assert.Equal(t, 2, done.Attempts)
}

func TestPollerExecutionTimeout(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("sleepy", func(ctx context.Context, job *Job) Outcome {
		if calls.Add(1) == 1 {
			// Ignores ctx on purpose: the runtime must still enforce the
			// deadline on an uncooperative handler.
			time.Sleep(500 * time.Millisecond)
			return Success()
		}
		return Success()
	}))

	cfg := fastPollerConfig("crawl")
	cfg.ExecTimeout = 50 * time.Millisecond
	poller := newTestPoller(t, store, registry, fastBackoff(5), cfg)

	job := mustEnqueue(t, store, "crawl", "sleepy", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	done := waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "timed-out run must be retried")
	assert.GreaterOrEqual(t, done.Attempts, 2)
}

func TestPollerThrottleDefersWithoutPenalty(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("polite_api", func(ctx context.Context, job *Job) Outcome {
		if calls.Add(1) == 1 {
			return Throttle(time.Now().UTC().Add(20 * time.Millisecond))
		}
		return Success()
	}))

	cfg := fastPollerConfig("api")
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)

	job := mustEnqueue(t, store, "api", "polite_api", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	done := waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, done.Attempts, "throttle cycle must be attempt-neutral")
	assert.Empty(t, done.LastError, "throttle is not a failure")
}

func TestPollerPoolGatedQueue(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	factory, created := newCountingFactory()
	pool, err := NewPool(1, factory)
	require.NoError(t, err)
	defer pool.Close()

	var sawResource atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("render_page", func(ctx context.Context, job *Job) Outcome {
		if _, ok := ResourceFrom(ctx); ok {
			sawResource.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		return Success()
	}))

	cfg := fastPollerConfig("browser")
	cfg.Workers = 3
	// Generous acquire timeout: contention here should queue, not retry.
	cfg.PoolAcquireTimeout = 2 * time.Second
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)
	poller.AttachPool("browser", pool)

	var jobs []*Job
	for i := 0; i < 4; i++ {
		jobs = append(jobs, mustEnqueue(t, store, "browser", "render_page", nil, time.Time{}))
	}

	poller.Start()
	defer poller.Stop()

	for _, job := range jobs {
		waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
	}
	assert.Equal(t, int32(4), sawResource.Load(), "every execution sees its pooled resource")
	assert.Equal(t, int64(1), created.Load(), "single slot means a single browser, reused")
}

func TestPollerDestroysResourceOnFailure(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	factory, created := newCountingFactory()
	pool, err := NewPool(1, factory)
	require.NoError(t, err)
	defer pool.Close()

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("crashy_render", func(ctx context.Context, job *Job) Outcome {
		if calls.Add(1) == 1 {
			return Retry(errors.New("browser crashed"))
		}
		return Success()
	}))

	cfg := fastPollerConfig("browser")
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)
	poller.AttachPool("browser", pool)

	job := mustEnqueue(t, store, "browser", "crashy_render", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
	assert.Equal(t, int64(2), created.Load(), "failed execution must destroy its resource")
}

func TestPollerPoolTimeoutIsRetryable(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	factory, _ := newCountingFactory()
	pool, err := NewPool(1, factory)
	require.NoError(t, err)
	defer pool.Close()

	// Hold the only slot so the poller's acquire times out.
	held, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Register(NewHandlerFunc("render_page", func(ctx context.Context, job *Job) Outcome {
		return Success()
	}))

	cfg := fastPollerConfig("browser")
	cfg.PoolAcquireTimeout = 20 * time.Millisecond
	poller := newTestPoller(t, store, registry, fastBackoff(10), cfg)
	poller.AttachPool("browser", pool)

	job := mustEnqueue(t, store, "browser", "render_page", nil, time.Time{})

	poller.Start()
	defer poller.Stop()

	// Contention reschedules with an attempt charged and an error recorded.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Attempts >= 1 && got.LastError != "" {
			assert.Contains(t, got.LastError, "resource acquisition")
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Freeing the slot lets a later cycle finish the job.
	pool.Release(held, true)
	waitForStatus(t, store, job.ID, StatusCompleted, cfg.LeaseDuration)
}

func TestPollerGracefulStop(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	started := make(chan struct{})
	registry := NewRegistry()
	registry.Register(NewHandlerFunc("slow_but_steady", func(ctx context.Context, job *Job) Outcome {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return Success()
	}))

	cfg := fastPollerConfig("crawl")
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)

	job := mustEnqueue(t, store, "crawl", "slow_but_steady", nil, time.Time{})

	poller.Start()
	<-started
	poller.Stop()

	// The in-flight job finished and was recorded despite the stop.
	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.StatusAt(time.Now(), cfg.LeaseDuration))
}

func TestPollerStopPreventsNewClaims(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	registry := NewRegistry()
	registry.Register(NewHandlerFunc("inhale", func(ctx context.Context, job *Job) Outcome {
		return Success()
	}))

	cfg := fastPollerConfig("dreamland")
	poller := newTestPoller(t, store, registry, fastBackoff(3), cfg)

	poller.Start()
	poller.Stop()

	job := mustEnqueue(t, store, "dreamland", "inhale", nil, time.Time{})
	time.Sleep(50 * time.Millisecond)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.StatusAt(time.Now(), cfg.LeaseDuration))
}

func TestPollerConfigValidation(t *testing.T) {
	store := &Store{}
	registry := NewRegistry()
	logger := zap.NewNop().Sugar()

	cfg := fastPollerConfig() // no queues
	_, err := NewPoller(context.Background(), store, registry, fastBackoff(3), cfg, logger)
	assert.Error(t, err)

	cfg = fastPollerConfig("q")
	cfg.Workers = 0
	_, err = NewPoller(context.Background(), store, registry, fastBackoff(3), cfg, logger)
	assert.Error(t, err)

	cfg = fastPollerConfig("q")
	cfg.ExecTimeout = cfg.LeaseDuration
	_, err = NewPoller(context.Background(), store, registry, fastBackoff(3), cfg, logger)
	assert.Error(t, err)
}
