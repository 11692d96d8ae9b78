package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrule/conveyor/errors"
	conveyortesting "github.com/ferrule/conveyor/internal/testing"
)

const testLease = 5 * time.Minute

func mustEnqueue(t *testing.T, store *Store, queue, jobType string, payload json.RawMessage, runAt time.Time) *Job {
	t.Helper()
	job, err := NewJob(queue, jobType, payload, runAt)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), job))
	return job
}

func TestEnqueueAndGetJob(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := mustEnqueue(t, store, "emails", "send_welcome", json.RawMessage(`{"to":"meta-knight@example.com"}`), time.Time{})

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "emails", got.Queue)
	assert.Equal(t, "send_welcome", got.Type)
	assert.JSONEq(t, `{"to":"meta-knight@example.com"}`, string(got.Payload))
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, StatusPending, got.StatusAt(time.Now(), testLease))
}

func TestGetJobNotFound(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.GetJob(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClaimNextBasic(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})

	claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.LockedAt)
	assert.Equal(t, "worker-1", claimed.LockedBy)
	assert.Equal(t, StatusInProgress, claimed.StatusAt(time.Now(), testLease))

	// Nothing else eligible while the lease is live.
	second, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-2", testLease)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	claimed, err := store.ClaimNext(context.Background(), []string{"empty"}, "worker-1", testLease)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextRespectsRunAt(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	mustEnqueue(t, store, "crawl", "fetch_page", nil, future)

	claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	assert.Nil(t, claimed, "job scheduled in the future must not be claimable")
}

func TestClaimNextFIFOOrder(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var want []string
	for i := 0; i < 3; i++ {
		job, err := NewJob("crawl", "fetch_page", nil, base)
		require.NoError(t, err)
		// Distinct created_at so the tiebreak is deterministic.
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		job.UpdatedAt = job.CreatedAt
		require.NoError(t, store.Enqueue(ctx, job))
		want = append(want, job.ID)
	}

	for i, wantID := range want {
		claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
		require.NoError(t, err)
		require.NotNil(t, claimed, "claim %d", i)
		assert.Equal(t, wantID, claimed.ID, "claim %d out of order", i)
	}
}

func TestClaimNextMultipleQueues(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	mustEnqueue(t, store, "emails", "send_welcome", nil, time.Time{})
	mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		claimed, err := store.ClaimNext(ctx, []string{"emails", "crawl"}, "worker-1", testLease)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		seen[claimed.Queue] = true
	}
	assert.True(t, seen["emails"])
	assert.True(t, seen["crawl"])

	// A worker subscribed elsewhere sees nothing.
	claimed, err := store.ClaimNext(ctx, []string{"reports"}, "worker-2", testLease)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextConcurrentSingleWinner(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Job, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "racer", testLease)
			require.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil {
			winners++
			assert.Equal(t, job.ID, r.ID)
			assert.Equal(t, 1, r.Attempts)
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimer must win")
}

func TestClaimNextReclaimsStaleLease(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)

	now := time.Now().UTC()
	clock := now
	store := NewStoreWithClock(db, func() time.Time { return clock })
	ctx := context.Background()

	// run_at must come from the injected clock, not the wall clock, or the
	// job is never due from the store's point of view.
	mustEnqueue(t, store, "crawl", "fetch_page", nil, now)

	first, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-crashed", testLease)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempts)

	// Inside the lease window nothing is claimable.
	clock = now.Add(testLease - time.Second)
	blocked, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-2", testLease)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Past expiry the orphan is reclaimable, attempts unchanged.
	clock = now.Add(testLease + time.Second)
	reclaimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-2", testLease)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, first.ID, reclaimed.ID)
	assert.Equal(t, "worker-2", reclaimed.LockedBy)
	assert.Equal(t, 1, reclaimed.Attempts, "stale reclaim must not charge a second attempt")
}

func TestCompleteClearsLease(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})
	claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.Complete(ctx, claimed.ID))

	got, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockedAt)
	assert.Empty(t, got.LockedBy)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, StatusCompleted, got.StatusAt(time.Now(), testLease))

	// Completed rows are never claimable again.
	again, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-2", testLease)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCompleteTerminalIsNotFound(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})
	require.NoError(t, store.Complete(ctx, job.ID))

	err := store.Complete(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRescheduleRecordsErrorAndRequeues(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})
	claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	nextRun := time.Now().UTC().Add(-time.Second)
	require.NoError(t, store.Reschedule(ctx, claimed.ID, nextRun, errors.New("connection refused")))

	got, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, "connection refused", got.LastError)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, StatusPending, got.StatusAt(time.Now(), testLease))

	// The retry accrues a second attempt on the next claim.
	retry, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.Attempts)
}

func TestRescheduleRequiresError(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)

	err := store.Reschedule(context.Background(), "whatever", time.Now(), nil)
	require.Error(t, err)
}

func TestDeferHandsBackAttempt(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})
	claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)

	require.NoError(t, store.Defer(ctx, claimed.ID, time.Now().UTC().Add(-time.Second)))

	got, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts, "claim+defer must be attempt-neutral")
	assert.Empty(t, got.LastError, "defer is not a failure")
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, StatusPending, got.StatusAt(time.Now(), testLease))
}

func TestDeferAfterReclaimKeepsCrashedAttempt(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)

	now := time.Now().UTC()
	clock := now
	store := NewStoreWithClock(db, func() time.Time { return clock })
	ctx := context.Background()

	mustEnqueue(t, store, "crawl", "fetch_page", nil, now)

	// Worker A claims and charges the attempt, then dies without resolving.
	first, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-crashed", testLease)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempts)

	// Worker B reclaims the stale lease without a second charge.
	clock = now.Add(testLease + time.Second)
	reclaimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-2", testLease)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 1, reclaimed.Attempts)

	// B's handler throttles. The reclaim charged nothing, so there is
	// nothing to hand back: A's attempt must stand.
	require.NoError(t, store.Defer(ctx, reclaimed.ID, clock.Add(time.Minute)))

	got, err := store.GetJob(ctx, reclaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "defer after reclaim must not erase the crashed execution's attempt")

	// A later fresh claim charges and defers back to 1 as usual.
	clock = clock.Add(2 * time.Minute)
	fresh, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-2", testLease)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, 2, fresh.Attempts)

	require.NoError(t, store.Defer(ctx, fresh.ID, clock.Add(time.Minute)))
	got, err = store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestDeadLetterExcludesFromClaims(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})
	claimed, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.DeadLetter(ctx, claimed.ID, errors.New("404 gone for good")))

	got, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailedAt)
	assert.Equal(t, "404 gone for good", got.LastError)
	assert.Equal(t, StatusDead, got.StatusAt(time.Now(), testLease))

	again, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-2", testLease)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestListJobsByStatus(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	pending := mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})
	running := mustEnqueue(t, store, "emails", "send_welcome", nil, time.Time{})
	done := mustEnqueue(t, store, "emails", "send_digest", nil, time.Time{})
	dead := mustEnqueue(t, store, "crawl", "fetch_sitemap", nil, time.Time{})

	claimAndHold := func(id string) {
		for {
			c, err := store.ClaimNext(ctx, []string{"crawl", "emails"}, "worker-1", testLease)
			require.NoError(t, err)
			require.NotNil(t, c)
			if c.ID == id {
				return
			}
			require.NoError(t, store.Defer(ctx, c.ID, time.Now().UTC().Add(-time.Second)))
		}
	}

	claimAndHold(done.ID)
	require.NoError(t, store.Complete(ctx, done.ID))
	claimAndHold(dead.ID)
	require.NoError(t, store.DeadLetter(ctx, dead.ID, errors.New("boom")))
	claimAndHold(running.ID)

	check := func(status Status, wantID string) {
		jobs, err := store.ListJobs(ctx, &status, testLease, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "status %s", status)
		assert.Equal(t, wantID, jobs[0].ID, "status %s", status)
	}
	check(StatusPending, pending.ID)
	check(StatusInProgress, running.ID)
	check(StatusCompleted, done.ID)
	check(StatusDead, dead.ID)

	all, err := store.ListJobs(ctx, nil, testLease, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestGetStats(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})
	done := mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})

	c, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, c.ID))
	_ = done

	running, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, running)

	mustEnqueue(t, store, "crawl", "fetch_page", nil, time.Time{})

	stats, err := store.GetStats(ctx, testLease)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Dead)
	assert.Equal(t, 3, stats.Total)
}

func TestPruneOldJobs(t *testing.T) {
	db := conveyortesting.CreateTestDB(t)

	now := time.Now().UTC()
	clock := now.Add(-48 * time.Hour)
	store := NewStoreWithClock(db, func() time.Time { return clock })
	ctx := context.Background()

	old, err := NewJob("crawl", "fetch_page", nil, clock)
	require.NoError(t, err)
	old.CreatedAt = clock
	old.UpdatedAt = clock
	require.NoError(t, store.Enqueue(ctx, old))

	c, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NoError(t, store.Complete(ctx, c.ID))

	// A freshly completed job survives pruning.
	clock = now
	mustEnqueue(t, store, "crawl", "fetch_page", nil, now)
	c2, err := store.ClaimNext(ctx, []string{"crawl"}, "worker-1", testLease)
	require.NoError(t, err)
	require.NotNil(t, c2)
	require.NoError(t, store.Complete(ctx, c2.ID))

	pruned, err := store.PruneOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = store.GetJob(ctx, old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.GetJob(ctx, c2.ID)
	assert.NoError(t, err)
}
