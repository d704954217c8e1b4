package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rameshkrishnan/finflow/internal/config"
	"github.com/rameshkrishnan/finflow/internal/queue"
	"github.com/rameshkrishnan/finflow/internal/store"
	"github.com/rameshkrishnan/finflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testKind = "test_job"

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("finflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		DefaultMaxRetries: 3,
		DefaultTimeout:    time.Minute,
		RetryBackoffBase:  time.Millisecond,
		RetryBackoffMax:   5 * time.Millisecond,
		FinishedJobTTL:    24 * time.Hour,
	}
}

func newTestQueue(t *testing.T) (*queue.PostgresQueue, *pgxpool.Pool) {
	t.Helper()
	pool := setupTestDB(t)
	registry := queue.NewRegistry()
	registry.Register(testKind, nil)
	return queue.NewPostgresQueue(pool, testQueueConfig(), registry), pool
}

type testPayload struct {
	N int `json:"n"`
}

// --- Enqueue / Dequeue ---

func TestEnqueueDequeue_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 7})
	require.NoError(t, err)

	job, ok, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, testKind, job.Kind)
	assert.Equal(t, models.JobStatusClaimed, job.Status)
	assert.Equal(t, 1, job.ClaimCount)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "worker-1", *job.WorkerID)
	assert.Equal(t, time.Minute, job.Timeout)

	var p testPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, 7, p.N)
}

func TestEnqueue_UnknownKind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "no_such_kind", testPayload{})
	assert.ErrorIs(t, err, queue.ErrUnknownKind)
}

func TestEnqueue_InvalidPayload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	registry := queue.NewRegistry()
	registry.Register("strict", func(raw json.RawMessage) error {
		var p testPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.N <= 0 {
			return errors.New("n must be positive")
		}
		return nil
	})
	q := queue.NewPostgresQueue(pool, testQueueConfig(), registry)

	_, err := q.Enqueue(context.Background(), "strict", testPayload{N: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n must be positive")

	_, err = q.Enqueue(context.Background(), "strict", testPayload{N: 1})
	assert.NoError(t, err)
}

func TestDequeue_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)

	job, ok, err := q.Dequeue(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, job)
}

func TestDequeue_PriorityThenFIFO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low1, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)
	low2, err := q.Enqueue(ctx, testKind, testPayload{N: 2})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, testKind, testPayload{N: 3}, queue.WithPriority(5))
	require.NoError(t, err)

	var order []uuid.UUID
	for i := 0; i < 3; i++ {
		job, ok, err := q.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, job.ID)
	}

	assert.Equal(t, []uuid.UUID{high, low1, low2}, order)
}

// Two workers racing the same single job: exactly one claim wins.
func TestDequeue_AtomicClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		_, err := q.Enqueue(ctx, testKind, testPayload{N: i})
		require.NoError(t, err)
	}

	const workers = 8
	var mu sync.Mutex
	claimed := make(map[uuid.UUID]int)
	var errs []error

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			workerID := fmt.Sprintf("worker-%d", w)
			for {
				job, ok, err := q.Dequeue(ctx, workerID)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, claimed, jobCount)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

// --- Ack / Nack ---

func TestAck_StoresResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)
	_, ok, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	acked, err := q.Ack(ctx, id, map[string]string{"verdict": "done"})
	require.NoError(t, err)
	assert.True(t, acked)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.JSONEq(t, `{"verdict": "done"}`, string(job.Result))
}

func TestAck_StaleReturnsFalse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	acked, err := q.Ack(ctx, id, nil)
	require.NoError(t, err)
	require.True(t, acked)

	// Second ack is stale
	acked, err = q.Ack(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, acked)
}

func TestNack_RequeuesWithBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	existed, err := q.Nack(ctx, id, "transient failure", true)
	require.NoError(t, err)
	assert.True(t, existed)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "transient failure", *job.ErrorMessage)
	assert.Nil(t, job.WorkerID)
}

func TestNack_NoRetryFailsPermanently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	existed, err := q.Nack(ctx, id, "bad payload", false)
	require.NoError(t, err)
	assert.True(t, existed)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestNack_RetriesAreBounded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1}, queue.WithMaxRetries(2))
	require.NoError(t, err)

	// Attempt 1 + 2 retries, then the job must be failed for good.
	for attempt := 0; attempt < 3; attempt++ {
		job := waitForDequeue(t, q, "worker-1")
		require.Equal(t, id, job.ID)

		existed, err := q.Nack(ctx, id, "still failing", true)
		require.NoError(t, err)
		require.True(t, existed)
	}

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.RetryCount)

	_, ok, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNack_MissingJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)

	existed, err := q.Nack(context.Background(), uuid.New(), "whatever", true)
	require.NoError(t, err)
	assert.False(t, existed)
}

// waitForDequeue polls until the job becomes claimable again after backoff.
func waitForDequeue(t *testing.T, q *queue.PostgresQueue, workerID string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.Dequeue(context.Background(), workerID)
		require.NoError(t, err)
		if ok {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no job became claimable before deadline")
	return nil
}

// --- Logs / GetJob / Cleanup ---

func TestAppendLog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)

	require.NoError(t, q.AppendLog(ctx, id, "claimed by worker"))
	require.NoError(t, q.AppendLog(ctx, id, "analysis started"))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Len(t, job.Logs, 2)
	assert.Equal(t, "claimed by worker", job.Logs[0].Message)
	assert.Equal(t, "analysis started", job.Logs[1].Message)
	assert.False(t, job.Logs[0].Timestamp.IsZero())
}

func TestGetJob_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)

	_, err := q.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCleanupFinished(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	done, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	_, err = q.Ack(ctx, done, nil)
	require.NoError(t, err)

	pending, err := q.Enqueue(ctx, testKind, testPayload{N: 2})
	require.NoError(t, err)

	// Future cutoff removes the completed job but never pending ones.
	n, err := q.CleanupFinished(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.GetJob(ctx, done)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	_, err = q.GetJob(ctx, pending)
	assert.NoError(t, err)
}

// Full lifecycle: a job that fails twice then succeeds ends up completed
// with its retry history intact.
func TestLifecycle_FailTwiceThenSucceed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 42})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		job := waitForDequeue(t, q, "worker-1")
		require.Equal(t, id, job.ID)
		_, err = q.Nack(ctx, id, "flaky", true)
		require.NoError(t, err)
	}

	job := waitForDequeue(t, q, "worker-1")
	require.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, 3, job.ClaimCount)

	acked, err := q.Ack(ctx, id, map[string]int{"answer": 42})
	require.NoError(t, err)
	require.True(t, acked)

	final, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 2, final.RetryCount)
}

// --- ReclaimStalled ---

func backdateClaim(t *testing.T, pool *pgxpool.Pool, jobID uuid.UUID, age time.Duration) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE jobs SET started_at = NOW() - make_interval(secs => $2) WHERE id = $1`,
		jobID, age.Seconds())
	require.NoError(t, err)
}

func TestReclaimStalled_RequeuesOrphanedClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, pool := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1}, queue.WithTimeout(time.Second))
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, "worker-dead")
	require.NoError(t, err)
	require.True(t, ok)

	// simulate the holder dying long ago without ack or nack
	backdateClaim(t, pool, id, time.Hour)

	n, err := q.ReclaimStalled(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.WorkerID)
	require.NotNil(t, job.ErrorMessage)

	// the job is visible to other workers again
	reclaimed := waitForDequeue(t, q, "worker-2")
	assert.Equal(t, id, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.ClaimCount)
}

func TestReclaimStalled_FailsWhenRetriesExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, pool := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testKind, testPayload{N: 1},
		queue.WithTimeout(time.Second), queue.WithMaxRetries(0))
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, "worker-dead")
	require.NoError(t, err)
	require.True(t, ok)

	backdateClaim(t, pool, id, time.Hour)

	n, err := q.ReclaimStalled(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestReclaimStalled_LeavesLiveClaimsAlone(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q, pool := newTestQueue(t)
	ctx := context.Background()

	fresh, err := q.Enqueue(ctx, testKind, testPayload{N: 1})
	require.NoError(t, err)
	_, ok, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	// past its timeout but still inside the slack window
	graced, err := q.Enqueue(ctx, testKind, testPayload{N: 2}, queue.WithTimeout(time.Second))
	require.NoError(t, err)
	_, ok, err = q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	backdateClaim(t, pool, graced, 30*time.Second)

	n, err := q.ReclaimStalled(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for _, id := range []uuid.UUID{fresh, graced} {
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusClaimed, job.Status)
	}
}
