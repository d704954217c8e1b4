package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rameshkrishnan/finflow/internal/config"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

var ErrUnknownKind = errors.New("unknown job kind")
var ErrNotFound = errors.New("job not found")

// Queue is the shared job queue interface. Producers enqueue, worker pools
// dequeue/ack/nack. Contention (empty queue, stale ack) is reported through
// return values, never as errors.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...EnqueueOption) (uuid.UUID, error)
	Dequeue(ctx context.Context, workerID string) (*models.Job, bool, error)
	Ack(ctx context.Context, jobID uuid.UUID, result any) (bool, error)
	Nack(ctx context.Context, jobID uuid.UUID, errMsg string, retry bool) (bool, error)
	AppendLog(ctx context.Context, jobID uuid.UUID, message string) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	CleanupFinished(ctx context.Context, olderThan time.Time) (int64, error)
	ReclaimStalled(ctx context.Context, slack time.Duration) (int64, error)
}

type enqueueParams struct {
	priority   int
	timeout    time.Duration
	maxRetries int
}

type EnqueueOption func(*enqueueParams)

func WithPriority(p int) EnqueueOption {
	return func(e *enqueueParams) { e.priority = p }
}

func WithTimeout(d time.Duration) EnqueueOption {
	return func(e *enqueueParams) { e.timeout = d }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(e *enqueueParams) { e.maxRetries = n }
}

// PostgresQueue implements Queue on a shared Postgres pool. The claim in
// Dequeue is a single conditional read-modify-write, so two workers racing
// the same pending job can never both win.
type PostgresQueue struct {
	pool     *pgxpool.Pool
	cfg      config.QueueConfig
	registry *Registry
}

// NewPostgresQueue creates a new PostgresQueue. The registry defines the
// set of accepted job kinds; enqueueing an unregistered kind fails.
func NewPostgresQueue(pool *pgxpool.Pool, cfg config.QueueConfig, registry *Registry) *PostgresQueue {
	return &PostgresQueue{pool: pool, cfg: cfg, registry: registry}
}

const jobColumns = `id, kind, payload, status, priority, worker_id, retry_count, max_retries,
	timeout_secs, claim_count, result, error_message, logs, created_at, started_at, completed_at, updated_at`

// Enqueue validates the payload against the kind's schema and inserts a
// pending job. It only fails if the payload is invalid or the store is
// unreachable.
func (q *PostgresQueue) Enqueue(ctx context.Context, kind string, payload any, opts ...EnqueueOption) (uuid.UUID, error) {
	params := &enqueueParams{
		priority:   0,
		timeout:    q.cfg.DefaultTimeout,
		maxRetries: q.cfg.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(params)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := q.registry.Validate(kind, raw); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	_, err = q.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, payload, priority, max_retries, timeout_secs)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, kind, raw, params.priority, params.maxRetries, int(params.timeout.Seconds()))
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Dequeue atomically claims the best pending job: highest priority first,
// then oldest. Jobs waiting out a retry backoff (next_retry_at in the
// future) are skipped. Returns (nil, false, nil) when the queue is empty.
func (q *PostgresQueue) Dequeue(ctx context.Context, workerID string) (*models.Job, bool, error) {
	row := q.pool.QueryRow(ctx,
		`UPDATE jobs SET
			status = 'claimed',
			worker_id = $1,
			started_at = NOW(),
			claim_count = claim_count + 1,
			updated_at = NOW()
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND next_retry_at <= NOW()
			ORDER BY priority DESC, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING `+jobColumns)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dequeue job: %w", err)
	}
	return job, true, nil
}

// Ack transitions claimed -> completed and stores the result. A false
// return means the job no longer exists or was already finalized; callers
// must treat that as a stale-operation signal, not a processing error.
func (q *PostgresQueue) Ack(ctx context.Context, jobID uuid.UUID, result any) (bool, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', result = $2, worker_id = NULL,
			completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'claimed'`, jobID, raw)
	if err != nil {
		return false, fmt.Errorf("ack job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Nack requeues a claimed job with backoff while retries remain, otherwise
// marks it permanently failed. Returns whether the job existed. A job
// already in a terminal state is left untouched.
func (q *PostgresQueue) Nack(ctx context.Context, jobID uuid.UUID, errMsg string, retry bool) (bool, error) {
	// Only the claim holder mutates a claimed job, so read-then-update is
	// not racy here.
	var retryCount, maxRetries int
	err := q.pool.QueryRow(ctx,
		`SELECT retry_count, max_retries FROM jobs WHERE id = $1 AND status = 'claimed'`,
		jobID).Scan(&retryCount, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return q.jobExists(ctx, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("nack job: %w", err)
	}

	if retry && retryCount < maxRetries {
		next := NextRetryAt(time.Now(), retryCount+1, BackoffConfig{
			BaseDelay: q.cfg.RetryBackoffBase,
			MaxDelay:  q.cfg.RetryBackoffMax,
		}, nil)
		_, err = q.pool.Exec(ctx,
			`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
				worker_id = NULL, error_message = $2, next_retry_at = $3, updated_at = NOW()
			 WHERE id = $1 AND status = 'claimed'`, jobID, errMsg, next)
		if err != nil {
			return false, fmt.Errorf("requeue job: %w", err)
		}
		return true, nil
	}

	_, err = q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', worker_id = NULL, error_message = $2,
			completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'claimed'`, jobID, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return true, nil
}

// AppendLog attaches a timestamped entry to the job's log. Never touches
// the state machine.
func (q *PostgresQueue) AppendLog(ctx context.Context, jobID uuid.UUID, message string) error {
	entry, err := json.Marshal([]models.JobLogEntry{{
		Timestamp: time.Now().UTC(),
		Message:   message,
	}})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	_, err = q.pool.Exec(ctx,
		`UPDATE jobs SET logs = logs || $2::jsonb, updated_at = NOW() WHERE id = $1`,
		jobID, entry)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

func (q *PostgresQueue) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CleanupFinished removes terminal jobs that completed before the cutoff.
func (q *PostgresQueue) CleanupFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < $1`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimStalled returns orphaned claims to the queue. A claim whose
// holder is alive finalizes within the job timeout; once
// started_at + timeout_secs + slack has passed the holding process is
// gone, so the job requeues while retries remain and fails permanently
// otherwise. Either way the job stops being invisible to other workers.
func (q *PostgresQueue) ReclaimStalled(ctx context.Context, slack time.Duration) (int64, error) {
	const stalled = `status = 'claimed'
		AND started_at + make_interval(secs => timeout_secs) + make_interval(secs => $1) < NOW()`

	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', worker_id = NULL,
			retry_count = retry_count + 1, next_retry_at = NOW(),
			error_message = 'claim expired without finalization', updated_at = NOW()
		 WHERE `+stalled+` AND retry_count < max_retries`, slack.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeue stalled jobs: %w", err)
	}
	requeued := tag.RowsAffected()

	tag, err = q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', worker_id = NULL,
			error_message = 'claim expired without finalization',
			completed_at = NOW(), updated_at = NOW()
		 WHERE `+stalled+` AND retry_count >= max_retries`, slack.Seconds())
	if err != nil {
		return 0, fmt.Errorf("fail stalled jobs: %w", err)
	}
	return requeued + tag.RowsAffected(), nil
}

func (q *PostgresQueue) jobExists(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var exists bool
	if err := q.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job exists: %w", err)
	}
	return exists, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var timeoutSecs int
	if err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Priority, &j.WorkerID,
		&j.RetryCount, &j.MaxRetries, &timeoutSecs, &j.ClaimCount, &j.Result,
		&j.ErrorMessage, &j.Logs, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Timeout = time.Duration(timeoutSecs) * time.Second
	return &j, nil
}

func marshalPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(v)
	}
}
