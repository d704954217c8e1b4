// Package lock implements the per-session mutual-exclusion lock shared by
// all pods through Postgres. A lock is a token, not a queue: Acquire never
// blocks or waits, it reports contention as a plain false.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

// SessionLock is the distributed lock interface.
type SessionLock interface {
	Acquire(ctx context.Context, sessionID, ownerRef string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID string) error
	Extend(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	IsLocked(ctx context.Context, sessionID string) (bool, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// PostgresLock implements SessionLock on the session_locks table. The
// primary key on session_id is what enforces mutual exclusion; application
// code never reasons about two lock rows for one session.
type PostgresLock struct {
	pool *pgxpool.Pool
}

func NewPostgresLock(pool *pgxpool.Pool) *PostgresLock {
	return &PostgresLock{pool: pool}
}

// Acquire takes the lock iff no live lock row exists. The insert and the
// takeover of an expired row are one atomic statement: no rows returned
// means another holder has a live lock.
func (l *PostgresLock) Acquire(ctx context.Context, sessionID, ownerRef string, ttl time.Duration) (bool, error) {
	var locked models.SessionLock
	err := l.pool.QueryRow(ctx,
		`INSERT INTO session_locks (session_id, owner_ref, locked_at, expires_at)
		 VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))
		 ON CONFLICT (session_id) DO UPDATE SET
			owner_ref = EXCLUDED.owner_ref,
			locked_at = EXCLUDED.locked_at,
			expires_at = EXCLUDED.expires_at
		 WHERE session_locks.expires_at <= NOW()
		 RETURNING session_id, owner_ref, locked_at, expires_at`,
		sessionID, ownerRef, ttl.Seconds(),
	).Scan(&locked.SessionID, &locked.OwnerRef, &locked.LockedAt, &locked.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// A live lock exists: contention, not an error.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire session lock: %w", err)
	}
	return true, nil
}

// Release drops the lock unconditionally. Idempotent: releasing an absent
// lock is a no-op.
func (l *PostgresLock) Release(ctx context.Context, sessionID string) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM session_locks WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}

// Extend pushes out the expiry of a live lock so a long-running holder
// does not lose it mid-analysis. Returns false if no live lock exists.
func (l *PostgresLock) Extend(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	tag, err := l.pool.Exec(ctx,
		`UPDATE session_locks SET expires_at = NOW() + make_interval(secs => $2)
		 WHERE session_id = $1 AND expires_at > NOW()`, sessionID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("extend session lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsLocked reports whether a non-expired lock row exists for the session.
func (l *PostgresLock) IsLocked(ctx context.Context, sessionID string) (bool, error) {
	var locked bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM session_locks WHERE session_id = $1 AND expires_at > NOW()
		 )`, sessionID).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("check session lock: %w", err)
	}
	return locked, nil
}

// CleanupExpired sweeps dead lock rows. Acquire already steps over expired
// rows, so this only keeps the table small.
func (l *PostgresLock) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM session_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
