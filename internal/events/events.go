// Package events is the progress-event relay between worker pods and the
// client-facing server. Workers append; the server polls by
// (session_id, ts > since). A shared append-only log polled at short
// intervals needs no socket between the two processes and tolerates
// either side restarting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

// Log is the event log interface.
type Log interface {
	Publish(ctx context.Context, sessionID string, payload any) (*models.Event, error)
	Since(ctx context.Context, sessionID string, since time.Time) ([]*models.Event, error)
	Cleanup(ctx context.Context) (int64, error)
}

// PostgresLog implements Log on the events table.
type PostgresLog struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresLog(pool *pgxpool.Pool, ttl time.Duration) *PostgresLog {
	return &PostgresLog{pool: pool, ttl: ttl}
}

// Publish appends an event with an expiry stamp and returns it.
func (l *PostgresLog) Publish(ctx context.Context, sessionID string, payload any) (*models.Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	ev := &models.Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Payload:   raw,
	}
	err = l.pool.QueryRow(ctx,
		`INSERT INTO events (id, session_id, ts, payload, expires_at)
		 VALUES ($1, $2, NOW(), $3, NOW() + make_interval(secs => $4))
		 RETURNING ts, expires_at`,
		ev.ID, sessionID, raw, l.ttl.Seconds(),
	).Scan(&ev.Timestamp, &ev.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("publish event: %w", err)
	}
	return ev, nil
}

// Since returns events for the session strictly after the given timestamp,
// ascending. A zero since returns everything still retained.
func (l *PostgresLog) Since(ctx context.Context, sessionID string, since time.Time) ([]*models.Event, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, session_id, ts, processed, payload, expires_at
		 FROM events WHERE session_id = $1 AND ts > $2
		 ORDER BY ts ASC`, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Timestamp, &ev.Processed,
			&ev.Payload, &ev.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Cleanup removes expired events.
func (l *PostgresLog) Cleanup(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM events WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(v)
	}
}
