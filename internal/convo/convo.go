// Package convo stores conversation history in two tiers: a bounded recent
// window in Redis and the full history in Postgres. The two tiers have no
// transactional link, so the fast tier is only trusted after this process
// has itself confirmed it was loaded from, or kept in sync with, the
// durable tier. That confirmation is the per-session healthy flag; data
// merely being present in Redis is never enough.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rameshkrishnan/finflow/internal/cache"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

var ErrMessageNotFound = errors.New("message not found")

// Amendment holds the fields an in-place message update may change, e.g.
// a placeholder being replaced by the final analysis text.
type Amendment struct {
	Content  *string
	Metadata json.RawMessage
}

// Store is the conversation interface consumed by request handlers and
// workers.
type Store interface {
	Append(ctx context.Context, msg *models.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	Amend(ctx context.Context, sessionID string, messageID uuid.UUID, fields Amendment) error
}

// DualTier implements Store over Redis (fast) and Postgres (durable).
type DualTier struct {
	pool   *pgxpool.Pool
	fast   cache.Cache
	window int

	mu      sync.Mutex
	healthy map[string]bool
}

func NewDualTier(pool *pgxpool.Pool, fast cache.Cache, windowSize int) *DualTier {
	if windowSize < 1 {
		windowSize = 50
	}
	return &DualTier{
		pool:    pool,
		fast:    fast,
		window:  windowSize,
		healthy: make(map[string]bool),
	}
}

func (s *DualTier) isHealthy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy[sessionID]
}

func (s *DualTier) setHealthy(sessionID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy[sessionID] = v
}

// Append writes the message through both tiers. The durable write is the
// one that must succeed; a fast-tier failure only clears the session's
// healthy flag.
func (s *DualTier) Append(ctx context.Context, msg *models.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	if len(msg.Metadata) == 0 {
		msg.Metadata = json.RawMessage("{}")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Metadata, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	s.fastAppend(ctx, msg)
	return nil
}

func (s *DualTier) fastAppend(ctx context.Context, msg *models.Message) {
	if !s.isHealthy(msg.SessionID) {
		// An untrusted window cannot take a plain append without growing
		// the drift, so rebuild it wholesale from the durable tier. The
		// rebuild includes the message just written and restores the
		// healthy flag on success.
		msgs, err := s.durableHistory(ctx, msg.SessionID, s.window)
		if err != nil {
			return
		}
		s.repopulate(ctx, msg.SessionID, msgs)
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		s.setHealthy(msg.SessionID, false)
		return
	}

	key := cache.ConversationKey(msg.SessionID)
	if err := s.fast.ListAppend(ctx, key, raw); err != nil {
		s.setHealthy(msg.SessionID, false)
		return
	}
	if err := s.fast.ListTrim(ctx, key, int64(s.window)); err != nil {
		s.setHealthy(msg.SessionID, false)
	}
}

// History returns the most recent limit messages in chronological order.
// It serves from the fast tier only while the session is marked healthy;
// otherwise it reads the durable tier and opportunistically repopulates
// the window. A limit beyond the window size goes straight to the
// durable tier, which holds the full untrimmed history.
func (s *DualTier) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = s.window
	}
	if limit > s.window {
		return s.durableHistory(ctx, sessionID, limit)
	}

	if s.isHealthy(sessionID) {
		msgs, err := s.fastHistory(ctx, sessionID)
		if err == nil {
			if len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			return msgs, nil
		}
		s.setHealthy(sessionID, false)
	}

	msgs, err := s.durableHistory(ctx, sessionID, s.window)
	if err != nil {
		return nil, err
	}

	s.repopulate(ctx, sessionID, msgs)

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *DualTier) fastHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	raws, err := s.fast.ListRange(ctx, cache.ConversationKey(sessionID))
	if err != nil {
		return nil, err
	}
	msgs := make([]*models.Message, 0, len(raws))
	for _, raw := range raws {
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode cached message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// durableHistory reads the last n messages in chronological order from
// Postgres, the source of truth.
func (s *DualTier) durableHistory(ctx context.Context, sessionID string, n int) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, metadata, created_at, updated_at FROM (
			SELECT id, session_id, role, content, metadata, created_at, updated_at
			FROM messages WHERE session_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		 ) recent ORDER BY created_at ASC, id ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("read message history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// repopulate rebuilds the fast-tier window from a durable read and marks
// the session healthy on success.
func (s *DualTier) repopulate(ctx context.Context, sessionID string, msgs []*models.Message) {
	values := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			return
		}
		values = append(values, raw)
	}

	if err := s.fast.ListReplace(ctx, cache.ConversationKey(sessionID), values); err != nil {
		return
	}
	s.setHealthy(sessionID, true)
}

// Amend updates a message in place in both tiers. The durable update is
// authoritative; failing to find the id in the fast tier is a strong
// signal the window has drifted, so the healthy flag is cleared while the
// durable update still applies.
func (s *DualTier) Amend(ctx context.Context, sessionID string, messageID uuid.UUID, fields Amendment) error {
	msg, err := s.durableAmend(ctx, sessionID, messageID, fields)
	if err != nil {
		return err
	}

	s.fastAmend(ctx, sessionID, msg)
	return nil
}

func (s *DualTier) durableAmend(ctx context.Context, sessionID string, messageID uuid.UUID, fields Amendment) (*models.Message, error) {
	query := `UPDATE messages SET updated_at = NOW()`
	args := []any{messageID, sessionID}
	argIdx := 3

	if fields.Content != nil {
		query += fmt.Sprintf(", content = $%d", argIdx)
		args = append(args, *fields.Content)
		argIdx++
	}
	if fields.Metadata != nil {
		query += fmt.Sprintf(", metadata = $%d", argIdx)
		args = append(args, fields.Metadata)
		argIdx++
	}

	query += ` WHERE id = $1 AND session_id = $2
		RETURNING id, session_id, role, content, metadata, created_at, updated_at`

	var m models.Message
	err := s.pool.QueryRow(ctx, query, args...).Scan(&m.ID, &m.SessionID, &m.Role,
		&m.Content, &m.Metadata, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("amend message: %w", err)
	}
	return &m, nil
}

// fastAmend locates the message by id with a linear scan over the bounded
// window and rewrites it in place.
func (s *DualTier) fastAmend(ctx context.Context, sessionID string, msg *models.Message) {
	if !s.isHealthy(sessionID) {
		return
	}

	key := cache.ConversationKey(sessionID)
	raws, err := s.fast.ListRange(ctx, key)
	if err != nil {
		s.setHealthy(sessionID, false)
		return
	}

	for i, raw := range raws {
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.ID != msg.ID {
			continue
		}
		updated, err := json.Marshal(msg)
		if err != nil {
			s.setHealthy(sessionID, false)
			return
		}
		if err := s.fast.ListSet(ctx, key, int64(i), updated); err != nil {
			s.setHealthy(sessionID, false)
		}
		return
	}

	// Id not in the window: the fast tier has drifted from the durable tier.
	s.setHealthy(sessionID, false)
}

// Healthy reports whether the fast tier is currently trusted for the
// session. Exposed for health surfaces and tests.
func (s *DualTier) Healthy(sessionID string) bool {
	return s.isHealthy(sessionID)
}
