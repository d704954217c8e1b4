package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an append-only progress record. Workers publish events while a
// job runs; the server-side relay polls them back out by
// (session_id, ts > since). Events are garbage-collected by expiry, and
// the processed flag is monitoring metadata only.
type Event struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	SessionID string          `db:"session_id" json:"session_id"`
	Timestamp time.Time       `db:"ts"         json:"timestamp"`
	Processed bool            `db:"processed"  json:"processed"`
	Payload   json.RawMessage `db:"payload"    json:"payload"`
	ExpiresAt time.Time       `db:"expires_at" json:"-"`
}
