package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one conversation turn. The same logical sequence is stored
// twice: a bounded recent window in Redis and the full history in
// Postgres, which is the source of truth whenever the two disagree.
type Message struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	SessionID string          `db:"session_id" json:"session_id"`
	Role      string          `db:"role"       json:"role"`
	Content   string          `db:"content"    json:"content"`
	Metadata  json.RawMessage `db:"metadata"   json:"metadata,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
