package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusClaimed   = "claimed"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is a unit of queued work shared between producer pods and worker
// pods through Postgres. A job is mutated only by the worker that
// currently holds the claim; pending and claimed are the only states a
// worker can transition out of.
type Job struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	Kind         string          `db:"kind"          json:"kind"`
	Payload      json.RawMessage `db:"payload"       json:"payload"`
	Status       string          `db:"status"        json:"status"`
	Priority     int             `db:"priority"      json:"priority"`
	WorkerID     *string         `db:"worker_id"     json:"worker_id,omitempty"`
	RetryCount   int             `db:"retry_count"   json:"retry_count"`
	MaxRetries   int             `db:"max_retries"   json:"max_retries"`
	Timeout      time.Duration   `db:"-"             json:"-"`
	ClaimCount   int             `db:"claim_count"   json:"claim_count"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	Logs         []JobLogEntry   `db:"logs"          json:"logs"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// JobLogEntry is a timestamped observability note appended by workers.
// Entries never affect the job state machine.
type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Terminal reports whether the job is in a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
