package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisReport holds the durable output of a completed analysis job.
// Reports outlive the job rows that produced them.
type AnalysisReport struct {
	ID         uuid.UUID `db:"id"         json:"id"`
	JobID      uuid.UUID `db:"job_id"     json:"job_id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	Provider   string    `db:"provider"   json:"provider"`
	Model      string    `db:"model"      json:"model"`
	Query      string    `db:"query"      json:"query"`
	Symbols    []string  `db:"symbols"    json:"symbols"`
	Verdict    string    `db:"verdict"    json:"verdict"`
	Confidence float64   `db:"confidence" json:"confidence"`
	Summary    string    `db:"summary"    json:"summary"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
