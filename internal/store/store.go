package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface for API keys and analysis reports.
// Job, lock, event, and conversation access live in their own packages.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateAnalysisReport(ctx context.Context, report *models.AnalysisReport) error
	GetAnalysisReportByJobID(ctx context.Context, jobID uuid.UUID) (*models.AnalysisReport, error)
	ListAnalysisReports(ctx context.Context, sessionID string, limit int) ([]*models.AnalysisReport, error)
}

// IsDuplicateKey checks whether a pgx error is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
