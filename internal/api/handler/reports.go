package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rameshkrishnan/finflow/internal/api/response"
	"github.com/rameshkrishnan/finflow/internal/store"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

const defaultReportLimit = 20

// ReportStore exposes read access to persisted analysis reports.
type ReportStore interface {
	GetAnalysisReportByJobID(ctx context.Context, jobID uuid.UUID) (*models.AnalysisReport, error)
	ListAnalysisReports(ctx context.Context, sessionID string, limit int) ([]*models.AnalysisReport, error)
}

// NewGetReportHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/report.
func NewGetReportHandler(reports ReportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		report, err := reports.GetAnalysisReportByJobID(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Report not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, report)
	}
}

// NewListReportsHandler returns an http.HandlerFunc for
// GET /api/v1/sessions/{sessionID}/reports.
func NewListReportsHandler(reports ReportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if sessionID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session ID is required", nil)
			return
		}

		limit := defaultReportLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = n
		}

		list, err := reports.ListAnalysisReports(r.Context(), sessionID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, list)
	}
}
