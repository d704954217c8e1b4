package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rameshkrishnan/finflow/internal/api/response"
	"github.com/rameshkrishnan/finflow/internal/coordinator"
)

const (
	maxQueryLen   = 4000
	maxSymbols    = 20
	maxSymbolLen  = 12
	maxPriority   = 9
)

// AnalysisStarter starts an analysis run for a session.
type AnalysisStarter interface {
	StartAnalysis(ctx context.Context, params coordinator.StartAnalysisParams) (*coordinator.StartAnalysisResult, error)
}

// NewAnalyzeHandler returns an http.HandlerFunc for
// POST /api/v1/sessions/{sessionID}/analyze.
func NewAnalyzeHandler(svc AnalysisStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if sessionID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session ID is required", nil)
			return
		}

		var req struct {
			Query    string   `json:"query"`
			Symbols  []string `json:"symbols"`
			Priority int      `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		req.Query = strings.TrimSpace(req.Query)
		if req.Query == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "query is required", nil)
			return
		}
		if len(req.Query) > maxQueryLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "query exceeds maximum length", nil)
			return
		}

		if len(req.Symbols) > maxSymbols {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "too many symbols", nil)
			return
		}
		symbols := make([]string, 0, len(req.Symbols))
		for _, s := range req.Symbols {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" || len(s) > maxSymbolLen {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid symbol", nil)
				return
			}
			symbols = append(symbols, s)
		}

		priority := req.Priority
		if priority < 0 {
			priority = 0
		}
		if priority > maxPriority {
			priority = maxPriority
		}

		result, err := svc.StartAnalysis(r.Context(), coordinator.StartAnalysisParams{
			SessionID: sessionID,
			Query:     req.Query,
			Symbols:   symbols,
			Priority:  priority,
			OwnerRef:  r.Header.Get("X-Request-ID"),
		})
		if err != nil {
			if errors.Is(err, coordinator.ErrSessionBusy) {
				response.Error(w, http.StatusConflict, "ANALYSIS_IN_PROGRESS",
					"An analysis is already running for this session", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, map[string]string{
			"job_id":     result.JobID.String(),
			"message_id": result.MessageID.String(),
			"session_id": sessionID,
		})
	}
}
