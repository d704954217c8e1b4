package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rameshkrishnan/finflow/internal/api/response"
	"github.com/rameshkrishnan/finflow/internal/events"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SessionReader exposes read access to conversation and progress state.
type SessionReader interface {
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	Events(ctx context.Context, sessionID string, since time.Time) ([]*models.Event, error)
	Busy(ctx context.Context, sessionID string) (bool, error)
}

// NewListMessagesHandler returns an http.HandlerFunc for
// GET /api/v1/sessions/{sessionID}/messages.
func NewListMessagesHandler(svc SessionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if sessionID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session ID is required", nil)
			return
		}

		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = n
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}

		messages, err := svc.History(r.Context(), sessionID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, map[string]any{
			"session_id": sessionID,
			"messages":   messages,
		})
	}
}

// NewListEventsHandler returns an http.HandlerFunc for
// GET /api/v1/sessions/{sessionID}/events?since=<RFC3339>.
func NewListEventsHandler(svc SessionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if sessionID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session ID is required", nil)
			return
		}

		since, ok := parseSince(w, r)
		if !ok {
			return
		}

		evts, err := svc.Events(r.Context(), sessionID, since)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		cursor := since
		if len(evts) > 0 {
			cursor = evts[len(evts)-1].Timestamp
		}
		response.JSON(w, map[string]any{
			"session_id": sessionID,
			"events":     evts,
			"cursor":     cursor.UTC().Format(time.RFC3339Nano),
		})
	}
}

// NewSessionStatusHandler returns an http.HandlerFunc for
// GET /api/v1/sessions/{sessionID}/status.
func NewSessionStatusHandler(svc SessionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if sessionID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session ID is required", nil)
			return
		}

		busy, err := svc.Busy(r.Context(), sessionID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, map[string]any{
			"session_id": sessionID,
			"busy":       busy,
		})
	}
}

// NewStreamEventsHandler returns an http.HandlerFunc for
// GET /api/v1/sessions/{sessionID}/stream. Events are pushed as SSE
// until the client disconnects.
func NewStreamEventsHandler(relay *events.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if sessionID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session ID is required", nil)
			return
		}

		since, ok := parseSince(w, r)
		if !ok {
			return
		}

		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Streaming not supported", nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		relay.Stream(r.Context(), sessionID, since, func(evt *models.Event) bool {
			data, err := json.Marshal(evt)
			if err != nil {
				return true
			}
			if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", evt.ID, data); err != nil {
				return false
			}
			flusher.Flush()
			return true
		})
	}
}

func parseSince(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"since must be a valid RFC3339 timestamp", nil)
		return time.Time{}, false
	}
	return since, true
}
