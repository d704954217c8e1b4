// Package coordinator is the thin orchestration used by request handlers:
// submit an analysis under the session lock, read job status, and expose
// conversation state. It holds no state of its own beyond the injected
// stores.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rameshkrishnan/finflow/internal/analysis"
	"github.com/rameshkrishnan/finflow/internal/convo"
	"github.com/rameshkrishnan/finflow/internal/events"
	"github.com/rameshkrishnan/finflow/internal/lock"
	"github.com/rameshkrishnan/finflow/internal/queue"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

// ErrSessionBusy means an analysis is already in flight for the session.
// Callers surface it to the user; they must not retry internally.
var ErrSessionBusy = errors.New("analysis already running for session")

// Coordinator wires the coordination primitives together for the HTTP
// layer. All dependencies are injected at construction; there are no
// package-level singletons.
type Coordinator struct {
	jobs    queue.Queue
	locks   lock.SessionLock
	events  events.Log
	convo   convo.Store
	lockTTL time.Duration
}

func New(jobs queue.Queue, locks lock.SessionLock, eventLog events.Log, convoStore convo.Store, lockTTL time.Duration) *Coordinator {
	return &Coordinator{
		jobs:    jobs,
		locks:   locks,
		events:  eventLog,
		convo:   convoStore,
		lockTTL: lockTTL,
	}
}

// StartAnalysisParams is a validated submission from the HTTP layer.
type StartAnalysisParams struct {
	SessionID string
	Query     string
	Symbols   []string
	Priority  int
	OwnerRef  string
}

// StartAnalysisResult identifies the enqueued job and the assistant
// placeholder message that will be amended with the final text.
type StartAnalysisResult struct {
	JobID     uuid.UUID
	MessageID uuid.UUID
}

// StartAnalysis acquires the session lock, records the user turn plus an
// assistant placeholder, and enqueues the analysis job. The lock is taken
// before any job exists, so a concurrent submission for the same session
// is rejected without ever reaching the queue.
func (c *Coordinator) StartAnalysis(ctx context.Context, params StartAnalysisParams) (*StartAnalysisResult, error) {
	acquired, err := c.locks.Acquire(ctx, params.SessionID, params.OwnerRef, c.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !acquired {
		return nil, ErrSessionBusy
	}

	res, err := c.startLocked(ctx, params)
	if err != nil {
		// Nothing is running for this session, so holding the lock until
		// TTL would only block the user's retry.
		_ = c.locks.Release(ctx, params.SessionID)
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) startLocked(ctx context.Context, params StartAnalysisParams) (*StartAnalysisResult, error) {
	userMsg := &models.Message{
		SessionID: params.SessionID,
		Role:      models.RoleUser,
		Content:   params.Query,
	}
	if err := c.convo.Append(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("record user turn: %w", err)
	}

	placeholder := &models.Message{
		SessionID: params.SessionID,
		Role:      models.RoleAssistant,
		Content:   "Analyzing...",
		Metadata:  json.RawMessage(`{"pending": true}`),
	}
	if err := c.convo.Append(ctx, placeholder); err != nil {
		return nil, fmt.Errorf("record assistant placeholder: %w", err)
	}

	jobID, err := c.jobs.Enqueue(ctx, analysis.KindAnalysis, analysis.JobPayload{
		SessionID: params.SessionID,
		Query:     params.Query,
		Symbols:   params.Symbols,
		MessageID: placeholder.ID,
	}, queue.WithPriority(params.Priority))
	if err != nil {
		return nil, fmt.Errorf("enqueue analysis job: %w", err)
	}

	_, _ = c.events.Publish(ctx, params.SessionID, analysis.Progress{
		Stage:     "queued",
		JobID:     jobID,
		MessageID: placeholder.ID,
	})

	return &StartAnalysisResult{JobID: jobID, MessageID: placeholder.ID}, nil
}

// JobStatus returns the job document for status polling.
func (c *Coordinator) JobStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return c.jobs.GetJob(ctx, jobID)
}

// History returns the most recent conversation turns.
func (c *Coordinator) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return c.convo.History(ctx, sessionID, limit)
}

// Events returns progress events for the session after the given time.
func (c *Coordinator) Events(ctx context.Context, sessionID string, since time.Time) ([]*models.Event, error) {
	return c.events.Since(ctx, sessionID, since)
}

// Busy reports whether the session currently holds a live lock.
func (c *Coordinator) Busy(ctx context.Context, sessionID string) (bool, error) {
	return c.locks.IsLocked(ctx, sessionID)
}
