package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rameshkrishnan/finflow/internal/convo"
	"github.com/rameshkrishnan/finflow/internal/events"
	"github.com/rameshkrishnan/finflow/internal/lock"
	"github.com/rameshkrishnan/finflow/internal/queue"
	"github.com/rameshkrishnan/finflow/internal/store"
	"github.com/rameshkrishnan/finflow/internal/worker"
	"github.com/rameshkrishnan/finflow/pkg/models"
)

// KindAnalysis is the job kind for a full financial analysis run.
const KindAnalysis = "financial_analysis"

// JobPayload is the validated payload schema for KindAnalysis jobs.
type JobPayload struct {
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Symbols   []string  `json:"symbols,omitempty"`
	MessageID uuid.UUID `json:"message_id"`
}

// RegisterKind adds the analysis payload schema to the queue registry so
// malformed submissions are rejected at enqueue time, not discovered by a
// worker.
func RegisterKind(r *queue.Registry) {
	r.Register(KindAnalysis, func(raw json.RawMessage) error {
		var p JobPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return errors.New("session_id is required")
		}
		if p.Query == "" {
			return errors.New("query is required")
		}
		if p.MessageID == uuid.Nil {
			return errors.New("message_id is required")
		}
		return nil
	})
}

// Progress is the payload published to the event log at each stage.
type Progress struct {
	Stage     string    `json:"stage"`
	JobID     uuid.UUID `json:"job_id"`
	MessageID uuid.UUID `json:"message_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// JobResult is stored on the job document when the run completes.
type JobResult struct {
	ReportID   uuid.UUID `json:"report_id"`
	Verdict    string    `json:"verdict"`
	Confidence float64   `json:"confidence"`
}

// JobHandler executes analysis jobs inside the worker pool. It owns the
// business side of the processing contract: every durable side effect
// (report row, amended assistant message) is persisted and confirmed
// before Handle returns nil, so the pool's ack never outruns persistence.
type JobHandler struct {
	provider Provider
	convo    convo.Store
	reports  store.Store
	events   events.Log
	locks    lock.SessionLock
	jobs     queue.Queue

	inferenceTimeout time.Duration
	lockTTL          time.Duration
}

func NewJobHandler(
	provider Provider,
	convoStore convo.Store,
	reports store.Store,
	eventLog events.Log,
	locks lock.SessionLock,
	jobs queue.Queue,
	inferenceTimeout time.Duration,
	lockTTL time.Duration,
) *JobHandler {
	return &JobHandler{
		provider:         provider,
		convo:            convoStore,
		reports:          reports,
		events:           eventLog,
		locks:            locks,
		jobs:             jobs,
		inferenceTimeout: inferenceTimeout,
		lockTTL:          lockTTL,
	}
}

func (h *JobHandler) Handle(ctx context.Context, job *models.Job) (any, error) {
	var p JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		// The registry validated this at enqueue; a decode failure here
		// means schema drift between pods. Retrying cannot fix it.
		return nil, worker.Fatal(fmt.Errorf("decode analysis payload: %w", err))
	}

	// The submitting pod acquired the lock; keep it alive for the length
	// of this attempt so a second submission stays rejected.
	if _, err := h.locks.Extend(ctx, p.SessionID, h.lockTTL); err != nil {
		return nil, fmt.Errorf("extend session lock: %w", err)
	}

	h.publish(ctx, p.SessionID, Progress{Stage: "analyzing", JobID: job.ID, MessageID: p.MessageID})
	_ = h.jobs.AppendLog(ctx, job.ID, "analysis started")

	history, err := h.convo.History(ctx, p.SessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	inferCtx, cancel := context.WithTimeout(ctx, h.inferenceTimeout)
	defer cancel()

	finding, err := h.provider.Analyze(inferCtx, Request{
		SessionID: p.SessionID,
		Query:     p.Query,
		Symbols:   p.Symbols,
		History:   history,
	})
	if err != nil {
		h.publish(ctx, p.SessionID, Progress{
			Stage: "failed", JobID: job.ID, MessageID: p.MessageID, Detail: err.Error(),
		})
		if errors.Is(err, ErrInvalidResponse) {
			// The provider answered but not in the agreed contract. A retry
			// replays the same prompt against the same model, so fail the
			// job and surface the error instead.
			return nil, worker.Fatal(fmt.Errorf("analyze: %w", err))
		}
		return nil, fmt.Errorf("analyze: %w", err)
	}

	h.publish(ctx, p.SessionID, Progress{Stage: "persisting", JobID: job.ID, MessageID: p.MessageID})

	report := &models.AnalysisReport{
		ID:         uuid.New(),
		JobID:      job.ID,
		SessionID:  p.SessionID,
		Provider:   h.provider.Name(),
		Model:      finding.Model,
		Query:      p.Query,
		Symbols:    p.Symbols,
		Verdict:    finding.Verdict,
		Confidence: finding.Confidence,
		Summary:    finding.Summary,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.reports.CreateAnalysisReport(ctx, report); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// A previous attempt already persisted the report for this
			// job before its ack was lost; reuse it.
			existing, gerr := h.reports.GetAnalysisReportByJobID(ctx, job.ID)
			if gerr != nil {
				return nil, fmt.Errorf("load existing report: %w", gerr)
			}
			report = existing
		} else {
			return nil, fmt.Errorf("persist report: %w", err)
		}
	}

	if err := h.convo.Amend(ctx, p.SessionID, p.MessageID, convo.Amendment{
		Content: &report.Summary,
		Metadata: mustJSON(map[string]any{
			"report_id":  report.ID,
			"verdict":    report.Verdict,
			"confidence": report.Confidence,
			"pending":    false,
		}),
	}); err != nil {
		return nil, fmt.Errorf("amend assistant message: %w", err)
	}

	h.publish(ctx, p.SessionID, Progress{
		Stage: "completed", JobID: job.ID, MessageID: p.MessageID, Detail: report.Verdict,
	})
	_ = h.jobs.AppendLog(ctx, job.ID, "analysis completed")

	// The session is only unlocked once every durable effect is in place.
	// On the error paths above the lock stays held and its TTL bounds the
	// retry window.
	if err := h.locks.Release(ctx, p.SessionID); err != nil {
		return nil, fmt.Errorf("release session lock: %w", err)
	}

	return JobResult{
		ReportID:   report.ID,
		Verdict:    report.Verdict,
		Confidence: report.Confidence,
	}, nil
}

func (h *JobHandler) publish(ctx context.Context, sessionID string, p Progress) {
	// Progress is best-effort; a missed event only degrades the live view.
	_, _ = h.events.Publish(ctx, sessionID, p)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

var _ worker.Handler = (*JobHandler)(nil)
