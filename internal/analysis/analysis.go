// Package analysis holds the business-logic side of finflow: prompt
// construction, LLM invocation, and the job handler that ties them into
// the coordination layer. Everything here talks to the core through
// narrow interfaces and plain data; none of it contains coordination
// logic of its own.
package analysis

import (
	"context"
	"errors"

	"github.com/rameshkrishnan/finflow/pkg/models"
)

var (
	ErrProviderUnavailable = errors.New("analysis provider unavailable")
	ErrInferenceTimeout    = errors.New("analysis inference timeout")
	ErrInvalidResponse     = errors.New("analysis provider returned invalid response")
)

// Request carries everything a provider needs for one analysis.
type Request struct {
	SessionID string
	Query     string
	Symbols   []string
	History   []*models.Message
}

// Finding is a provider's raw output, before it is persisted as an
// AnalysisReport.
type Finding struct {
	Verdict    string
	Confidence float64
	Summary    string
	Model      string
}

// Provider is implemented by each analysis backend.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req Request) (Finding, error)
}
