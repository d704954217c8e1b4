package analysis

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider satisfies Provider for tests and local development.
type MockProvider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, req Request) (Finding, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Analyze(ctx context.Context, req Request) (Finding, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return Finding{}, nil
}

// NewMockProvider returns a MockProvider with a deterministic response.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, req Request) (Finding, error) {
			return Finding{
				Verdict:    "neutral",
				Confidence: 0.5,
				Summary: fmt.Sprintf("Simulated analysis of %q covering %s.",
					req.Query, strings.Join(req.Symbols, ", ")),
				Model: "mock-v1",
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ Request) (Finding, error) {
			return Finding{}, err
		},
	}
}

// NewBlockingProvider returns a MockProvider that blocks until context cancellation.
func NewBlockingProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-blocking",
		AnalyzeFunc: func(ctx context.Context, _ Request) (Finding, error) {
			<-ctx.Done()
			return Finding{}, ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements Provider.
var _ Provider = (*MockProvider)(nil)
