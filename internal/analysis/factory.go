package analysis

import (
	"fmt"

	"github.com/rameshkrishnan/finflow/internal/config"
)

// NewProvider constructs the configured analysis provider.
// Called once at process startup.
func NewProvider(cfg config.AnalysisConfig) (Provider, error) {
	switch cfg.Provider {
	case "mock":
		return NewMockProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI), nil
	default:
		return nil, fmt.Errorf("unknown analysis provider %q: must be one of mock, openai", cfg.Provider)
	}
}
