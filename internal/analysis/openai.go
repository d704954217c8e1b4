package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rameshkrishnan/finflow/internal/config"
)

// OpenAIProvider implements Provider against an OpenAI-compatible
// chat-completions endpoint.
type OpenAIProvider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewOpenAIProvider(cfg config.OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{cfg: cfg, client: &http.Client{}}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type findingJSON struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

func (p *OpenAIProvider) Analyze(ctx context.Context, req Request) (Finding, error) {
	body, err := json.Marshal(chatRequest{
		Model:    p.cfg.Model,
		Messages: composePrompt(req),
	})
	if err != nil {
		return Finding{}, fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Finding{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return Finding{}, ErrInferenceTimeout
		}
		return Finding{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Finding{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Finding{}, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Finding{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(cr.Choices) == 0 {
		return Finding{}, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	content := extractJSONObject(cr.Choices[0].Message.Content)
	var fj findingJSON
	if err := json.Unmarshal([]byte(content), &fj); err != nil {
		return Finding{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if fj.Verdict == "" || fj.Summary == "" {
		return Finding{}, fmt.Errorf("%w: missing verdict or summary", ErrInvalidResponse)
	}

	return Finding{
		Verdict:    fj.Verdict,
		Confidence: clampConfidence(fj.Confidence),
		Summary:    fj.Summary,
		Model:      p.cfg.Model,
	}, nil
}

// extractJSONObject trims any prose the model wrapped around the JSON body.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

var _ Provider = (*OpenAIProvider)(nil)
