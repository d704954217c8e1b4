package analysis

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rameshkrishnan/finflow/pkg/models"
)

const (
	maxHistoryTurns   = 20
	maxTurnBytes      = 2000
	systemInstruction = `You are a financial analysis assistant. Analyze the user's question ` +
		`about the given instruments using the conversation so far. Respond with a JSON object ` +
		`containing exactly these fields: "verdict" (one of "bullish", "bearish", "neutral", "mixed"), ` +
		`"confidence" (number between 0 and 1), and "summary" (plain-text analysis).`
)

// composePrompt flattens the conversation window and the current query
// into a chat-completion message list.
func composePrompt(req Request) []chatMessage {
	msgs := []chatMessage{{Role: "system", Content: systemInstruction}}

	history := req.History
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	for _, m := range history {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, chatMessage{
			Role:    m.Role,
			Content: truncateString(m.Content, maxTurnBytes),
		})
	}

	var sb strings.Builder
	if len(req.Symbols) > 0 {
		fmt.Fprintf(&sb, "Instruments: %s\n", strings.Join(req.Symbols, ", "))
	}
	sb.WriteString(req.Query)
	msgs = append(msgs, chatMessage{Role: "user", Content: sb.String()})

	return msgs
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
