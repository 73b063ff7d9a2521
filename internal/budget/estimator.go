// Package budget estimates token cost for conversations and trims message
// histories to fit a model's context window.
package budget

import (
	"github.com/aperture-ai/assistant-gateway/internal/model"
)

// Token estimation constants. This is an approximation, not a tokenizer;
// trimming correctness is defined against this estimate, and most BPE
// tokenizers land near four characters per token for English-ish text.
const (
	charsPerToken = 4

	// Per-message overhead for the role marker and chat formatting.
	roleTokens   = 2
	formatTokens = 3
)

// Estimate returns the approximate token count for a piece of text.
// Monotonic in text length; empty text estimates to zero.
func Estimate(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage returns the approximate token cost of a single message,
// including the fixed per-message overhead. The overhead applies even when
// the content is empty.
func EstimateMessage(msg model.Message) int {
	return roleTokens + formatTokens + Estimate(msg.Content)
}

// EstimateTotal returns the approximate token cost of a message sequence.
func EstimateTotal(messages []model.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessage(msg)
	}
	return total
}
