// Package window trims persisted conversation history to a token budget
// ahead of a model invocation.
package window

import (
	"unicode/utf8"

	"github.com/deskrunner/deskrunner/pkg/models"
)

const (
	// TokensPerChar is a rough estimate of tokens per character (conservative).
	TokensPerChar = 0.25

	// MessageOverheadTokens is added per message for role and formatting.
	MessageOverheadTokens = 4

	// TitleWindow is the fixed number of trailing messages used when
	// suggesting a thread title.
	TitleWindow = 6
)

// Counter prices a message in tokens. Implementations may call out to a
// tokenizer service; the assembler treats a Counter error as a degraded
// condition, not a fatal one.
type Counter interface {
	Count(msg models.Message) (int, error)
}

// EstimateCounter is the default Counter: ~4 characters per token, plus a
// fixed per-message overhead. Tool-call payloads count toward the message
// they ride on.
type EstimateCounter struct{}

func (EstimateCounter) Count(msg models.Message) (int, error) {
	tokens := estimateText(msg.Content)
	for _, call := range msg.ToolCalls {
		tokens += estimateText(call.Name)
		tokens += estimateText(string(call.Input))
	}
	for _, result := range msg.ToolResults {
		tokens += estimateText(result.Content)
	}
	return tokens + MessageOverheadTokens, nil
}

// estimateText estimates the number of tokens in text, Unicode-aware.
func estimateText(text string) int {
	charCount := utf8.RuneCountInString(text)
	tokens := int(float64(charCount) * TokensPerChar)
	if tokens == 0 && charCount > 0 {
		return 1
	}
	return tokens
}
