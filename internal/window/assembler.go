package window

import (
	"fmt"
	"log/slog"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// fallbackMessages is how much history survives when the token counter is
// unavailable: the trailing 10 messages, untrimmed.
const fallbackMessages = 10

// Stats describes what Assemble did to the history. The two boolean signals
// are degraded-mode markers the caller may log or surface; neither is an
// error.
type Stats struct {
	// InputMessages is the number of candidate messages considered.
	InputMessages int
	// Kept is the number of messages returned.
	Kept int
	// Tokens is the estimated cost of the returned messages.
	Tokens int
	// Truncated is set when the single newest message exceeded the budget
	// on its own and its content was cut down to fit.
	Truncated bool
	// CounterUnavailable is set when the token counter failed and the
	// deterministic untrimmed fallback was used instead.
	CounterUnavailable bool
}

// Assembler selects the suffix of a conversation that fits a token budget.
type Assembler struct {
	counter Counter
	logger  *slog.Logger
}

// NewAssembler builds an Assembler. A nil counter falls back to
// EstimateCounter; a nil logger falls back to slog.Default.
func NewAssembler(counter Counter, logger *slog.Logger) *Assembler {
	if counter == nil {
		counter = EstimateCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		counter: counter,
		logger:  logger.With("component", "window"),
	}
}

// Assemble walks messages newest to oldest, accumulating token cost until
// the next message would exceed maxTokens, and returns the accepted suffix
// in chronological order.
//
// Two degraded paths never fail the turn: if the counter errors, the
// trailing 10 messages are returned untrimmed with CounterUnavailable set;
// if the single newest message alone exceeds the budget, its content is
// truncated to fit and Truncated is set rather than returning nothing.
func (a *Assembler) Assemble(messages []models.Message, maxTokens int) ([]models.Message, Stats, error) {
	stats := Stats{InputMessages: len(messages)}
	if maxTokens <= 0 {
		return nil, stats, fmt.Errorf("window: max tokens must be positive, got %d", maxTokens)
	}
	if len(messages) == 0 {
		return nil, stats, nil
	}

	kept := make([]models.Message, 0, len(messages))
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost, err := a.counter.Count(messages[i])
		if err != nil {
			a.logger.Warn("token counter unavailable, using untrimmed fallback",
				"error", err,
				"messages", len(messages))
			return a.fallback(messages, stats)
		}
		if total+cost > maxTokens {
			break
		}
		kept = append(kept, messages[i])
		total += cost
	}

	if len(kept) == 0 {
		return a.truncateNewest(messages, maxTokens, stats)
	}

	// Accepted newest-first; reverse back to chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	stats.Kept = len(kept)
	stats.Tokens = total
	return kept, stats, nil
}

// fallback returns the trailing messages untrimmed when counting is
// impossible. Deterministic so retries see the same context.
func (a *Assembler) fallback(messages []models.Message, stats Stats) ([]models.Message, Stats, error) {
	start := 0
	if len(messages) > fallbackMessages {
		start = len(messages) - fallbackMessages
	}
	kept := append([]models.Message(nil), messages[start:]...)
	stats.Kept = len(kept)
	stats.CounterUnavailable = true
	return kept, stats, nil
}

// truncateNewest handles the single-oversized-message case: the newest
// message is cut to the largest rune prefix whose cost still fits the
// budget, rather than assembling an empty context.
func (a *Assembler) truncateNewest(messages []models.Message, maxTokens int, stats Stats) ([]models.Message, Stats, error) {
	newest := messages[len(messages)-1]
	runes := []rune(newest.Content)

	// Binary search the largest prefix that fits. Counting is monotone in
	// content length for any reasonable Counter.
	lo, hi := 0, len(runes)
	fit := newest
	fit.Content = ""
	fitCost := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		candidate := newest
		candidate.Content = string(runes[:mid])
		cost, err := a.counter.Count(candidate)
		if err != nil {
			return a.fallback(messages, stats)
		}
		if cost <= maxTokens {
			fit = candidate
			fitCost = cost
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	a.logger.Warn("newest message exceeds context budget, truncating",
		"thread_id", newest.ThreadID,
		"message_id", newest.ID,
		"budget", maxTokens,
		"kept_tokens", fitCost)

	stats.Kept = 1
	stats.Tokens = fitCost
	stats.Truncated = true
	return []models.Message{fit}, stats, nil
}

// Tail returns the trailing n messages, or all of them when fewer exist.
// Title suggestion reads history through this instead of the budget walk.
func Tail(messages []models.Message, n int) []models.Message {
	if n <= 0 || len(messages) == 0 {
		return nil
	}
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
