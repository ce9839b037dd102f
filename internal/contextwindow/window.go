// Package contextwindow computes the token-budget projection of a session
// history sent to the model. The projection preserves the opener and the
// most recent tail; everything between them collapses into one synthetic
// truncation marker. The session itself is never rewritten.
package contextwindow

import (
	"context"

	"github.com/pkoukk/tiktoken-go"

	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/pkg/models"
)

// TruncationMarker is the synthetic message inserted where history was
// dropped. It appears at most once in any projection.
const TruncationMarker = "[Earlier messages truncated]"

// StrategyTruncate is the only supported strategy. Unknown strategies log a
// warning and fall back to it.
const StrategyTruncate = "truncate"

// TokenCounter estimates tokens for one message's content.
type TokenCounter func(content string) int

// EstimateTokens is the default counter: max(1, len/4).
func EstimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// TiktokenCounter returns an accurate counter for models with a known
// encoding. Callers fall back to EstimateTokens when the model is unknown.
func TiktokenCounter(model string) (TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return func(content string) int {
		n := len(enc.Encode(content, nil, nil))
		if n < 1 {
			n = 1
		}
		return n
	}, nil
}

// CounterForModel resolves the counter for a model id: tiktoken when the
// encoding is known, the estimator otherwise. It never fails; an unknown
// model just counts less precisely.
func CounterForModel(model string, logger *observability.Logger) TokenCounter {
	counter, err := TiktokenCounter(model)
	if err != nil {
		if logger != nil {
			logger.Debug(context.Background(), "no token encoding for model, using estimator",
				"model", model, "error", err)
		}
		return EstimateTokens
	}
	if logger != nil {
		logger.Debug(context.Background(), "token counting via tiktoken", "model", model)
	}
	return counter
}

// Windower applies the truncation projection.
type Windower struct {
	logger  *observability.Logger
	counter TokenCounter
}

// Option configures the windower.
type Option func(*Windower)

// WithCounter replaces the default estimator with an accurate counter.
func WithCounter(c TokenCounter) Option {
	return func(w *Windower) {
		if c != nil {
			w.counter = c
		}
	}
}

// New creates a windower.
func New(logger *observability.Logger, opts ...Option) *Windower {
	w := &Windower{logger: logger, counter: EstimateTokens}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply returns a message list fitting maxTokens - reservedTokens. The input
// is never mutated; when nothing was dropped the input slice is returned
// as-is. Apply is deterministic: the same history and budget always produce
// the same projection.
func (w *Windower) Apply(messages []models.Message, maxTokens, reservedTokens int, strategy string) []models.Message {
	if strategy != StrategyTruncate && strategy != "" {
		if w.logger != nil {
			w.logger.Warn(context.Background(), "unsupported context window strategy, falling back to truncate",
				"strategy", strategy)
		}
	}

	budget := maxTokens - reservedTokens
	if len(messages) == 0 || budget <= 0 {
		if budget <= 0 {
			return nil
		}
		return messages
	}

	total := 0
	for _, m := range messages {
		total += w.counter(m.Content)
	}
	if total <= budget {
		return messages
	}

	opener := messages[0]
	openerTokens := w.counter(opener.Content)
	markerTokens := w.counter(TruncationMarker)

	// Widest suffix of messages[1:] that fits alongside opener + marker.
	remaining := budget - openerTokens - markerTokens
	suffixStart := len(messages)
	used := 0
	for i := len(messages) - 1; i >= 1; i-- {
		cost := w.counter(messages[i].Content)
		if used+cost > remaining {
			break
		}
		used += cost
		suffixStart = i
	}

	if suffixStart < len(messages) {
		out := make([]models.Message, 0, len(messages)-suffixStart+2)
		out = append(out, opener)
		out = append(out, models.Message{Role: models.RoleSystem, Content: TruncationMarker})
		out = append(out, messages[suffixStart:]...)
		return out
	}

	// Not even the last message fits next to the opener: drop marker and
	// opener, keep the widest most-recent tail.
	tailStart := len(messages)
	used = 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := w.counter(messages[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		tailStart = i
	}
	if tailStart == len(messages) {
		// Even one message alone overflows; keep the newest anyway so the
		// model sees the user's turn.
		tailStart = len(messages) - 1
	}
	out := make([]models.Message, len(messages)-tailStart)
	copy(out, messages[tailStart:])
	return out
}
