package budget

import (
	"sort"

	"github.com/aperture-ai/assistant-gateway/internal/model"
)

// Strategy selects the eviction policy used when a history exceeds budget.
type Strategy string

const (
	// StrategySlidingWindow keeps the most recent messages that fit,
	// protecting the last PreserveLastN when possible.
	StrategySlidingWindow Strategy = "sliding_window"

	// StrategySmartTrim evicts whole (user, assistant) pairs so a prompt
	// is never kept without its reply.
	StrategySmartTrim Strategy = "smart_trim"

	// StrategyExponentialDecay weights messages by squared normalized
	// recency and admits by weight.
	StrategyExponentialDecay Strategy = "exponential_decay"
)

// DefaultPreserveLastN keeps the last two user/assistant exchanges.
const DefaultPreserveLastN = 4

// Options configures a trim operation.
type Options struct {
	// Model determines capacity and reservations; unknown names fall back
	// to the default model.
	Model string

	// MaxTokens overrides the model's total capacity when positive.
	MaxTokens int

	// PreserveLastN trailing messages are protected from removal when
	// they fit the budget on their own. Zero means DefaultPreserveLastN.
	PreserveLastN int

	// Strategy selects the eviction policy. Empty means sliding window.
	Strategy Strategy

	// DropSystem disables the default behavior of pinning system
	// messages into the result.
	DropSystem bool
}

// Decision is the output of a trim: the retained messages in chronological
// order, how many were removed, and the estimated cost of the result.
type Decision struct {
	Selected     []model.Message
	RemovedCount int
	TotalTokens  int
}

// Trim reduces a message history to fit the model's effective budget.
//
// The result is always a chronologically ordered subsequence of the input.
// Trim never fails: when even a single message exceeds the budget the
// selection is best-effort and possibly empty.
func Trim(messages []model.Message, opts Options) Decision {
	cfg := ModelInfo(opts.Model)

	capacity := cfg.MaxTokens
	if opts.MaxTokens > 0 {
		capacity = opts.MaxTokens
	}
	budget := capacity - cfg.ReserveTokens - cfg.MaxOutputTokens

	preserveLastN := opts.PreserveLastN
	if preserveLastN <= 0 {
		preserveLastN = DefaultPreserveLastN
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategySlidingWindow
	}

	total := EstimateTotal(messages)
	if total <= budget {
		return Decision{
			Selected:     messages,
			RemovedCount: 0,
			TotalTokens:  total,
		}
	}

	// System messages are pinned: extracted before the strategy runs,
	// reinserted at the front afterwards, and charged against the budget
	// up front.
	var system *model.Message
	rest := make([]model.Message, 0, len(messages))
	for i, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system == nil && !opts.DropSystem {
				system = &messages[i]
			}
			continue
		}
		rest = append(rest, msg)
	}

	base := 0
	if system != nil {
		base = EstimateMessage(*system)
	}

	var selected []model.Message
	switch strategy {
	case StrategySmartTrim:
		selected = trimPairs(rest, budget, base)
	case StrategyExponentialDecay:
		selected = trimByDecay(rest, budget, base)
	default:
		selected = trimSlidingWindow(rest, budget, base, preserveLastN)
	}

	final := selected
	if system != nil {
		final = append([]model.Message{*system}, selected...)
	}

	return Decision{
		Selected:     final,
		RemovedCount: len(rest) - len(selected),
		TotalTokens:  EstimateTotal(final),
	}
}

// trimSlidingWindow protects the trailing preserveLastN messages when they
// fit and extends backward from there. When even the tail overflows it
// degrades to a pure recency scan. Admission is strict most-recent-first:
// the scan stops at the first message that would overflow, leaving no gaps.
func trimSlidingWindow(msgs []model.Message, budget, base, preserveLastN int) []model.Message {
	if len(msgs) == 0 {
		return nil
	}

	tailStart := len(msgs) - preserveLastN
	if tailStart < 0 {
		tailStart = 0
	}
	tail := msgs[tailStart:]

	if base+EstimateTotal(tail) > budget {
		// The protected tail alone overflows: keep the newest run that
		// fits.
		running := base
		cut := len(msgs)
		for i := len(msgs) - 1; i >= 0; i-- {
			cost := EstimateMessage(msgs[i])
			if running+cost > budget {
				break
			}
			running += cost
			cut = i
		}
		return msgs[cut:]
	}

	running := base + EstimateTotal(tail)
	cut := tailStart
	for i := tailStart - 1; i >= 0; i-- {
		cost := EstimateMessage(msgs[i])
		if running+cost > budget {
			break
		}
		running += cost
		cut = i
	}
	return msgs[cut:]
}

// trimPairs groups adjacent (user, assistant) exchanges and admits whole
// groups from newest to oldest, skipping any group that would overflow.
// A message outside the pair shape forms its own singleton group, so a
// prompt is never kept without its reply or vice versa.
func trimPairs(msgs []model.Message, budget, base int) []model.Message {
	var groups [][]model.Message
	for i := 0; i < len(msgs); {
		if msgs[i].Role == model.RoleUser && i+1 < len(msgs) && msgs[i+1].Role == model.RoleAssistant {
			groups = append(groups, msgs[i:i+2])
			i += 2
			continue
		}
		groups = append(groups, msgs[i:i+1])
		i++
	}

	running := base
	var keep [][]model.Message
	for i := len(groups) - 1; i >= 0; i-- {
		cost := EstimateTotal(groups[i])
		if running+cost > budget {
			continue
		}
		running += cost
		keep = append(keep, groups[i])
	}

	// keep was collected newest-first; flatten back to chronological.
	var out []model.Message
	for i := len(keep) - 1; i >= 0; i-- {
		out = append(out, keep[i]...)
	}
	return out
}

// trimByDecay weights each message by squared normalized recency, so later
// messages get quadratically higher priority, then admits by descending
// weight. Ties keep their original chronological order. The admitted
// subset is restored to input order before returning.
func trimByDecay(msgs []model.Message, budget, base int) []model.Message {
	n := len(msgs)
	if n == 0 {
		return nil
	}

	type weighted struct {
		index  int
		weight float64
		tokens int
	}
	ranked := make([]weighted, n)
	for i, msg := range msgs {
		recency := float64(i+1) / float64(n)
		ranked[i] = weighted{
			index:  i,
			weight: recency * recency,
			tokens: EstimateMessage(msg),
		}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].weight > ranked[b].weight
	})

	running := base
	var picked []int
	for _, w := range ranked {
		if running+w.tokens > budget {
			continue
		}
		running += w.tokens
		picked = append(picked, w.index)
	}

	sort.Ints(picked)
	out := make([]model.Message, 0, len(picked))
	for _, i := range picked {
		out = append(out, msgs[i])
	}
	return out
}

// NeedsTrimming reports whether a history exceeds the model's effective
// budget.
func NeedsTrimming(messages []model.Message, modelName string) bool {
	cfg := ModelInfo(modelName)
	return EstimateTotal(messages) > cfg.EffectiveBudget()
}
