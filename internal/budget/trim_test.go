package budget

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-ai/assistant-gateway/internal/model"
)

// msg builds a message whose estimated cost is exactly 5 + len(content)/4
// tokens when len(content) is a multiple of four.
func msg(id string, role model.Role, content string) model.Message {
	return model.Message{ID: id, Role: role, Content: content}
}

// fixedCost returns content sized so EstimateMessage yields exactly tokens.
func fixedCost(tokens int) string {
	return strings.Repeat("x", (tokens-roleTokens-formatTokens)*charsPerToken)
}

func alternating(n, tokensEach int) []model.Message {
	out := make([]model.Message, n)
	for i := range out {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		out[i] = msg(fmt.Sprintf("m%03d", i), role, fixedCost(tokensEach))
	}
	return out
}

func assertSubsequence(t *testing.T, input, selected []model.Message) {
	t.Helper()
	j := 0
	for _, msg := range input {
		if j < len(selected) && selected[j].ID == msg.ID {
			j++
		}
	}
	require.Equal(t, len(selected), j, "selection is not an in-order subsequence of the input")
}

func TestEstimateMonotonic(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	prev := 0
	for i := 0; i <= len(text); i++ {
		got := Estimate(text[:i])
		assert.GreaterOrEqual(t, got, prev, "estimate must not shrink as text grows")
		prev = got
	}
	assert.Equal(t, 0, Estimate(""))
}

func TestEstimateMessageOverheadOnEmptyContent(t *testing.T) {
	got := EstimateMessage(model.Message{Role: model.RoleUser})
	assert.Equal(t, roleTokens+formatTokens, got)
}

func TestTrimNoOpUnderBudget(t *testing.T) {
	msgs := alternating(6, 30)
	for _, strategy := range []Strategy{StrategySlidingWindow, StrategySmartTrim, StrategyExponentialDecay} {
		d := Trim(msgs, Options{Strategy: strategy})
		assert.Equal(t, 0, d.RemovedCount, "strategy %s", strategy)
		assert.Equal(t, msgs, d.Selected, "strategy %s", strategy)
		assert.Equal(t, EstimateTotal(msgs), d.TotalTokens, "strategy %s", strategy)
	}
}

func TestTrimChronologicalOutput(t *testing.T) {
	msgs := alternating(40, 200)
	for _, strategy := range []Strategy{StrategySlidingWindow, StrategySmartTrim, StrategyExponentialDecay} {
		d := Trim(msgs, Options{Strategy: strategy})
		require.NotEmpty(t, d.Selected, "strategy %s", strategy)
		assertSubsequence(t, msgs, d.Selected)
		assert.Equal(t, len(msgs)-len(d.Selected), d.RemovedCount, "strategy %s", strategy)
		assert.LessOrEqual(t, d.TotalTokens, ModelInfo(DefaultModel).EffectiveBudget(), "strategy %s", strategy)
	}
}

func TestSlidingWindowRecencyPriority(t *testing.T) {
	const (
		perMessage = 20
		k          = 3
	)
	cfg := ModelInfo(DefaultModel)
	msgs := alternating(10, perMessage)

	d := Trim(msgs, Options{
		Strategy:      StrategySlidingWindow,
		PreserveLastN: 2,
		MaxTokens:     cfg.ReserveTokens + cfg.MaxOutputTokens + k*perMessage,
	})

	require.Len(t, d.Selected, k)
	assert.Equal(t, msgs[len(msgs)-k:], d.Selected, "must keep exactly the last k messages, no gaps")
	assert.Equal(t, len(msgs)-k, d.RemovedCount)
}

func TestSlidingWindowPreservedTailFits(t *testing.T) {
	cfg := ModelInfo(DefaultModel)
	msgs := alternating(10, 20)

	// Room for the 4-message tail plus two more.
	d := Trim(msgs, Options{
		Strategy:      StrategySlidingWindow,
		PreserveLastN: 4,
		MaxTokens:     cfg.ReserveTokens + cfg.MaxOutputTokens + 6*20,
	})

	require.Len(t, d.Selected, 6)
	assert.Equal(t, msgs[4:], d.Selected)
}

func TestSlidingWindowChargesPinnedSystemAgainstTail(t *testing.T) {
	cfg := ModelInfo(DefaultModel)
	system := msg("sys", model.RoleSystem, fixedCost(40))
	msgs := append([]model.Message{system}, alternating(10, 20)...)

	// The protected tail fits on its own (80 of 100) but not together with
	// the pinned system message (120 of 100): the window must shrink.
	d := Trim(msgs, Options{
		Strategy:      StrategySlidingWindow,
		PreserveLastN: 4,
		MaxTokens:     cfg.ReserveTokens + cfg.MaxOutputTokens + 100,
	})

	require.NotEmpty(t, d.Selected)
	assert.Equal(t, "sys", d.Selected[0].ID)
	assert.LessOrEqual(t, d.TotalTokens, 100, "selection must fit including the pinned system message")
	require.Len(t, d.Selected, 4)
	assert.Equal(t, msgs[len(msgs)-3:], d.Selected[1:])
}

func TestSmartTrimPairingIntegrity(t *testing.T) {
	msgs := alternating(41, 150) // trailing unpaired user message
	d := Trim(msgs, Options{Strategy: StrategySmartTrim})
	require.NotEmpty(t, d.Selected)
	assertSubsequence(t, msgs, d.Selected)

	i := 0
	for i < len(d.Selected) {
		if d.Selected[i].Role == model.RoleUser && i+1 < len(d.Selected) {
			assert.Equal(t, model.RoleAssistant, d.Selected[i+1].Role,
				"user message kept without its reply at %d", i)
			i += 2
			continue
		}
		i++
	}
	// The trailing singleton user group has the highest priority.
	assert.Equal(t, msgs[len(msgs)-1].ID, d.Selected[len(d.Selected)-1].ID)
}

func TestExponentialDecayRestoresOrder(t *testing.T) {
	msgs := alternating(30, 300)
	d := Trim(msgs, Options{Strategy: StrategyExponentialDecay})
	require.NotEmpty(t, d.Selected)
	assertSubsequence(t, msgs, d.Selected)

	// The newest message carries the highest weight and always fits a
	// default-model budget.
	assert.Equal(t, msgs[len(msgs)-1].ID, d.Selected[len(d.Selected)-1].ID)
}

func TestSystemMessagePinned(t *testing.T) {
	system := msg("sys", model.RoleSystem, fixedCost(40))
	msgs := append([]model.Message{system}, alternating(40, 200)...)

	for _, strategy := range []Strategy{StrategySlidingWindow, StrategySmartTrim, StrategyExponentialDecay} {
		d := Trim(msgs, Options{Strategy: strategy})
		require.NotEmpty(t, d.Selected, "strategy %s", strategy)
		assert.Equal(t, "sys", d.Selected[0].ID, "strategy %s must reinsert the system message first", strategy)
		// Removed count excludes the pinned system message.
		assert.Equal(t, (len(msgs)-1)-(len(d.Selected)-1), d.RemovedCount, "strategy %s", strategy)
	}
}

func TestTrimDegenerateBudget(t *testing.T) {
	huge := msg("big", model.RoleUser, strings.Repeat("y", 200000))
	d := Trim([]model.Message{huge}, Options{Strategy: StrategySlidingWindow})
	assert.Empty(t, d.Selected, "oversized single message degrades to an empty selection")
	assert.Equal(t, 1, d.RemovedCount)
}

func TestSmartTrimLongHistoryKeepsNewestUserTurn(t *testing.T) {
	cfg := ModelInfo(DefaultModel)
	require.Equal(t, 5644, cfg.EffectiveBudget())

	msgs := alternating(50, 30)
	big := msg("new-user", model.RoleUser, strings.Repeat("z", 20000))
	msgs = append(msgs, big)

	d := Trim(msgs, Options{Strategy: StrategySmartTrim})

	assert.LessOrEqual(t, d.TotalTokens, 5644)
	assert.Greater(t, d.RemovedCount, 0, "oldest pairs must be dropped")

	found := false
	for _, m := range d.Selected {
		assert.NotEqual(t, 0, len(m.ID))
		if m.ID == "new-user" {
			found = true
		}
	}
	assert.True(t, found, "the newest user message belongs to the highest-priority group")

	// Pairs are dropped whole.
	assert.Equal(t, 0, d.RemovedCount%2)
}

func TestNeedsTrimming(t *testing.T) {
	assert.False(t, NeedsTrimming(alternating(4, 30), DefaultModel))
	assert.True(t, NeedsTrimming(alternating(400, 30), DefaultModel))
}

func TestModelInfoFallback(t *testing.T) {
	assert.Equal(t, ModelInfo(DefaultModel), ModelInfo("unknown-model"))
	assert.Equal(t, 32768, ModelInfo("mixtral-8x7b-32768").MaxTokens)
}
