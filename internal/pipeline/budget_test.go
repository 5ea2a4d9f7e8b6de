package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/ai/stub"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

func budgetAgents(maxContext int) *Agents {
	return NewAgents(&stub.Client{}, config.Config{
		MaxContextTokens: maxContext,
		AIModel:          "gpt-4o-mini",
	})
}

func TestFitBudget_UnderBudgetUntouched(t *testing.T) {
	t.Parallel()
	a := budgetAgents(16000)
	prompt := "THOUGHT: short prompt\nRESPOND WITH ONLY JSON."
	assert.Equal(t, prompt, a.fitBudget(domain.UserContext{}, prompt, 1000))
}

func TestFitBudget_TrimsFromTheFront(t *testing.T) {
	t.Parallel()
	a := budgetAgents(200)
	prompt := strings.Repeat("earlier context line\n", 400) + "THOUGHT: the part that matters"

	trimmed := a.fitBudget(domain.UserContext{}, prompt, 100)
	assert.Less(t, len(trimmed), len(prompt))
	assert.True(t, strings.HasSuffix(prompt, trimmed), "trimming must drop the front, never the tail")
	assert.Contains(t, trimmed, "the part that matters")
}

func TestFitBudget_ExtremeOverrunStillTrims(t *testing.T) {
	t.Parallel()
	// Budget so small the computed excess exceeds the whole prompt.
	a := budgetAgents(30)
	prompt := strings.Repeat("x", 4000) + " THOUGHT: keep me"

	trimmed := a.fitBudget(domain.UserContext{}, prompt, 29)
	assert.Less(t, len(trimmed), len(prompt), "an overrun larger than the prompt must still shrink it")
	assert.True(t, strings.HasSuffix(prompt, trimmed))
	assert.Contains(t, trimmed, "keep me")
}
