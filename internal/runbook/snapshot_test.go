package runbook

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/veriops/veriops/internal/model"
)

func TestInputHashDeterministic(t *testing.T) {
	run := &model.Run{ID: uuid.New(), TotalTokens: 300, TotalCostUSD: 0.03}
	steps := []model.Step{
		step(0, "plan", "", 100, 0.01),
		step(1, "execute", "fetch", 200, 0.02),
	}

	h1 := InputHash("allowed_tools: [fetch]", run, steps)
	h2 := InputHash("allowed_tools: [fetch]", run, steps)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestInputHashIgnoresSurroundingWhitespaceInSpec(t *testing.T) {
	run := &model.Run{ID: uuid.New()}

	h1 := InputHash("allowed_tools: [fetch]", run, nil)
	h2 := InputHash("\n  allowed_tools: [fetch]  \n\n", run, nil)

	assert.Equal(t, h1, h2)
}

func TestInputHashSensitivity(t *testing.T) {
	run := &model.Run{ID: uuid.New(), TotalTokens: 300}
	steps := []model.Step{step(0, "plan", "", 100, 0.01)}
	base := InputHash("budgets:\n  max_total_tokens: 500", run, steps)

	t.Run("spec text", func(t *testing.T) {
		h := InputHash("budgets:\n  max_total_tokens: 600", run, steps)
		assert.NotEqual(t, base, h)
	})

	t.Run("step usage", func(t *testing.T) {
		// A late step.end that bumps token usage must invalidate the verdict.
		bumped := []model.Step{step(0, "plan", "", 400, 0.01)}
		h := InputHash("budgets:\n  max_total_tokens: 500", run, bumped)
		assert.NotEqual(t, base, h)
	})

	t.Run("step status", func(t *testing.T) {
		pending := []model.Step{{Index: 0, Name: "plan", Tokens: 100, CostUSD: 0.01}}
		h := InputHash("budgets:\n  max_total_tokens: 500", run, pending)
		assert.NotEqual(t, base, h)
	})

	t.Run("run totals", func(t *testing.T) {
		ended := &model.Run{ID: run.ID, TotalTokens: 999}
		h := InputHash("budgets:\n  max_total_tokens: 500", ended, steps)
		assert.NotEqual(t, base, h)
	})

	t.Run("extra step", func(t *testing.T) {
		more := append([]model.Step{}, steps...)
		more = append(more, step(1, "extra", "", 0, 0))
		h := InputHash("budgets:\n  max_total_tokens: 500", run, more)
		assert.NotEqual(t, base, h)
	})
}

func TestInputHashFieldBoundariesAreUnambiguous(t *testing.T) {
	run := &model.Run{ID: uuid.New()}

	// Shifting bytes between adjacent fields must not collide thanks to the
	// length-prefixed encoding.
	a := []model.Step{step(0, "ab", "c", 0, 0)}
	b := []model.Step{step(0, "a", "bc", 0, 0)}

	assert.NotEqual(t, InputHash("", run, a), InputHash("", run, b))
}
