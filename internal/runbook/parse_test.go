package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullDocument(t *testing.T) {
	doc := `
allowed_tools:
  - search
  - fetch
required_steps:
  - name: plan
  - name: execute
    tool: fetch
budgets:
  max_total_tokens: 5000
  max_total_cost_usd: 1.25
`
	spec, err := Parse(doc)
	require.NoError(t, err)

	assert.True(t, spec.HasAllowedTools())
	assert.True(t, spec.ToolAllowed("search"))
	assert.True(t, spec.ToolAllowed("fetch"))
	assert.False(t, spec.ToolAllowed("shell"))

	require.Len(t, spec.RequiredSteps, 2)
	assert.Equal(t, RequiredStep{Name: "plan"}, spec.RequiredSteps[0])
	assert.Equal(t, RequiredStep{Name: "execute", Tool: "fetch"}, spec.RequiredSteps[1])

	require.NotNil(t, spec.Budgets.MaxTotalTokens)
	assert.Equal(t, int64(5000), *spec.Budgets.MaxTotalTokens)
	require.NotNil(t, spec.Budgets.MaxTotalCostUSD)
	assert.InDelta(t, 1.25, *spec.Budgets.MaxTotalCostUSD, 1e-9)
}

func TestParseEmptyDocumentAllowsEverything(t *testing.T) {
	spec, err := Parse("")
	require.NoError(t, err)

	assert.False(t, spec.HasAllowedTools())
	assert.Empty(t, spec.RequiredSteps)
	assert.Nil(t, spec.Budgets.MaxTotalTokens)
	assert.Nil(t, spec.Budgets.MaxTotalCostUSD)
}

func TestParseEmptyAllowedToolsForbidsAll(t *testing.T) {
	spec, err := Parse("allowed_tools: []\n")
	require.NoError(t, err)

	assert.True(t, spec.HasAllowedTools())
	assert.False(t, spec.ToolAllowed("search"))
}

func TestParseToleratesUnknownKeys(t *testing.T) {
	spec, err := Parse("description: my runbook\nallowed_tools: [search]\n")
	require.NoError(t, err)
	assert.True(t, spec.ToolAllowed("search"))
}

func TestParseShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"scalar where sequence expected", "allowed_tools: search\n"},
		{"required step without name", "required_steps:\n  - tool: fetch\n"},
		{"negative token budget", "budgets:\n  max_total_tokens: -1\n"},
		{"negative cost budget", "budgets:\n  max_total_cost_usd: -0.5\n"},
		{"budget is not a number", "budgets:\n  max_total_tokens: lots\n"},
		{"not yaml at all", "{{{\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			require.Error(t, err)

			var invalid *InvalidRunbookError
			require.ErrorAs(t, err, &invalid)
			assert.NotEmpty(t, invalid.Reason)
			assert.NotContains(t, invalid.Error(), "\n")
		})
	}
}

func TestCanonicalTrimsSurroundingWhitespace(t *testing.T) {
	assert.Equal(t, Canonical("allowed_tools: [a]"), Canonical("\n\n  allowed_tools: [a]  \n"))
	assert.NotEqual(t, Canonical("allowed_tools: [a]"), Canonical("allowed_tools: [b]"))
}
