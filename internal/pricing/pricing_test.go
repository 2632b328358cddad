package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCost_KnownModel(t *testing.T) {
	// gpt-4o: 2.5e-6 in, 1e-5 out
	cost := Cost("gpt-4o", 1000, 500)
	assert.InDelta(t, 0.0075, cost, 1e-9)
}

func TestCost_UnknownModelFallsBackToDefault(t *testing.T) {
	p, c := 1234, 567
	assert.Equal(t, Cost(DefaultModel, p, c), Cost("my-custom-model", p, c))

	// Explicit rate check against the default table entry.
	cost := Cost("my-custom-model", p, c)
	assert.InDelta(t, float64(p)*2.5e-6+float64(c)*1e-5, cost, 1e-9)
}

func TestCost_TruncatedToEightDecimals(t *testing.T) {
	// 1 prompt token on gpt-4o-mini = 1.5e-7 → 0.00000015 exactly.
	assert.Equal(t, 0.00000015, Cost("gpt-4o-mini", 1, 0))

	// 3 prompt tokens = 4.5e-7, representable at 8 decimals.
	assert.Equal(t, 0.00000045, Cost("gpt-4o-mini", 3, 0))
}

func TestCost_ZeroTokens(t *testing.T) {
	assert.Equal(t, 0.0, Cost("gpt-4o", 0, 0))
	assert.GreaterOrEqual(t, Cost("gpt-4o", 0, 1), 0.0)
}
