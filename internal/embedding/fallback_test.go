package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackEmbed_Dimensions(t *testing.T) {
	vec := fallbackEmbed("Meeting with Dr. Smith tomorrow at 3pm")
	require.Len(t, vec, EmbeddingDim)
}

func TestFallbackEmbed_Finite(t *testing.T) {
	vec := fallbackEmbed("some text with !@# punctuation and 123 numbers")
	for i, v := range vec {
		assert.False(t, math.IsNaN(float64(v)), "component %d is NaN", i)
		assert.False(t, math.IsInf(float64(v), 0), "component %d is Inf", i)
	}
}

func TestFallbackEmbed_Deterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog"
	a := fallbackEmbed(text)
	b := fallbackEmbed(text)
	assert.Equal(t, a, b)
}

func TestFallbackEmbed_Normalized(t *testing.T) {
	vec := fallbackEmbed("a reasonably long sentence to make sure hashing spreads across dims")
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestFallbackEmbed_EmptyText(t *testing.T) {
	vec := fallbackEmbed("")
	require.Len(t, vec, EmbeddingDim)
	for _, v := range vec {
		assert.True(t, v == 0 || !math.IsNaN(float64(v)))
	}
}

func TestFallbackEmbed_DifferentTextsDiffer(t *testing.T) {
	a := fallbackEmbed("appointment with the doctor")
	b := fallbackEmbed("completely unrelated topic about rockets")
	assert.NotEqual(t, a, b)
}
