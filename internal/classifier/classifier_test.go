package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestClassify_PositionalWithContext is scenario S3 from spec §8.
func TestClassify_PositionalWithContext(t *testing.T) {
	res := Classify("what did I say first?", Context{SessionID: "s1", MessageCount: 5})
	assert.True(t, res.IsConversational)
	assert.Equal(t, Positional, res.Classification)
	assert.GreaterOrEqual(t, res.Confidence, 0.90)
}

// TestClassify_PositionalWithoutContext is the second half of S3: the same
// query without session context classifies as GENERAL.
func TestClassify_PositionalWithoutContext(t *testing.T) {
	res := Classify("what did I say first?", Context{})
	assert.Equal(t, General, res.Classification)
}

// TestClassify_Overview is scenario S4.
func TestClassify_Overview(t *testing.T) {
	res := Classify("summarize our conversation", Context{SessionID: "s1", MessageCount: 3, HasHistory: true})
	assert.Equal(t, Overview, res.Classification)
	assert.GreaterOrEqual(t, res.Confidence, 0.85)
}

func TestClassify_DiscourseMarker(t *testing.T) {
	res := Classify("as you said earlier, the API needs auth", Context{SessionID: "s1", HasHistory: true})
	assert.Equal(t, Positional, res.Classification)
	assert.GreaterOrEqual(t, res.Confidence, 0.95)
}

func TestClassify_Topical(t *testing.T) {
	res := Classify("what did we discuss about the database schema?", Context{SessionID: "s1", HasHistory: true})
	assert.Equal(t, Topical, res.Classification)
}

func TestClassify_AnaphoraWithPronoun(t *testing.T) {
	res := Classify("can you explain that again, we talked about it", Context{SessionID: "s1", HasHistory: true})
	assert.Equal(t, Positional, res.Classification)
}

func TestClassify_PlainGeneralQuery(t *testing.T) {
	res := Classify("what is the capital of France", Context{})
	assert.Equal(t, General, res.Classification)
	assert.False(t, res.IsConversational)
}

func TestClassify_NoContextStrongMarkerEscalates(t *testing.T) {
	res := Classify("like I mentioned, the deploy failed", Context{})
	assert.Equal(t, Positional, res.Classification)
}
