package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Analyze(t *testing.T) {
	a := NewDefault()

	tokens := a.Analyze("Running dogs ran quickly!")
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	assert.Equal(t, []string{"run", "dog", "ran", "quick"}, terms)
}

func TestPipeline_StopWordGap(t *testing.T) {
	a := NewDefault()

	// "the" is removed but still consumes position 1, so "second" and
	// "document" stay non-adjacent to "words" across the gap.
	tokens := a.Analyze("words the second document")
	require.Len(t, tokens, 3)
	assert.Equal(t, 0, tokens[0].Position)
	assert.Equal(t, 2, tokens[1].Position)
	assert.Equal(t, 3, tokens[2].Position)
}

func TestPipeline_Offsets(t *testing.T) {
	a := NewDefault()

	text := "Quick, brown foxes."
	tokens := a.Analyze(text)
	require.Len(t, tokens, 3)
	for _, tok := range tokens {
		assert.True(t, tok.Start < tok.End)
		assert.True(t, tok.End <= len(text))
	}
	assert.Equal(t, "Quick", text[tokens[0].Start:tokens[0].End])
	assert.Equal(t, "foxes", text[tokens[2].Start:tokens[2].End])
	assert.Equal(t, "fox", tokens[2].Term)
}

func TestPipeline_Options(t *testing.T) {
	a := New(WithoutStemming(), WithMinLength(3), WithStopWords([]string{"ipsum"}))

	tokens := a.Analyze("lorem ipsum it dolor")
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	assert.Equal(t, []string{"lorem", "dolor"}, terms)
}

func TestPipeline_Unicode(t *testing.T) {
	a := New(WithoutStemming())

	tokens := a.Analyze("Großes Straßenfest 2024")
	require.Len(t, tokens, 3)
	assert.Equal(t, "großes", tokens[0].Term)
	assert.Equal(t, "2024", tokens[2].Term)
}

func TestPipeline_Empty(t *testing.T) {
	a := NewDefault()
	assert.Empty(t, a.Analyze(""))
	assert.Empty(t, a.Analyze("... !!! ..."))
}
