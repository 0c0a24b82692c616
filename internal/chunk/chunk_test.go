package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_EmptyInputReturnsNil(t *testing.T) {
	assert.Nil(t, Chunk("", DefaultOptions()))
	assert.Nil(t, Chunk("   \n\t", DefaultOptions()))
}

func TestChunk_RespectsHeadingBoundaries(t *testing.T) {
	text := "# Intro\n\nThis is the intro paragraph.\n\n# Details\n\nThis is the details paragraph."
	pieces := Chunk(text, Options{MaxTokens: 600, OverlapFraction: 0.1, Tokenizer: WhitespaceTokenizer{}})
	require.Len(t, pieces, 2)
	assert.Equal(t, "Intro", pieces[0].Heading)
	assert.Equal(t, "Details", pieces[1].Heading)
	assert.Contains(t, pieces[0].Text, "intro paragraph")
	assert.Contains(t, pieces[1].Text, "details paragraph")
}

func TestChunk_FallsBackToFixedWindowsWithoutHeadings(t *testing.T) {
	words := make([]string, 50)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	pieces := Chunk(text, Options{MaxTokens: 10, OverlapFraction: 0.2, Tokenizer: WhitespaceTokenizer{}})
	require.NotEmpty(t, pieces)
	for _, p := range pieces {
		toks := WhitespaceTokenizer{}.Tokenize(p.Text)
		assert.LessOrEqual(t, len(toks), 10)
	}
}

func TestChunk_OverlappingWindowsShareTrailingTokens(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = "w" + string(rune('a'+i%26))
	}
	text := strings.Join(words, " ")

	pieces := Chunk(text, Options{MaxTokens: 10, OverlapFraction: 0.3, Tokenizer: WhitespaceTokenizer{}})
	require.GreaterOrEqual(t, len(pieces), 2)
	firstToks := WhitespaceTokenizer{}.Tokenize(pieces[0].Text)
	secondToks := WhitespaceTokenizer{}.Tokenize(pieces[1].Text)
	overlap := 3 // int(10 * 0.3)
	assert.Equal(t, firstToks[len(firstToks)-overlap:], secondToks[:overlap], "overlap window should repeat the tail of the prior chunk")
}

func TestChunk_SplitsOversizedParagraphEvenUnderAHeading(t *testing.T) {
	words := make([]string, 40)
	for i := range words {
		words[i] = "tok"
	}
	text := "# Section\n\n" + strings.Join(words, " ")
	pieces := Chunk(text, Options{MaxTokens: 10, OverlapFraction: 0.1, Tokenizer: WhitespaceTokenizer{}})
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.Equal(t, "Section", p.Heading)
	}
}
