package ingestion

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codeWords = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot",
	"golf", "hotel", "india", "juliet", "kilo", "lima",
}

// tenTokenSentences returns sentences of exactly ten whitespace tokens each.
func tenTokenSentences(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("Clause %s requires the supplier to keep accurate written records.", codeWords[i%len(codeWords)])
	}
	return out
}

func TestChunksAreContiguousAndBounded(t *testing.T) {
	sentences := tenTokenSentences(12)
	pages := []Page{{Number: 1, Text: strings.Join(sentences, " ")}}

	chunks := Collect(NewChunker(40, 0.25).Chunks(pages))
	require.Len(t, chunks, 4)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Text)
		assert.LessOrEqual(t, c.Tokens, 40)
		assert.Equal(t, len(strings.Fields(c.Text)), c.Tokens)
		assert.Equal(t, 1, c.Page)
	}

	join := func(from, to int) string { return strings.Join(sentences[from:to], " ") }
	assert.Equal(t, join(0, 4), chunks[0].Text)
	assert.Equal(t, join(3, 7), chunks[1].Text)
	assert.Equal(t, join(6, 10), chunks[2].Text)
	assert.Equal(t, join(9, 12), chunks[3].Text)
	assert.Equal(t, 0, chunks[0].Offset)
	assert.Equal(t, strings.Index(pages[0].Text, sentences[3]), chunks[1].Offset)
}

func TestChunksAreDeterministicAndReplayable(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: strings.Join(tenTokenSentences(9), " ")},
		{Number: 2, Text: strings.Join(tenTokenSentences(7), "\n")},
	}
	seq := NewChunker(30, 0.15).Chunks(pages)

	first := Collect(seq)
	second := Collect(seq)
	assert.Equal(t, first, second)
	assert.Equal(t, first, Collect(NewChunker(30, 0.15).Chunks(pages)))
	assert.Equal(t, 2, first[len(first)-1].Page)
}

func TestChunksStopEarly(t *testing.T) {
	pages := []Page{{Number: 1, Text: strings.Join(tenTokenSentences(12), " ")}}
	n := 0
	for range NewChunker(20, 0.15).Chunks(pages) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestChunksBreakAtHeadings(t *testing.T) {
	text := "MASTER SERVICES AGREEMENT\n\n" +
		"1. Definitions\nCapitalised terms used in this agreement have the meanings given in this section.\n" +
		"2. Termination\nEither party may terminate this agreement with ninety days written notice to the other party."
	chunks := Collect(NewChunker(500, 0.15).Chunks([]Page{{Number: 1, Text: text}}))
	require.Len(t, chunks, 2)

	assert.True(t, strings.HasPrefix(chunks[0].Text, "MASTER SERVICES AGREEMENT\n1. Definitions\nCapitalised terms"), chunks[0].Text)
	assert.NotContains(t, chunks[0].Text, "terminate")
	assert.True(t, strings.HasPrefix(chunks[1].Text, "2. Termination\nEither party"), chunks[1].Text)
	assert.Contains(t, chunks[1].Text, "ninety days written notice")
}

func TestLongSentencesSplitOnTokens(t *testing.T) {
	words := make([]string, 130)
	for i := range words {
		words[i] = codeWords[i%len(codeWords)]
	}
	chunks := Collect(NewChunker(50, 0.15).Chunks([]Page{{Number: 1, Text: strings.Join(words, " ")}}))
	require.Len(t, chunks, 3)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, c.Tokens, 50)
		total += c.Tokens
	}
	assert.Equal(t, 130, total)
}

func TestEmptyPagesYieldNoChunks(t *testing.T) {
	assert.Empty(t, Collect(NewChunker(0, 0).Chunks([]Page{{Number: 1, Text: " \n\n "}})))
	assert.Empty(t, Collect(NewChunker(0, 0).Chunks(nil)))
}

func TestIsHeading(t *testing.T) {
	for _, line := range []string{"3. Termination", "3.2 Fees", "Section 4", "ARTICLE IV", "LIMITATION OF LIABILITY"} {
		assert.True(t, IsHeading(line), line)
	}
	for _, line := range []string{"", "Either party may terminate.", "2024", "OK"} {
		assert.False(t, IsHeading(line), line)
	}
}
