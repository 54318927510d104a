package ingestion

import (
	"iter"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

const (
	DefaultChunkTokens  = 500
	DefaultOverlapRatio = 0.15

	// Sections shorter than this (titles, bare headings) are merged into the
	// section that follows them.
	minSectionTokens = 8
)

var (
	numberedHeading = regexp.MustCompile(`^\s*(?:\d+(?:\.\d+)*[.)]|\d+(?:\.\d+)+)\s+\S`)
	keywordHeading  = regexp.MustCompile(`(?i)^\s*(?:section|article|clause|schedule|exhibit|annex)\s+[0-9ivxlc]+\b`)
	sentenceEnd     = regexp.MustCompile(`[.!?]["')\]]*\s+`)
)

// Chunk is a contiguous slice of document text. Offset is the byte offset of
// the first sentence within its page.
type Chunk struct {
	Index  int
	Text   string
	Page   int
	Offset int
	Tokens int
}

// Chunker splits pages into overlapping, sentence-aligned chunks that never
// cross a section heading or paragraph break.
type Chunker struct {
	target  int
	overlap int
}

func NewChunker(targetTokens int, overlapRatio float64) *Chunker {
	if targetTokens <= 0 {
		targetTokens = DefaultChunkTokens
	}
	if overlapRatio < 0 || overlapRatio >= 0.5 {
		overlapRatio = DefaultOverlapRatio
	}
	return &Chunker{
		target:  targetTokens,
		overlap: int(math.Ceil(overlapRatio * float64(targetTokens))),
	}
}

// Chunks returns a lazy sequence over the chunks of pages. Each iteration
// recomputes from pages, so the sequence can be replayed and always yields the
// same chunks.
func (c *Chunker) Chunks(pages []Page) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		index := 0
		for _, sec := range mergeShortSections(sections(pages)) {
			for _, group := range c.pack(sec) {
				ch := Chunk{
					Index:  index,
					Text:   joinSentences(group),
					Page:   group[0].page,
					Offset: group[0].offset,
					Tokens: countTokens(group),
				}
				if ch.Text == "" {
					continue
				}
				if !yield(ch) {
					return
				}
				index++
			}
		}
	}
}

// Collect drains a chunk sequence.
func Collect(seq iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for ch := range seq {
		out = append(out, ch)
	}
	return out
}

type sentence struct {
	text    string
	page    int
	offset  int
	tokens  int
	// heading marks the last sentence of a heading line; it is followed by a
	// newline rather than a space in chunk text.
	heading bool
}

type section []sentence

func (s section) tokens() int {
	n := 0
	for _, st := range s {
		n += st.tokens
	}
	return n
}

// sections splits each page at blank lines and heading lines and segments
// each block into sentences. A leading heading line is segmented on its own.
func sections(pages []Page) []section {
	var out []section
	for _, p := range pages {
		for _, b := range blocks(p.Text) {
			parts := []span{b}
			if nl := strings.IndexByte(p.Text[b.start:b.end], '\n'); nl >= 0 && IsHeading(p.Text[b.start:b.start+nl]) {
				parts = []span{{b.start, b.start + nl}, {b.start + nl + 1, b.end}}
			}

			var sec section
			for i, part := range parts {
				for _, sp := range sentenceSpans(p.Text[part.start:part.end]) {
					raw := p.Text[part.start+sp.start : part.start+sp.end]
					text := strings.Join(strings.Fields(raw), " ")
					if text == "" {
						continue
					}
					sec = append(sec, sentence{
						text:   text,
						page:   p.Number,
						offset: part.start + sp.start,
						tokens: len(strings.Fields(text)),
					})
				}
				if i == 0 && len(parts) > 1 && len(sec) > 0 {
					sec[len(sec)-1].heading = true
				}
			}
			if len(sec) > 0 {
				out = append(out, sec)
			}
		}
	}
	return out
}

func mergeShortSections(secs []section) []section {
	var (
		out     []section
		pending section
	)
	for _, s := range secs {
		if len(pending) > 0 {
			s = append(append(section{}, pending...), s...)
			pending = nil
		}
		if s.tokens() < minSectionTokens {
			pending = s
			continue
		}
		out = append(out, s)
	}
	if len(pending) > 0 {
		if len(out) == 0 {
			return []section{pending}
		}
		last := len(out) - 1
		out[last] = append(out[last], pending...)
	}
	return out
}

// pack groups a section's sentences into chunks of at most c.target tokens,
// starting each chunk after the first with whole trailing sentences of the
// previous one worth at most c.overlap tokens.
func (c *Chunker) pack(sec section) [][]sentence {
	var (
		out   [][]sentence
		cur   []sentence
		size  int
		fresh int
	)
	for _, s := range splitLong(sec, c.target) {
		if size+s.tokens > c.target && fresh > 0 {
			out = append(out, cur)
			cur, size = c.tail(cur)
			fresh = 0
			if size+s.tokens > c.target {
				cur, size = nil, 0
			}
		}
		cur = append(cur, s)
		size += s.tokens
		fresh++
	}
	if fresh > 0 {
		out = append(out, cur)
	}
	return out
}

func (c *Chunker) tail(prev []sentence) ([]sentence, int) {
	size := 0
	start := len(prev)
	for start > 1 && size+prev[start-1].tokens <= c.overlap {
		start--
		size += prev[start].tokens
	}
	return append([]sentence(nil), prev[start:]...), size
}

// splitLong breaks sentences longer than limit tokens on token boundaries.
func splitLong(sec section, limit int) []sentence {
	var out []sentence
	for _, s := range sec {
		if s.tokens <= limit {
			out = append(out, s)
			continue
		}
		words := strings.Fields(s.text)
		for i := 0; i < len(words); i += limit {
			end := min(i+limit, len(words))
			out = append(out, sentence{
				text:   strings.Join(words[i:end], " "),
				page:   s.page,
				offset: s.offset,
				tokens: end - i,
			})
		}
	}
	return out
}

func joinSentences(group []sentence) string {
	var sb strings.Builder
	for i, s := range group {
		if i > 0 {
			if group[i-1].heading {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(s.text)
	}
	return sb.String()
}

func countTokens(group []sentence) int {
	n := 0
	for _, s := range group {
		n += s.tokens
	}
	return n
}

type span struct{ start, end int }

// blocks returns byte ranges of text separated by blank lines, with a new
// block starting at every heading line.
func blocks(text string) []span {
	var (
		out   []span
		start = -1
		pos   int
	)
	closeAt := func(end int) {
		if start >= 0 && strings.TrimSpace(text[start:end]) != "" {
			out = append(out, span{start, end})
		}
		start = -1
	}
	for pos <= len(text) {
		nl := strings.IndexByte(text[pos:], '\n')
		end := len(text)
		if nl >= 0 {
			end = pos + nl
		}
		line := text[pos:end]
		switch {
		case strings.TrimSpace(line) == "":
			closeAt(pos)
		case IsHeading(line):
			closeAt(pos)
			start = pos
		case start < 0:
			start = pos
		}
		if nl < 0 {
			break
		}
		pos = end + 1
	}
	closeAt(len(text))
	return out
}

// IsHeading reports whether a line looks like a section heading: numbered
// ("3.", "3.2 Fees"), introduced by a keyword ("Section 4"), or a short line in
// capitals.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if numberedHeading.MatchString(line) || keywordHeading.MatchString(line) {
		return true
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 3 && len(strings.Fields(line)) <= 10
}

// sentenceSpans segments text with prose. If the segmenter's output cannot be
// mapped back onto the input, a punctuation-based splitter is used instead so
// offsets stay exact.
func sentenceSpans(text string) []span {
	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return punctuationSpans(text)
	}

	var (
		out    []span
		cursor int
	)
	for _, s := range doc.Sentences() {
		st := strings.TrimSpace(s.Text)
		if st == "" {
			continue
		}
		i := strings.Index(text[cursor:], st)
		if i < 0 {
			return punctuationSpans(text)
		}
		out = append(out, span{cursor + i, cursor + i + len(st)})
		cursor += i + len(st)
	}
	if rest := strings.TrimSpace(text[cursor:]); rest != "" {
		i := strings.Index(text[cursor:], rest)
		out = append(out, span{cursor + i, cursor + i + len(rest)})
	}
	return out
}

func punctuationSpans(text string) []span {
	var (
		out  []span
		prev int
	)
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = appendTrimmed(out, text, prev, m[1])
		prev = m[1]
	}
	return appendTrimmed(out, text, prev, len(text))
}

func appendTrimmed(out []span, text string, start, end int) []span {
	for start < end && unicode.IsSpace(rune(text[start])) {
		start++
	}
	for end > start && unicode.IsSpace(rune(text[end-1])) {
		end--
	}
	if start < end {
		out = append(out, span{start, end})
	}
	return out
}

// ContractName derives a display name from an uploaded filename.
func ContractName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" || base == "." {
		return "Untitled contract"
	}
	return base
}
