// Package synthesis turns ranked chunks into a grounded answer with citations.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/llm"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/pkg/logger"
)

const (
	DefaultMinRelevance = 0.5
	DefaultMaxSentences = 3

	ModeExtractive = "extractive"
	ModeLLM        = "llm"

	NoEvidenceMessage = "I could not find sufficient evidence in your contracts to answer this question."

	minSentenceWords = 4
	conceptWeight    = 2.0
)

type Status string

const (
	StatusAnswered   Status = "answered"
	StatusNoEvidence Status = "no_evidence"
)

// Citation is one chunk an answer relies on. Number matches the [n] marker in
// the answer text.
type Citation struct {
	Number       int     `json:"number"`
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	ContractName string  `json:"contract_name"`
	Page         int     `json:"page"`
	ClauseType   string  `json:"clause_type,omitempty"`
	Text         string  `json:"text"`
	Relevance    float64 `json:"relevance"`
}

type Answer struct {
	Status     Status     `json:"status"`
	Text       string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Mode       string     `json:"mode"`
}

// Generator writes an answer from numbered evidence. llm.Client satisfies it.
type Generator interface {
	GenerateGroundedAnswer(ctx context.Context, question string, evidence []llm.Evidence) (string, error)
}

type Config struct {
	MinRelevance float64
	MaxSentences int
	Mode         string
}

type Synthesizer struct {
	minRelevance float64
	maxSentences int
	mode         string
	generator    Generator
}

// New builds a synthesizer. LLM mode needs a generator; without one it
// answers extractively.
func New(cfg Config, generator Generator) *Synthesizer {
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = DefaultMinRelevance
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = DefaultMaxSentences
	}
	if cfg.Mode != ModeLLM || generator == nil {
		cfg.Mode = ModeExtractive
	}
	return &Synthesizer{
		minRelevance: cfg.MinRelevance,
		maxSentences: cfg.MaxSentences,
		mode:         cfg.Mode,
		generator:    generator,
	}
}

func (s *Synthesizer) Mode() string { return s.mode }

func (s *Synthesizer) MinRelevance() float64 { return s.minRelevance }

// Synthesize answers question from cands, which must already be ranked. Only
// candidates at or above the relevance threshold are used; when none qualify
// the answer has StatusNoEvidence. The same inputs always produce the same
// extractive answer.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, cands []vector.Candidate) Answer {
	evidence := make([]vector.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score >= s.minRelevance {
			evidence = append(evidence, c)
		}
	}
	if len(evidence) == 0 {
		return NoEvidence(s.mode)
	}

	if s.mode == ModeLLM {
		ans, err := s.generate(ctx, question, evidence)
		if err == nil {
			return ans
		}
		if errors.Is(err, llm.ErrInsufficientEvidence) {
			return NoEvidence(s.mode)
		}
		logger.Warn("LLM synthesis failed, answering extractively", zap.Error(err))
	}
	return s.extract(question, evidence)
}

// NoEvidence is the answer returned when nothing relevant was retrieved.
func NoEvidence(mode string) Answer {
	return Answer{Status: StatusNoEvidence, Text: NoEvidenceMessage, Citations: []Citation{}, Mode: mode}
}

type candidateSentence struct {
	text     string
	evidence int
	position int
	score    float64
}

func (s *Synthesizer) extract(question string, evidence []vector.Candidate) Answer {
	q := embedding.Analyze(question)

	var (
		pool []candidateSentence
		seen = make(map[string]bool)
	)
	for i, c := range evidence {
		for pos, sent := range sentences(c.Text) {
			if seen[sent] {
				continue
			}
			seen[sent] = true
			pool = append(pool, candidateSentence{
				text:     sent,
				evidence: i,
				position: pos,
				score:    overlap(q, embedding.Analyze(sent)) * c.Score,
			})
		}
	}

	sort.SliceStable(pool, func(a, b int) bool {
		if pool[a].score != pool[b].score {
			return pool[a].score > pool[b].score
		}
		if pool[a].evidence != pool[b].evidence {
			return pool[a].evidence < pool[b].evidence
		}
		return pool[a].position < pool[b].position
	})

	var picked []candidateSentence
	for _, cs := range pool {
		if len(picked) == s.maxSentences {
			break
		}
		if cs.score <= 0 && len(picked) > 0 {
			break
		}
		picked = append(picked, cs)
	}
	if len(picked) == 0 {
		// The top chunk cleared the threshold but has no usable sentence.
		picked = []candidateSentence{{text: strings.Join(strings.Fields(evidence[0].Text), " ")}}
	}

	// Present in document order: by evidence rank, then position.
	sort.SliceStable(picked, func(a, b int) bool {
		if picked[a].evidence != picked[b].evidence {
			return picked[a].evidence < picked[b].evidence
		}
		return picked[a].position < picked[b].position
	})

	numbers := make(map[int]int)
	var (
		citations []Citation
		parts     []string
	)
	for _, cs := range picked {
		n, ok := numbers[cs.evidence]
		if !ok {
			n = len(citations) + 1
			numbers[cs.evidence] = n
			citations = append(citations, citationFor(n, evidence[cs.evidence]))
		}
		parts = append(parts, fmt.Sprintf("%s [%d]", cs.text, n))
	}

	return Answer{
		Status:     StatusAnswered,
		Text:       strings.Join(parts, " "),
		Citations:  citations,
		Confidence: confidence(evidence),
		Mode:       ModeExtractive,
	}
}

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

func (s *Synthesizer) generate(ctx context.Context, question string, evidence []vector.Candidate) (Answer, error) {
	passages := make([]llm.Evidence, len(evidence))
	for i, c := range evidence {
		passages[i] = llm.Evidence{
			Label:  strconv.Itoa(i + 1),
			Source: source(c),
			Text:   c.Text,
		}
	}

	text, err := s.generator.GenerateGroundedAnswer(ctx, question, passages)
	if err != nil {
		return Answer{}, err
	}

	// Keep only passages the model cited, falling back to all evidence.
	var citations []Citation
	cited := make(map[int]bool)
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= len(evidence) {
			cited[n] = true
		}
	}
	for i, c := range evidence {
		if len(cited) == 0 || cited[i+1] {
			citations = append(citations, citationFor(i+1, c))
		}
	}

	return Answer{
		Status:     StatusAnswered,
		Text:       text,
		Citations:  citations,
		Confidence: confidence(evidence),
		Mode:       ModeLLM,
	}, nil
}

func citationFor(n int, c vector.Candidate) Citation {
	return Citation{
		Number:       n,
		ChunkID:      c.ChunkID,
		DocumentID:   c.DocumentID,
		ContractName: c.ContractName,
		Page:         c.Page,
		ClauseType:   c.ClauseType,
		Text:         c.Text,
		Relevance:    c.Score,
	}
}

func source(c vector.Candidate) string {
	if c.Page > 0 {
		return fmt.Sprintf("%s, page %d", c.ContractName, c.Page)
	}
	return c.ContractName
}

// confidence is the best evidence relevance.
func confidence(evidence []vector.Candidate) float64 {
	return round2(evidence[0].Score)
}

// overlap scores how much of the question a sentence covers; shared concepts
// count double.
func overlap(q, s embedding.Analysis) float64 {
	var hit, total float64
	for term := range q.Terms {
		total++
		if s.Terms[term] > 0 {
			hit++
		}
	}
	for concept := range q.Concepts {
		total += conceptWeight
		if s.Concepts[concept] > 0 {
			hit += conceptWeight
		}
	}
	if total == 0 {
		return 0
	}
	return hit / total
}

var sentenceEnd = regexp.MustCompile(`[.!?]["')\]]*\s+`)

// sentences splits chunk text into answerable sentences, skipping heading
// lines and fragments.
func sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		var prev int
		emit := func(end int) {
			s := strings.TrimSpace(line[prev:end])
			prev = end
			if len(strings.Fields(s)) >= minSentenceWords {
				out = append(out, s)
			}
		}
		for _, m := range sentenceEnd.FindAllStringIndex(line, -1) {
			emit(m[1])
		}
		emit(len(line))
	}
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
