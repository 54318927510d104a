package insights

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/contract-insights/backend/internal/storage/models"
)

const (
	maxEvidenceBytes = 600
	maxHeadingWords  = 8
	minSentenceWords = 3
)

// insightNamespace seeds deterministic insight IDs so that re-classifying the
// same chunks yields identical records.
var insightNamespace = uuid.MustParse("6f1c2f0e-7a8b-4c55-9d0e-3b5a2c1d4e6f")

// Classifier derives clause and risk insights from a document's chunks with
// fixed rules. It holds no state and is safe for concurrent use.
type Classifier struct{}

func NewClassifier() *Classifier { return &Classifier{} }

// Confidence maps rule strength (number of supporting signals, at least 1) onto
// [0.5, 1).
func Confidence(strength int) float64 {
	if strength < 1 {
		strength = 1
	}
	c := 1 - 0.5*math.Exp(-0.6*float64(strength-1))
	return math.Round(c*100) / 100
}

// ClauseType returns the dominant category of text, or "" when none applies.
func (c *Classifier) ClauseType(text string) string {
	best, bestHits := "", 0
	for _, cat := range tagOrder {
		hits := len(categoryPatterns[cat].FindAllStringIndex(text, -1))
		if hits > bestHits {
			best, bestHits = cat, hits
		}
	}
	return best
}

type evidence struct {
	sentence string
	section  string
	score    int
}

type finding struct {
	category string
	strength int
	best     evidence
	matches  []evidence
}

// Classify returns the insights for chunks, which must be in index order.
// Output order is fixed: clause insights in ClauseCategories order, then risk
// insights in rule order.
func (c *Classifier) Classify(documentID string, chunks []models.Chunk) []models.Insight {
	findings := scan(chunks)

	var out []models.Insight
	detected := 0
	for _, cat := range ClauseCategories {
		f, ok := findings[cat]
		if !ok {
			continue
		}
		detected++
		out = append(out, models.Insight{
			ID:            insightID(documentID, models.InsightClause, cat),
			DocumentID:    documentID,
			Type:          models.InsightClause,
			Category:      cat,
			Title:         clauseTitle(cat),
			Summary:       clauseSummary(cat, f),
			Confidence:    Confidence(f.strength),
			RiskLevel:     models.RiskLow,
			EvidenceText:  truncate(f.best.sentence, maxEvidenceBytes),
			SourceSection: f.best.section,
		})
	}

	for _, r := range evaluateRules(findings, detected) {
		out = append(out, models.Insight{
			ID:            insightID(documentID, models.InsightRisk, r.code),
			DocumentID:    documentID,
			Type:          models.InsightRisk,
			Category:      r.code,
			Title:         r.title,
			Summary:       r.summary,
			Confidence:    Confidence(r.strength),
			RiskLevel:     r.level,
			EvidenceText:  truncate(r.evidence.sentence, maxEvidenceBytes),
			SourceSection: r.evidence.section,
		})
	}
	return out
}

// AggregateRisk is the highest risk level among insights, Low when empty.
func AggregateRisk(insights []models.Insight) models.RiskLevel {
	levels := make([]models.RiskLevel, len(insights))
	for i, in := range insights {
		levels[i] = in.RiskLevel
	}
	return models.MaxRisk(levels...)
}

func scan(chunks []models.Chunk) map[string]*finding {
	findings := make(map[string]*finding)
	headed := make(map[string]bool)

	for _, ch := range chunks {
		heading := headingPrefix(ch.Text)
		section := heading
		if section == "" {
			section = fmt.Sprintf("Page %d", max(ch.Page, 1))
		}
		for _, s := range chunkSentences(ch.Text) {
			for _, cat := range tagOrder {
				hits := len(categoryPatterns[cat].FindAllStringIndex(s, -1))
				if hits == 0 {
					continue
				}
				f := findings[cat]
				if f == nil {
					f = &finding{category: cat}
					findings[cat] = f
				}
				ev := evidence{sentence: s, section: section, score: evidenceScore(s, hits)}
				f.matches = append(f.matches, ev)
				if ev.score > f.best.score {
					f.best = ev
				}
				if heading != "" && categoryPatterns[cat].MatchString(heading) {
					headed[cat] = true
				}
			}
		}
	}

	for cat, f := range findings {
		f.strength = min(len(f.matches), 6)
		if headed[cat] {
			f.strength++
		}
	}
	return findings
}

// chunkSentences splits chunk text line by line and drops fragments such as
// bare section numbers.
func chunkSentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, s := range splitSentences(line) {
			if len(strings.Fields(s)) >= minSentenceWords {
				out = append(out, s)
			}
		}
	}
	return out
}

func evidenceScore(s string, hits int) int {
	score := hits
	if _, ok := durationDays(s); ok {
		score++
	}
	if len(strings.Fields(s)) >= 6 {
		score++
	}
	return score
}

// headingPrefix returns the heading a chunk starts with, if any.
func headingPrefix(text string) string {
	// Chunk text ends heading lines with a newline; the last one is nearest.
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		line := text[:i]
		if j := strings.LastIndexByte(line, '\n'); j >= 0 {
			line = line[j+1:]
		}
		line = strings.TrimRight(strings.TrimSpace(line), ".:")
		if n := len(strings.Fields(line)); n > 0 && n <= maxHeadingWords {
			return line
		}
	}
	if m := sectionHeading.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	first := text
	if i := strings.IndexAny(text, ".:\n"); i >= 0 {
		first = text[:i]
	}
	words := strings.Fields(first)
	if len(words) == 0 || len(words) > 6 {
		return ""
	}
	letters := 0
	for _, r := range first {
		if unicode.IsLower(r) {
			return ""
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < 3 {
		return ""
	}
	return strings.Join(words, " ")
}

func insightID(documentID string, typ models.InsightType, category string) string {
	return uuid.NewSHA1(insightNamespace, []byte(documentID+"/"+string(typ)+"/"+category)).String()
}

func clauseTitle(cat string) string {
	switch cat {
	case CategoryTermination:
		return "Termination Clause"
	case CategoryLiability:
		return "Liability Clause"
	case CategoryConfidentiality:
		return "Confidentiality Clause"
	case CategoryPayment:
		return "Payment Terms"
	default:
		return strings.ReplaceAll(cat, "_", " ")
	}
}

func clauseSummary(cat string, f *finding) string {
	switch cat {
	case CategoryTermination:
		if days, ok := noticeDays(f); ok {
			return fmt.Sprintf("Termination requires %d days' notice.", days)
		}
		return "The contract contains termination provisions."
	case CategoryLiability:
		for _, m := range f.matches {
			if unlimitedLiability.MatchString(m.sentence) {
				return "Liability is not capped."
			}
			if liabilityCapFees.MatchString(m.sentence) {
				return "Liability is capped by reference to fees paid."
			}
		}
		return "The contract allocates liability between the parties."
	case CategoryConfidentiality:
		for _, m := range f.matches {
			if months, ok := durationMonths(m.sentence); ok && months%12 == 0 {
				return fmt.Sprintf("Confidentiality obligations last %d years.", months/12)
			} else if ok {
				return fmt.Sprintf("Confidentiality obligations last %d months.", months)
			}
		}
		return "The contract imposes confidentiality obligations."
	case CategoryPayment:
		if days, ok := paymentDays(f); ok {
			return fmt.Sprintf("Payment is due within %d days.", days)
		}
		return "The contract sets out payment terms."
	default:
		return ""
	}
}

func noticeDays(f *finding) (int, bool) {
	for _, m := range f.matches {
		if !noticeWord.MatchString(m.sentence) {
			continue
		}
		if days, ok := durationDays(m.sentence); ok {
			return days, true
		}
	}
	return 0, false
}

func paymentDays(f *finding) (int, bool) {
	for _, m := range f.matches {
		if !paymentDue.MatchString(m.sentence) {
			continue
		}
		if days, ok := durationDays(m.sentence); ok {
			return days, true
		}
	}
	return 0, false
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "…"
}
