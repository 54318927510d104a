package insights

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	CategoryTermination     = "termination"
	CategoryLiability       = "liability"
	CategoryConfidentiality = "confidentiality"
	CategoryPayment         = "payment"
	CategoryForceMajeure    = "force_majeure"
	CategoryRenewal         = "renewal"
	CategoryGoverningLaw    = "governing_law"
)

// ClauseCategories are the categories reported as clause insights, in report
// order.
var ClauseCategories = []string{
	CategoryTermination,
	CategoryLiability,
	CategoryConfidentiality,
	CategoryPayment,
}

// tagOrder breaks ties when tagging a chunk with its dominant category.
var tagOrder = []string{
	CategoryTermination,
	CategoryLiability,
	CategoryConfidentiality,
	CategoryPayment,
	CategoryForceMajeure,
	CategoryRenewal,
	CategoryGoverningLaw,
}

var categoryPatterns = map[string]*regexp.Regexp{
	CategoryTermination:     regexp.MustCompile(`(?i)\b(?:terminat\w*|cancel\w*|rescind\w*|rescission)\b`),
	CategoryLiability:       regexp.MustCompile(`(?i)\b(?:liabilit\w*|liable|indemnif\w*|indemnit\w*|damages)\b`),
	CategoryConfidentiality: regexp.MustCompile(`(?i)\b(?:confidential\w*|non-disclosure|nondisclosure|proprietary information|trade secrets?)\b`),
	CategoryPayment:         regexp.MustCompile(`(?i)\b(?:pay|pays|paid|payments?|payable|invoices?|invoiced|fees?|compensation|remuneration|net \d+)\b`),
	CategoryForceMajeure:    regexp.MustCompile(`(?i)\b(?:force majeure|acts? of god)\b`),
	CategoryRenewal:         regexp.MustCompile(`(?i)\b(?:renew\w*|auto-renew\w*)\b`),
	CategoryGoverningLaw:    regexp.MustCompile(`(?i)\b(?:governing law|governed by|jurisdiction)\b`),
}

var (
	unlimitedLiability = regexp.MustCompile(`(?i)\b(?:unlimited liability|liability (?:shall be|is) unlimited|without (?:any )?limit(?:ation)? (?:of|on|to) (?:its |their )?liability|uncapped)\b`)
	liabilityCapFees   = regexp.MustCompile(`(?i)liabilit\w*.{0,120}?(?:shall not exceed|not to exceed|limited to|capped at).{0,120}?\bfees?\b`)
	autoRenewal        = regexp.MustCompile(`(?i)\b(?:automatic(?:ally)? renew\w*|auto-renew\w*|renew\w* automatically)\b`)
	noticeWord         = regexp.MustCompile(`(?i)\bnotice\b`)
	paymentDue         = regexp.MustCompile(`(?i)\b(?:within|net|due|after)\b`)

	duration = regexp.MustCompile(`(?i)\b(\d{1,3}|` + numberWordAlternation() + `)\s*(?:\(\d{1,3}\)\s*)?(?:business\s+|calendar\s+)?(days?|weeks?|months?|years?)\b`)
	netTerms = regexp.MustCompile(`(?i)\bnet\s*(\d{1,3})\b`)

	sectionHeading = regexp.MustCompile(`^((?:\d+(?:\.\d+)*\.?|(?i:section|article|clause)\s+[0-9ivxlc]+\.?)\s+[A-Z][A-Za-z&' -]{1,60}?)[.:]`)
	sentenceEnd    = regexp.MustCompile(`[.!?]["')\]]*\s+`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "fourteen": 14,
	"fifteen": 15, "twenty": 20, "thirty": 30, "forty": 40, "forty-five": 45,
	"sixty": 60, "ninety": 90,
}

func numberWordAlternation() string {
	// Longest first so "forty-five" wins over "forty".
	return "forty-five|fourteen|fifteen|eleven|twelve|twenty|thirty|forty|sixty|ninety|one|two|three|four|five|six|seven|eight|nine|ten"
}

// durationDays returns the first duration in s converted to days.
func durationDays(s string) (int, bool) {
	if m := duration.FindStringSubmatch(s); m != nil {
		n, ok := parseNumber(m[1])
		if !ok {
			return 0, false
		}
		unit := strings.ToLower(m[2])
		switch {
		case strings.HasPrefix(unit, "week"):
			n *= 7
		case strings.HasPrefix(unit, "month"):
			n *= 30
		case strings.HasPrefix(unit, "year"):
			n *= 365
		}
		return n, true
	}
	if m := netTerms.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		return n, err == nil
	}
	return 0, false
}

// durationMonths returns the first month or year duration in s, in months.
func durationMonths(s string) (int, bool) {
	m := duration.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, ok := parseNumber(m[1])
	if !ok {
		return 0, false
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "year"):
		return n * 12, true
	case strings.HasPrefix(unit, "month"):
		return n, true
	default:
		return 0, false
	}
}

func parseNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	n, ok := numberWords[strings.ToLower(s)]
	return n, ok
}

func splitSentences(text string) []string {
	var (
		out  []string
		prev int
	)
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[prev:m[1]]); s != "" {
			out = append(out, s)
		}
		prev = m[1]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}
