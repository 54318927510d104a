package insights

import (
	"regexp"
	"strings"
	"time"

	"github.com/contract-insights/backend/internal/storage/models"
)

// RenewalWindow is how far ahead of expiry a contract is flagged RenewalDue.
const RenewalWindow = 90 * 24 * time.Hour

const metadataScanBytes = 4000

// Metadata holds the contract facts recovered from its text.
type Metadata struct {
	Parties    []string
	StartDate  *time.Time
	ExpiryDate *time.Time
}

var (
	partiesPattern = regexp.MustCompile(`(?is)\bbetween\s+(.{2,120}?)\s*,?\s+and\s+(.{2,120}?)(?:\s*[,.;(]|\s+(?:effective|dated|on|as of|with effect)\b)`)
	partySuffix    = regexp.MustCompile(`(?i)\s*,?\s+(?:a|an)\s+[A-Z][\w ]*?(?:corporation|company|limited liability company|llc|partnership|entity)\b.*$`)

	monthDate   = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	dayMonth    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(january|february|march|april|may|june|july|august|september|october|november|december),?\s+(\d{4})\b`)
	isoDate     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashedDate = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

	startCue  = regexp.MustCompile(`(?i)\b(?:effective|commenc\w*|start\w*|dated|as of|entered into)\b`)
	expiryCue = regexp.MustCompile(`(?i)\b(?:expir\w*|terminat\w* on|end\w* on|until|through|continue\w* in (?:full )?force)\b`)
	termCue   = regexp.MustCompile(`(?i)\b(?:term of|period of|for a term|initial term)\b`)
)

// ExtractMetadata finds the parties, start date and expiry date of a contract.
// Expiry falls back to start date plus the stated term.
func ExtractMetadata(text string) Metadata {
	var md Metadata

	head := text
	if len(head) > metadataScanBytes {
		head = head[:metadataScanBytes]
	}
	if m := partiesPattern.FindStringSubmatch(head); m != nil {
		for _, p := range m[1:] {
			if p = cleanParty(p); p != "" {
				md.Parties = append(md.Parties, p)
			}
		}
	}

	var termMonths int
	for _, s := range splitSentences(strings.Join(strings.Fields(text), " ")) {
		if md.ExpiryDate == nil && expiryCue.MatchString(s) {
			if d, ok := findDate(s, true); ok {
				md.ExpiryDate = &d
			}
		}
		if md.StartDate == nil && startCue.MatchString(s) {
			if d, ok := findDate(s, false); ok {
				md.StartDate = &d
			}
		}
		if termMonths == 0 && termCue.MatchString(s) {
			if m, ok := durationMonths(s); ok {
				termMonths = m
			}
		}
	}

	if md.ExpiryDate == nil && md.StartDate != nil && termMonths > 0 {
		exp := md.StartDate.AddDate(0, termMonths, 0)
		md.ExpiryDate = &exp
	}
	if md.StartDate != nil && md.ExpiryDate != nil && !md.ExpiryDate.After(*md.StartDate) {
		md.ExpiryDate = nil
	}
	return md
}

// LifecycleStatus classifies a contract against now: Expired once the expiry
// date has passed, RenewalDue within RenewalWindow of it, otherwise Active.
func LifecycleStatus(expiry *time.Time, now time.Time) models.Status {
	switch {
	case expiry == nil:
		return models.StatusActive
	case !expiry.After(now):
		return models.StatusExpired
	case expiry.Sub(now) <= RenewalWindow:
		return models.StatusRenewalDue
	default:
		return models.StatusActive
	}
}

func cleanParty(p string) string {
	p = strings.Join(strings.Fields(p), " ")
	p = partySuffix.ReplaceAllString(p, "")
	p = strings.Trim(p, ` "'“”,.;`)
	if strings.HasPrefix(strings.ToLower(p), "the parties") || len(p) < 2 {
		return ""
	}
	return p
}

// findDate returns the first (or, for expiry sentences, the last) date in s.
func findDate(s string, last bool) (time.Time, bool) {
	type hit struct {
		pos int
		t   time.Time
	}
	var hits []hit
	collect := func(re *regexp.Regexp, parse func([]string) (time.Time, bool)) {
		for _, idx := range re.FindAllStringSubmatchIndex(s, -1) {
			groups := make([]string, len(idx)/2)
			for i := range groups {
				if idx[2*i] >= 0 {
					groups[i] = s[idx[2*i]:idx[2*i+1]]
				}
			}
			if t, ok := parse(groups); ok {
				hits = append(hits, hit{pos: idx[0], t: t})
			}
		}
	}

	collect(monthDate, func(g []string) (time.Time, bool) { return date(g[3], monthNumber(g[1]), g[2]) })
	collect(dayMonth, func(g []string) (time.Time, bool) { return date(g[3], monthNumber(g[2]), g[1]) })
	collect(isoDate, func(g []string) (time.Time, bool) { return date(g[1], atoi(g[2]), g[3]) })
	collect(slashedDate, func(g []string) (time.Time, bool) { return date(g[3], atoi(g[1]), g[2]) })

	if len(hits) == 0 {
		return time.Time{}, false
	}
	best := hits[0]
	for _, h := range hits[1:] {
		if (last && h.pos > best.pos) || (!last && h.pos < best.pos) {
			best = h
		}
	}
	return best.t, true
}

func date(year string, month int, day string) (time.Time, bool) {
	y, d := atoi(year), atoi(day)
	if month < 1 || month > 12 || d < 1 || d > 31 || y < 1900 || y > 2200 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(month), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func monthNumber(name string) int {
	for m := time.January; m <= time.December; m++ {
		if strings.EqualFold(m.String(), name) {
			return int(m)
		}
	}
	return 0
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
