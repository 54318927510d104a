package embedding

import (
	"strings"
	"unicode"
)

var stopwords = toSet(`a an the and or of to in on at by for with from as is are was were be been being
it its this that these those which who whom what when where why how do does did done can could may
might shall should will would must not no nor than then there here into onto over under such any all
each other either neither both party parties hereby herein hereof hereto thereof upon our your their
his her we you they i me my us them if so but also`)

var suffixes = []string{"ations", "ation", "ities", "ity", "ments", "ment", "ings", "ing", "ions", "ion", "ness", "ed", "es", "s"}

// Concept groups contract vocabulary that should match across surface forms,
// e.g. "terminate", "termination" and "cancel".
type Concept struct {
	Name     string
	Prefixes []string
	Weight   float64
}

// Concepts are checked in order; a term belongs to the first concept with a
// matching prefix.
var Concepts = []Concept{
	{Name: "termination", Prefixes: []string{"termin", "cancel", "rescind", "rescission"}, Weight: 4},
	{Name: "notice", Prefixes: []string{"notic", "notif", "written"}, Weight: 4},
	{Name: "duration", Prefixes: []string{"day", "month", "year", "week", "period", "long", "last", "durat", "until"}, Weight: 1.5},
	{Name: "confidentiality", Prefixes: []string{"confidential", "nondisclos", "disclos", "secre", "proprietar"}, Weight: 4},
	{Name: "liability", Prefixes: []string{"liabil", "liabl", "indemn", "damag"}, Weight: 4},
	{Name: "payment", Prefixes: []string{"pay", "paid", "invoic", "fee", "price", "compensat", "remunerat"}, Weight: 4},
	{Name: "force_majeure", Prefixes: []string{"majeur"}, Weight: 4},
	{Name: "renewal", Prefixes: []string{"renew", "automatic"}, Weight: 4},
	{Name: "governing_law", Prefixes: []string{"govern", "jurisdict"}, Weight: 4},
	{Name: "dispute", Prefixes: []string{"disput", "arbitrat", "mediat"}, Weight: 4},
	{Name: "warranty", Prefixes: []string{"warrant", "guarant"}, Weight: 4},
	{Name: "ip", Prefixes: []string{"intellectu", "patent", "copyright", "trademark"}, Weight: 4},
}

// Analysis is the bag of stemmed terms and concept hits of a text.
type Analysis struct {
	Terms    map[string]int
	Concepts map[string]int
}

// Tokenize lowercases text and returns its letter/digit runs minus stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

// Stem strips one common English suffix, keeping at least three characters.
func Stem(w string) string {
	if isDigits(w) {
		return w
	}
	for _, s := range suffixes {
		if strings.HasSuffix(w, s) && len(w)-len(s) >= 3 {
			return w[:len(w)-len(s)]
		}
	}
	if strings.HasSuffix(w, "e") && len(w)-1 >= 4 {
		return w[:len(w)-1]
	}
	return w
}

// ConceptOf returns the concept a stemmed term belongs to, or "".
func ConceptOf(term string) string {
	for _, c := range Concepts {
		for _, p := range c.Prefixes {
			if strings.HasPrefix(term, p) {
				return c.Name
			}
		}
	}
	return ""
}

func Analyze(text string) Analysis {
	a := Analysis{Terms: map[string]int{}, Concepts: map[string]int{}}
	for _, tok := range Tokenize(text) {
		term := Stem(tok)
		a.Terms[term]++
		if c := ConceptOf(term); c != "" {
			a.Concepts[c]++
		}
	}
	return a
}

func conceptWeight(name string) float64 {
	for _, c := range Concepts {
		if c.Name == name {
			return c.Weight
		}
	}
	return 0
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func toSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}
