package xref

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "she": {}, "her": {}, "his": {},
	"pt": {}, "patient": {}, "per": {}, "if": {}, "so": {},
}

// Clinical shorthand expanded at index and query time. The abbreviation
// itself is kept as a token too.
var abbreviations = map[string][]string{
	"htn":  {"hypertension"},
	"dm":   {"diabetes", "mellitus"},
	"mi":   {"myocardial", "infarction"},
	"chf":  {"congestive", "heart", "failure"},
	"copd": {"chronic", "obstructive", "pulmonary", "disease"},
	"cad":  {"coronary", "artery", "disease"},
	"ckd":  {"chronic", "kidney", "disease"},
	"afib": {"atrial", "fibrillation"},
	"bp":   {"blood", "pressure"},
	"sob":  {"shortness", "breath"},
	"hx":   {"history"},
	"dx":   {"diagnosis"},
	"rx":   {"prescription"},
}

// Tokenize lower-cases text, splits on non-alphanumeric boundaries, drops
// stop words and one-letter words, expands abbreviations and stems. The
// result is de-duplicated, upper-cased, in first-seen order.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	add := func(w string) {
		term := strings.ToUpper(stem(w))
		if term == "" {
			return
		}
		if _, dup := seen[term]; dup {
			return
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	for _, word := range words {
		if len(word) < 2 {
			continue
		}
		if _, isStop := stopWords[word]; isStop {
			continue
		}
		add(word)
		for _, exp := range abbreviations[word] {
			add(exp)
		}
	}
	return out
}

var suffixes = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"ations", "ate", 3},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"ing", "", 4},
	{"ies", "y", 3},
	{"ed", "", 4},
	{"ly", "", 4},
	{"ss", "ss", 2},
	{"s", "", 4},
}

// stem strips one common English suffix.
func stem(word string) string {
	for _, rule := range suffixes {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
			return word
		}
	}
	return word
}
