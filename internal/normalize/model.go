package normalize

import (
	"regexp"
	"strings"
)

// modelRule removes one class of boilerplate from a model string.
type modelRule struct {
	name string
	re   *regexp.Regexp
	repl string
}

// modelRules run in order; CleanModel repeats the pass until nothing changes.
var modelRules = []modelRule{
	{"chassis", regexp.MustCompile(`(?i)\s*chassis\s*(?:#|no\.?)?\s*:?.*$`), ""},
	{"site_suffix", regexp.MustCompile(`(?i)\s+[|–—-]\s+[^|–—]*?(?:\.com|\.net|motors|cars|auctions?|classifieds|for sale)[^|]*$`), ""},
	{"bracketed", regexp.MustCompile(`\s*[\[(][^\])]*(?:stock|stk|sku|lot|vin|call|price|\$)[^\])]*[\])]`), ""},
	{"financing", regexp.MustCompile(`(?i)\b(?:financing\s+available|easy\s+financing|we\s+finance|buy\s+here\s+pay\s+here|low\s+monthly\s+payments?|\d+(?:\.\d+)?\s*%\s*apr|(?:only\s+)?\$\s*\d[\d,]*\s*(?:/|per\s+)\s*mo(?:nth)?)\b.*$`), ""},
	{"sku", regexp.MustCompile(`(?i)\b(?:stock|stk|sku|vin|lot)\s*(?:#|no\.?|number)?\s*:?\s*#?[A-Z0-9-]*\d[A-Z0-9-]*`), ""},
	{"auction", regexp.MustCompile(`(?i)\b(?:no\s+reserve|reserve\s+(?:met|not\s+met)|bid(?:ding)?\s+(?:now|ends?)|auction(?:\s+ends?)?|sold|ends\s+in\s+\d+.*)\b`), ""},
	{"dealer", regexp.MustCompile(`(?i)\b(?:for\s+sale|call\s+(?:now|today)|must\s+see|won'?t\s+last|clean\s+(?:carfax|title)|one\s+owner|low\s+miles|fully\s+loaded|warranty|trades?\s+welcome|nationwide\s+shipping|ships?\s+free|price\s+reduced|obo)\b`), ""},
	{"price", regexp.MustCompile(`\$\s*\d[\d,.]*\s*[kK]?`), ""},
	{"punctuation", regexp.MustCompile(`^[\s\-–—|,:;.!*~]+|[\s\-–—|,:;!*~]+$`), ""},
	{"empty_parens", regexp.MustCompile(`\(\s*\)|\[\s*\]`), ""},
}

const maxModelPasses = 8

// CleanModel strips HTML, emoji and listing boilerplate (financing, dealer
// slogans, stock numbers, auction status, site suffixes) from a model
// string. The rule list is applied repeatedly until it reaches a fixpoint.
func CleanModel(raw string) string {
	s := CleanText(raw)
	for i := 0; i < maxModelPasses; i++ {
		next := applyModelRules(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func applyModelRules(s string) string {
	for _, r := range modelRules {
		s = CollapseSpace(r.re.ReplaceAllString(s, r.repl))
	}
	return s
}

// StripMakePrefix removes a leading make (canonical or alias) from model.
func StripMakePrefix(model, mk string) string {
	words := strings.Fields(model)
	if len(words) < 2 || mk == "" {
		return model
	}
	canon, n := MatchMakePrefix(words)
	if n == 0 || canon != mk {
		return model
	}
	return strings.Join(words[n:], " ")
}

// StripYearPrefix removes a leading model year from model when it equals
// year. Numeric model names such as "2002 Turbo" survive when year differs.
func StripYearPrefix(model, year string) string {
	words := strings.Fields(model)
	if len(words) < 2 || year == "" || words[0] != year {
		return model
	}
	return strings.Join(words[1:], " ")
}

// JunkModel reports whether a model value still looks like boilerplate:
// it changes under CleanModel, is empty, is all digits, or is implausibly
// long.
func JunkModel(model string) bool {
	if strings.TrimSpace(model) == "" {
		return true
	}
	if CleanModel(model) != model {
		return true
	}
	if strings.Trim(model, "0123456789 ") == "" {
		return true
	}
	if len(model) > 60 || len(strings.Fields(model)) > 8 {
		return true
	}
	return strings.Contains(model, "://")
}
