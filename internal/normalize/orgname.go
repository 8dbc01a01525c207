package normalize

import (
	"regexp"
	"strings"
)

var (
	orgSuffixRe = regexp.MustCompile(`(?i)\b(llc|l\.l\.c|inc|incorporated|corp|corporation|co|company|ltd|limited|lp|llp)\b\.?`)
	orgPunctRe  = regexp.MustCompile(`[^a-z0-9 ]+`)
)

// NormalizeOrgName lowercases a seller name, drops "&"/"and", legal suffixes
// and punctuation so "Classic Motors, LLC" and "classic motors" compare
// equal.
func NormalizeOrgName(name string) string {
	s := strings.ToLower(CleanText(name))
	s = strings.ReplaceAll(s, "&", " ")
	s = orgSuffixRe.ReplaceAllString(s, " ")
	s = orgPunctRe.ReplaceAllString(s, " ")
	words := strings.Fields(s)
	out := words[:0]
	for _, w := range words {
		if w == "and" || w == "the" {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// NormalizeState uppercases a two-letter state code or maps a full US state
// name to its code. Unrecognized values are returned trimmed.
func NormalizeState(raw string) string {
	s := CollapseSpace(raw)
	if len(s) == 2 {
		return strings.ToUpper(s)
	}
	if code, ok := stateCodes[strings.ToLower(s)]; ok {
		return code
	}
	return s
}

// NormalizeCity reduces a city name to its comparison key: folded,
// lowercased, punctuation dropped, and a leading St/Ft/Mt spelled out.
func NormalizeCity(raw string) string {
	s := strings.ToLower(Fold(StripHTML(raw)))
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '\'' || r == ',':
			return -1
		case r == '-':
			return ' '
		}
		return r
	}, s)
	words := strings.Fields(s)
	if len(words) > 1 {
		if full, ok := cityPrefixes[words[0]]; ok {
			words[0] = full
		}
	}
	return strings.Join(words, " ")
}

var cityPrefixes = map[string]string{"st": "saint", "ste": "sainte", "ft": "fort", "mt": "mount"}

var stateCodes = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK",
	"oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
}
