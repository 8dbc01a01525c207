package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Plausible price range in whole dollars.
const (
	MinPrice = 1_000
	MaxPrice = 2_000_000
)

const amountPattern = `(\d{1,3}(?:[,.]\d{3})+|\d+)(?:[.,](\d{1,2}))?(?:\s*([kK])\b)?`

var (
	labeledPriceRe = regexp.MustCompile(`(?i)\b(asking(?:\s+price)?|sale\s+price|sold\s+for|buy\s+it\s+now|price)\s*[:\-]?\s*(?:US\s*)?\$?\s*` + amountPattern)
	dollarPriceRe  = regexp.MustCompile(`(?:US\s*)?\$\s*` + amountPattern)
	usdPriceRe     = regexp.MustCompile(amountPattern + `\s*(?:USD|dollars)\b`)
	barePriceRe    = regexp.MustCompile(`^\s*\$?\s*` + amountPattern + `\s*$`)
)

type priceCandidate struct {
	amount  int64
	labeled bool
}

// ParsePrice extracts a single asking price in whole dollars from text.
//
// Labeled amounts ("Asking", "Price", "Sale Price", "Sold for", "Buy it now")
// win over unlabeled ones. A single distinct unlabeled amount is accepted.
// With several unlabeled amounts the largest is taken only when it is at
// least ten times the next, otherwise the text is ambiguous and ok is false.
// Amounts outside [MinPrice, MaxPrice] are ignored.
func ParsePrice(text string) (int64, bool) {
	text = Fold(StripHTML(text))
	if text == "" {
		return 0, false
	}

	if m := barePriceRe.FindStringSubmatch(text); m != nil {
		amt, ok := parseAmount(m[1], m[2], m[3])
		if ok && inPriceRange(amt) {
			return amt, true
		}
		return 0, false
	}

	var cands []priceCandidate
	labeledSpans := make(map[int]bool)
	for _, loc := range labeledPriceRe.FindAllStringSubmatchIndex(text, -1) {
		m := submatches(text, loc)
		if amt, ok := parseAmount(m[2], m[3], m[4]); ok && inPriceRange(amt) {
			cands = append(cands, priceCandidate{amount: amt, labeled: true})
		}
		labeledSpans[loc[4]] = true
	}
	for _, re := range []*regexp.Regexp{dollarPriceRe, usdPriceRe} {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if labeledSpans[loc[2]] {
				continue
			}
			m := submatches(text, loc)
			if amt, ok := parseAmount(m[1], m[2], m[3]); ok && inPriceRange(amt) {
				cands = append(cands, priceCandidate{amount: amt})
			}
		}
	}
	return pickPrice(cands)
}

// NormalizePrice returns ParsePrice's result as a canonical digit string,
// or "" when no single price can be determined.
func NormalizePrice(text string) string {
	amt, ok := ParsePrice(text)
	if !ok {
		return ""
	}
	return strconv.FormatInt(amt, 10)
}

func pickPrice(cands []priceCandidate) (int64, bool) {
	for _, c := range cands {
		if c.labeled {
			return c.amount, true
		}
	}

	seen := make(map[int64]bool)
	var distinct []int64
	for _, c := range cands {
		if !seen[c.amount] {
			seen[c.amount] = true
			distinct = append(distinct, c.amount)
		}
	}
	switch len(distinct) {
	case 0:
		return 0, false
	case 1:
		return distinct[0], true
	}

	sort.Slice(distinct, func(i, j int) bool { return distinct[i] > distinct[j] })
	if distinct[0] >= 10*distinct[1] {
		return distinct[0], true
	}
	return 0, false
}

// parseAmount converts the captured integer part, optional 1-2 digit
// fraction and optional "k" suffix into whole dollars. Separators inside the
// integer part are thousands separators in either locale.
func parseAmount(intPart, frac, k string) (int64, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, intPart)
	if digits == "" || len(digits) > 12 {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	if k == "" {
		return n, true
	}

	// "12.5k" means 12,500; the fraction is tenths or hundredths of a thousand.
	amt := n * 1000
	switch len(frac) {
	case 1:
		amt += int64(frac[0]-'0') * 100
	case 2:
		f, _ := strconv.Atoi(frac)
		amt += int64(f) * 10
	}
	return amt, true
}

func inPriceRange(amt int64) bool {
	return amt >= MinPrice && amt <= MaxPrice
}

func submatches(s string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}
