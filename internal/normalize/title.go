package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinYear is the earliest plausible model year.
const MinYear = 1885

var (
	yearRe      = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
	titleYearRe = regexp.MustCompile(`^\s*(?:(1[89]\d{2}|20\d{2})|'(\d{2}))\s+(.+)$`)
	mileageRe   = regexp.MustCompile(`(?i)(\d{1,3}(?:[,.]\d{3})+|\d+)(?:\.(\d))?\s*(k\b)?\s*(miles|mi\b|kms?\b|kilometers|kilometres)`)
	bareMilesRe = regexp.MustCompile(`^(\d{1,3}(?:[,.]\d{3})+|\d+)(?:\.(\d))?\s*(k\b)?()$`)
	tmuRe       = regexp.MustCompile(`(?i)\b(tmu|true\s+miles?\s+unknown|exempt|not\s+actual)\b`)
)

// Now is the clock used for year plausibility; tests override it.
var Now = time.Now

// MaxYear is the latest plausible model year: next year's models plus one.
func MaxYear() int {
	return Now().Year() + 2
}

// NormalizeYear returns the first plausible four-digit year in raw as a
// string, or "".
func NormalizeYear(raw string) string {
	y := ParseYear(raw)
	if y == 0 {
		return ""
	}
	return strconv.Itoa(y)
}

// ParseYear returns the first plausible four-digit year in raw, or 0.
func ParseYear(raw string) int {
	for _, m := range yearRe.FindAllString(Fold(raw), -1) {
		y, _ := strconv.Atoi(m)
		if PlausibleYear(y) {
			return y
		}
	}
	return 0
}

// PlausibleYear reports whether y is within [MinYear, MaxYear()].
func PlausibleYear(y int) bool {
	return y >= MinYear && y <= MaxYear()
}

// ParseMileage returns the odometer reading in miles, converting kilometers.
// ok is false when no reading is present or the listing states the miles
// are unknown.
func ParseMileage(raw string) (int, bool) {
	s := Fold(StripHTML(raw))
	if s == "" || tmuRe.MatchString(s) {
		return 0, false
	}
	m := mileageRe.FindStringSubmatch(s)
	if m == nil {
		m = bareMilesRe.FindStringSubmatch(s)
	}
	if m == nil {
		return 0, false
	}
	digits := strings.NewReplacer(",", "", ".", "").Replace(m[1])
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	if m[3] != "" {
		n *= 1000
		if m[2] != "" {
			d, _ := strconv.Atoi(m[2])
			n += d * 100
		}
	}
	if strings.HasPrefix(strings.ToLower(m[4]), "k") {
		n = int(float64(n)*0.621371 + 0.5)
	}
	if n < 0 || n > 2_000_000 {
		return 0, false
	}
	return n, true
}

// NormalizeMileage returns ParseMileage's result as a digit string or "".
func NormalizeMileage(raw string) string {
	n, ok := ParseMileage(raw)
	if !ok {
		return ""
	}
	return strconv.Itoa(n)
}

// TitleParts is the identity parsed from a listing title.
type TitleParts struct {
	Year  int
	Make  string
	Model string
	// KnownMake is false when the make was guessed from the first word.
	KnownMake bool
}

// ParseTitle splits a title such as "1969 Chevrolet Camaro SS - Dealer.com"
// into year, canonical make and cleaned model.
func ParseTitle(title string) TitleParts {
	var out TitleParts
	s := CleanText(title)
	if m := titleYearRe.FindStringSubmatch(s); m != nil {
		switch {
		case m[1] != "":
			y, _ := strconv.Atoi(m[1])
			if PlausibleYear(y) {
				out.Year = y
			}
		case m[2] != "":
			out.Year = expandTwoDigitYear(m[2])
		}
		s = m[3]
	}

	words := strings.Fields(s)
	if len(words) == 0 {
		return out
	}
	if canon, n := MatchMakePrefix(words); n > 0 {
		out.Make = canon
		out.KnownMake = true
		out.Model = CleanModel(strings.Join(words[n:], " "))
		return out
	}

	// Only trust an unknown first word as a make when a year anchors it.
	if out.Year == 0 {
		return out
	}
	if name, _ := CanonicalMake(words[0]); name != "" {
		out.Make = name
		out.Model = CleanModel(strings.Join(words[1:], " "))
	}
	return out
}

func expandTwoDigitYear(yy string) int {
	n, _ := strconv.Atoi(yy)
	cur := Now().Year() % 100
	if n <= cur+1 {
		return 2000 + n
	}
	return 1900 + n
}
