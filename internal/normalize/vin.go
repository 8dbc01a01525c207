package normalize

import (
	"regexp"
	"strings"
)

var (
	vinRe       = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)
	vinSearchRe = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)
	vinLabelRe  = regexp.MustCompile(`(?i)\bVIN\s*(?:#|no\.?|number)?\s*[:\-]?\s*([A-HJ-NPR-Za-hj-npr-z0-9][A-HJ-NPR-Za-hj-npr-z0-9 \-]{15,22})`)
)

// NormalizeVIN uppercases raw, drops spaces and dashes, and returns the
// result when it is a well-formed 17-character VIN. Otherwise "".
func NormalizeVIN(raw string) string {
	s := strings.ToUpper(Fold(raw))
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t', '.':
			return -1
		}
		return r
	}, s)
	s = strings.TrimPrefix(s, "VIN:")
	s = strings.TrimPrefix(s, "VIN")
	if !vinRe.MatchString(s) {
		return ""
	}
	return s
}

// ValidVIN reports whether raw is already a canonical VIN.
func ValidVIN(raw string) bool {
	return vinRe.MatchString(raw)
}

// FindVIN returns the first VIN in free text, preferring one that follows a
// "VIN" label.
func FindVIN(text string) string {
	for _, m := range vinLabelRe.FindAllStringSubmatch(text, -1) {
		// Labeled values may run into the next word; try shrinking.
		candidate := strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(m[1]))
		if len(candidate) >= 17 {
			if v := NormalizeVIN(candidate[:17]); v != "" {
				return v
			}
		}
	}
	// Unlabeled candidates need a digit and a letter so long numbers and
	// long words do not qualify.
	for _, m := range vinSearchRe.FindAllString(strings.ToUpper(text), -1) {
		if strings.ContainsAny(m, "0123456789") && strings.ContainsAny(m, "ABCDEFGHJKLMNPRSTUVWXYZ") {
			return m
		}
	}
	return ""
}

var vinTranslit = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
}

var vinWeights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// VINCheckDigitValid reports whether the ninth character matches the North
// American check digit. Many non-NA VINs do not use it, so Record only caps
// the confidence of a VIN that fails.
func VINCheckDigitValid(vin string) bool {
	if !ValidVIN(vin) {
		return false
	}
	sum := 0
	for i := 0; i < 17; i++ {
		c := vin[i]
		var v int
		if c >= '0' && c <= '9' {
			v = int(c - '0')
		} else {
			v = vinTranslit[c]
		}
		sum += v * vinWeights[i]
	}
	want := byte('0' + sum%11)
	if sum%11 == 10 {
		want = 'X'
	}
	return vin[8] == want
}

// yearCodes lists the position-10 codes in cycle order starting at 1980.
const yearCodes = "ABCDEFGHJKLMNPRSTVWXY123456789"

// ModelYearFromVIN decodes the model year from position 10. A numeric
// position 7 places the code in the 1980-2009 cycle, a letter in 2010-2039.
// Returns 0 when the VIN is invalid or the code is not a year code.
func ModelYearFromVIN(vin string) int {
	if !ValidVIN(vin) {
		return 0
	}
	idx := strings.IndexByte(yearCodes, vin[9])
	if idx < 0 {
		return 0
	}
	year := 1980 + idx
	if c := vin[6]; c < '0' || c > '9' {
		year += 30
	}
	return year
}
