package normalize

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	spaceRe      = regexp.MustCompile(`\s+`)
)

// StripHTML removes every tag, decodes entities and collapses whitespace.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = strictPolicy.Sanitize(s)
		// Sanitize re-escapes entities; decode twice to undo source
		// double-encoding like "&amp;quot;".
		s = html.UnescapeString(html.UnescapeString(s))
	}
	return CollapseSpace(s)
}

// CollapseSpace trims and collapses runs of whitespace to one space.
func CollapseSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Fold applies NFKC normalization so full-width digits and ligatures
// compare equal to their plain forms.
func Fold(s string) string {
	return norm.NFKC.String(s)
}

// StripEmoji drops pictographs, dingbats, variation selectors and joiners.
func StripEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F000 && r <= 0x1FAFF,
			r >= 0x2600 && r <= 0x27BF,
			r >= 0x2B00 && r <= 0x2BFF,
			r >= 0xFE00 && r <= 0xFE0F,
			r == 0x200D, r == 0x20E3:
			return -1
		case unicode.Is(unicode.So, r):
			return -1
		}
		return r
	}, s)
}

// CleanText applies HTML stripping, NFKC folding and emoji removal.
func CleanText(s string) string {
	return CollapseSpace(StripEmoji(Fold(StripHTML(s))))
}
