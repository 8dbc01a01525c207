package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// defaultLabels maps a lowercased field label onto a record field.
var defaultLabels = map[string]string{
	"vin":              model.FieldVIN,
	"vin number":       model.FieldVIN,
	"vehicle id":       model.FieldVIN,
	"serial number":    model.FieldVIN,
	"year":             model.FieldYear,
	"model year":       model.FieldYear,
	"make":             model.FieldMake,
	"manufacturer":     model.FieldMake,
	"model":            model.FieldModel,
	"trim":             model.FieldTrim,
	"mileage":          model.FieldMileage,
	"miles":            model.FieldMileage,
	"odometer":         model.FieldMileage,
	"odometer reading": model.FieldMileage,
	"price":            model.FieldPrice,
	"asking":           model.FieldPrice,
	"asking price":     model.FieldPrice,
	"sale price":       model.FieldPrice,
	"our price":        model.FieldPrice,
	"internet price":   model.FieldPrice,
	"sold for":         model.FieldPrice,
	"transmission":     model.FieldTransmission,
	"trans":            model.FieldTransmission,
	"drivetrain":       model.FieldDrivetrain,
	"drive type":       model.FieldDrivetrain,
	"drive":            model.FieldDrivetrain,
	"exterior color":   model.FieldColor,
	"exterior":         model.FieldColor,
	"color":            model.FieldColor,
	"colour":           model.FieldColor,
	"location":         model.FieldLocation,
	"located in":       model.FieldLocation,
	"status":           model.FieldListingStatus,
	"listing status":   model.FieldListingStatus,
}

// labelField resolves a raw label through table, falling back to the
// default table.
func labelField(table map[string]string, raw string) string {
	label := cleanLabel(raw)
	if label == "" {
		return ""
	}
	if f, ok := table[label]; ok {
		return f
	}
	return defaultLabels[label]
}

func cleanLabel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ":#. ")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 30 {
		return ""
	}
	return s
}

// pair is one label/value couple read off a page.
type pair struct {
	Label string
	Value string
}

// blockTags are the elements that break text into separate lines.
const blockTags = "div, p, li, ul, ol, dl, dt, dd, table, tr, td, th, section, article, header, footer, h1, h2, h3, h4, h5, h6"

// collectPairs reads definition lists, two-cell table rows and
// "Label: value" lines out of doc.
func collectPairs(doc *goquery.Document) []pair {
	var out []pair

	doc.Find("dt").Each(func(_ int, s *goquery.Selection) {
		if dd := s.NextFiltered("dd"); dd.Length() > 0 {
			out = append(out, pair{Label: s.Text(), Value: squash(dd.Text())})
		}
	})

	doc.Find("tr").Each(func(_ int, s *goquery.Selection) {
		cells := s.Children().Filter("th, td")
		if cells.Length() == 2 {
			out = append(out, pair{Label: cells.Eq(0).Text(), Value: squash(cells.Eq(1).Text())})
		}
	})

	for _, line := range textLines(doc) {
		if l, v, ok := splitLabeled(line); ok {
			out = append(out, pair{Label: l, Value: v})
		}
	}
	return out
}

// textLines returns the text of every block element that has no block
// children, split at <br>.
func textLines(doc *goquery.Document) []string {
	doc.Find("script, style, noscript, template, svg").Remove()
	doc.Find("br").ReplaceWithHtml("\n")

	var lines []string
	doc.Find("body").Find(blockTags).Each(func(_ int, s *goquery.Selection) {
		if s.Find(blockTags).Length() > 0 {
			return
		}
		for _, l := range strings.Split(s.Text(), "\n") {
			if l = squash(l); l != "" {
				lines = append(lines, l)
			}
		}
	})
	return lines
}

var labeledLineRe = regexp.MustCompile(`^([A-Za-z][A-Za-z ./#]{0,29}?)\s*:\s*(\S.{0,199})$`)

func splitLabeled(line string) (label, value string, ok bool) {
	m := labeledLineRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// applyPairs sets every pair whose label maps to a field.
func applyPairs(pairs []pair, table map[string]string, rec *model.NormalizedRecord, kind model.SourceKind, conf float64) int {
	n := 0
	for _, p := range pairs {
		field := labelField(table, p.Label)
		if field == "" || p.Value == "" {
			continue
		}
		rec.Set(field, p.Value, kind, conf)
		n++
	}
	return n
}
