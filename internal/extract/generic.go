package extract

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
)

// GenericStrategy reads any page with field-recognizer rules over labeled
// text and the page title. Dealer sites served this way are their own
// seller.
type GenericStrategy struct {
	timeout   time.Duration
	maxImages int
}

// NewGenericStrategy creates the fallback HTML strategy.
func NewGenericStrategy(timeout time.Duration) *GenericStrategy {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GenericStrategy{timeout: timeout, maxImages: 60}
}

func (s *GenericStrategy) Name() string           { return "generic" }
func (s *GenericStrategy) Timeout() time.Duration { return s.timeout }
func (s *GenericStrategy) Supports(string) bool   { return true }

var (
	milesTextRe = regexp.MustCompile(`(?i)\b\d{1,3}(?:,\d{3})+\s*(?:actual\s+)?miles\b|\b\d{1,3}k\s*miles\b`)
	askingRe    = regexp.MustCompile(`(?i)\b(?:asking|price|offered at)\s*:?\s*(\$\s?\d[\d,]*(?:\.\d{2})?)`)
	soldRe      = regexp.MustCompile(`(?i)\b(sold|sale pending|no longer available)\b`)
)

func (s *GenericStrategy) Extract(ctx context.Context, l Loader) (*model.NormalizedRecord, error) {
	page, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(page.URL)
	rec := model.NewRecord(l.URL(), s.Name())

	// Structured data first; collectPairs prunes scripts.
	readJSONLD(doc, base, rec, 0.9)
	readOpenGraph(doc, base, rec, 0.8)

	title := squash(doc.Find("title").First().Text())
	if h1 := squash(doc.Find("h1").First().Text()); h1 != "" && normalize.ParseTitle(h1).Make != "" {
		title = h1
	}
	rec.Set(model.FieldTitle, title, model.SourceFreeText, 0.75)

	rec.Images = append(rec.Images, galleryImages(doc.Find(
		`[class*="gallery"] img, [class*="carousel"] img, [class*="slider"] img, [class*="photo"] img, figure img`), base)...)
	if len(rec.Images) > s.maxImages {
		rec.Images = rec.Images[:s.maxImages]
	}

	siteName, _ := doc.Find(`meta[property="og:site_name"]`).Attr("content")

	pairs := collectPairs(doc)
	applyPairs(pairs, nil, rec, model.SourceFreeText, 0.75)

	text := strings.Join(textLines(doc), "\n")
	if vin := normalize.FindVIN(text); vin != "" {
		rec.Fill(model.FieldVIN, vin, model.SourceFreeText, 0.7)
	}
	if m := milesTextRe.FindString(text); m != "" {
		rec.Fill(model.FieldMileage, m, model.SourceFreeText, 0.6)
	}
	if m := askingRe.FindStringSubmatch(text); m != nil {
		rec.Fill(model.FieldPrice, m[1], model.SourceFreeText, 0.6)
	}
	if rec.Get(model.FieldListingStatus) == "" && soldRe.MatchString(title) {
		rec.Set(model.FieldListingStatus, "sold", model.SourceFreeText, 0.7)
	}

	if rec.Seller.Empty() && base != nil {
		rec.Seller.Website = base.Scheme + "://" + base.Host
		rec.Seller.Name = strings.TrimSpace(siteName)
	}
	return rec, nil
}
