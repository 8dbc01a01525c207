package extract

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// Platform describes a recognized listing site.
type Platform struct {
	Name string
	// Hosts are matched as the host or a parent domain of the listing URL.
	Hosts []string
	// Labels extend the default label table with site-specific wording.
	Labels map[string]string
	// Selectors read a field straight from a CSS selector's text.
	Selectors map[string]string
	// Gallery selects listing photos.
	Gallery string
}

// DefaultPlatforms returns the recognized listing sites.
func DefaultPlatforms() []Platform {
	return []Platform{
		{
			Name:  "bringatrailer",
			Hosts: []string{"bringatrailer.com"},
			Labels: map[string]string{
				"chassis":  model.FieldVIN,
				"location": model.FieldLocation,
			},
			Selectors: map[string]string{
				model.FieldTitle:         "h1.post-title",
				model.FieldListingStatus: ".listing-available-info, .listing-stats-value",
			},
			Gallery: ".gallery img, .carousel img",
		},
		{
			Name:  "carsandbids",
			Hosts: []string{"carsandbids.com"},
			Selectors: map[string]string{
				model.FieldTitle: ".auction-title h1",
			},
			Gallery: ".gallery img",
		},
		{
			Name:  "hemmings",
			Hosts: []string{"hemmings.com"},
			Labels: map[string]string{
				"vin/serial": model.FieldVIN,
			},
			Gallery: ".gallery img, .listing-images img",
		},
		{
			Name:  "classiccars",
			Hosts: []string{"classiccars.com"},
			Labels: map[string]string{
				"odometer":       model.FieldMileage,
				"exterior color": model.FieldColor,
			},
			Gallery: ".swiper img, .gallery img",
		},
		{
			Name:  "barrett-jackson",
			Hosts: []string{"barrett-jackson.com"},
			Labels: map[string]string{
				"hammer":     model.FieldPrice,
				"sold price": model.FieldPrice,
			},
			Gallery: ".vehicle-gallery img",
		},
		{
			Name:  "mecum",
			Hosts: []string{"mecum.com"},
			Labels: map[string]string{
				"vin / serial": model.FieldVIN,
				"high bid":     model.FieldPrice,
			},
			Gallery: ".lot-gallery img",
		},
	}
}

// platformFor returns the platform serving rawURL.
func platformFor(platforms []Platform, rawURL string) *Platform {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for i := range platforms {
		for _, h := range platforms[i].Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return &platforms[i]
			}
		}
	}
	return nil
}

// PlatformStrategy reads recognized listing sites: JSON-LD, OpenGraph and
// the site's label table.
type PlatformStrategy struct {
	platforms []Platform
	timeout   time.Duration
}

// NewPlatformStrategy creates the strategy over platforms.
func NewPlatformStrategy(platforms []Platform, timeout time.Duration) *PlatformStrategy {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PlatformStrategy{platforms: platforms, timeout: timeout}
}

func (s *PlatformStrategy) Name() string           { return "platform" }
func (s *PlatformStrategy) Timeout() time.Duration { return s.timeout }

func (s *PlatformStrategy) Supports(rawURL string) bool {
	return platformFor(s.platforms, rawURL) != nil
}

func (s *PlatformStrategy) Extract(ctx context.Context, l Loader) (*model.NormalizedRecord, error) {
	p := platformFor(s.platforms, l.URL())
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
	readJSONLD(doc, base, rec, 0.9)
	readOpenGraph(doc, base, rec, 0.8)
	for field, sel := range p.Selectors {
		if v := squash(doc.Find(sel).First().Text()); v != "" {
			rec.Set(field, v, model.SourceStructuredListing, 0.85)
		}
	}
	if p.Gallery != "" {
		rec.Images = append(rec.Images, galleryImages(doc.Find(p.Gallery), base)...)
	}
	applyPairs(collectPairs(doc), p.Labels, rec, model.SourceStructuredListing, 0.85)
	return rec, nil
}

// galleryImages returns the absolute photo URLs of sel, preferring lazy
// load attributes over placeholder src values.
func galleryImages(sel *goquery.Selection, base *url.URL) []string {
	var out []string
	sel.Each(func(_ int, img *goquery.Selection) {
		for _, attr := range []string{"data-full", "data-src", "data-lazy-src", "src"} {
			v, ok := img.Attr(attr)
			if !ok {
				continue
			}
			abs := resolveURL(base, v)
			if abs == "" || !photoURL(abs) {
				continue
			}
			out = appendUnique(out, abs)
			return
		}
	})
	return out
}

// photoURL rejects icons, logos and formats that are never listing photos.
func photoURL(u string) bool {
	lower := strings.ToLower(u)
	for _, bad := range []string{"logo", "icon", "sprite", "placeholder", "avatar", ".svg", ".gif"} {
		if strings.Contains(lower, bad) {
			return false
		}
	}
	return true
}
