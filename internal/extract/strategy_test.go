package extract

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
)

// staticLoader serves a canned page.
type staticLoader struct {
	url  string
	body string
}

func (l staticLoader) URL() string { return l.url }

func (l staticLoader) Load(context.Context) (*Page, error) {
	return &Page{URL: l.url, ContentType: "text/html", Body: []byte(l.body)}, nil
}

const jsonLDPage = `<html><head>
<title>1969 Ford Bronco for sale on BaT Auctions</title>
<meta property="og:title" content="1969 Ford Bronco Sport">
<meta property="og:image" content="/wp-content/uploads/bronco-1.jpg">
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
 {"@type":"WebPage","name":"ignored"},
 {"@type":["Product","Car"],
  "name":"1969 Ford Bronco Sport",
  "vehicleIdentificationNumber":"U15GLE12345",
  "vehicleModelDate":"1969",
  "brand":{"@type":"Brand","name":"Ford"},
  "model":"Bronco Sport",
  "color":"Boxwood Green",
  "mileageFromOdometer":{"@type":"QuantitativeValue","value":"62,000","unitCode":"SMI"},
  "image":["https://cdn.example.com/bronco-2.jpg","https://cdn.example.com/logo.png"],
  "offers":{"@type":"Offer","price":"48500","availability":"https://schema.org/SoldOut",
   "seller":{"@type":"AutoDealer","name":"Lone Star Classics","url":"https://www.lonestarclassics.com/",
    "address":{"addressLocality":"Austin","addressRegion":"Texas"}}}}
]}
</script></head>
<body>
<h1 class="post-title">1969 Ford Bronco Sport</h1>
<div class="gallery">
 <img src="/placeholder.gif" data-src="/photos/bronco-3.jpg">
 <img src="/photos/bronco-4.jpg">
 <img src="/static/icon-share.png">
</div>
<dl><dt>Location</dt><dd>Austin, Texas</dd></dl>
</body></html>`

func TestPlatformStrategy_JSONLD(t *testing.T) {
	platforms := []Platform{{
		Name:      "test",
		Hosts:     []string{"listings.example.com"},
		Selectors: map[string]string{model.FieldTitle: "h1.post-title"},
		Gallery:   ".gallery img",
	}}
	s := NewPlatformStrategy(platforms, 0)
	require.True(t, s.Supports("https://www.listings.example.com/listing/1969-ford-bronco"))
	assert.False(t, s.Supports("https://dealer.example.org/inventory/1"))

	rec, err := s.Extract(context.Background(), staticLoader{url: "https://listings.example.com/listing/1969-ford-bronco", body: jsonLDPage})
	require.NoError(t, err)

	assert.Equal(t, "U15GLE12345", rec.Get(model.FieldVIN))
	assert.Equal(t, "Ford", rec.Get(model.FieldMake))
	assert.Equal(t, "Bronco Sport", rec.Get(model.FieldModel))
	assert.Equal(t, "1969", rec.Get(model.FieldYear))
	assert.Equal(t, "48500", rec.Get(model.FieldPrice))
	assert.Equal(t, "sold", rec.Get(model.FieldListingStatus))
	assert.Equal(t, "62,000", rec.Get(model.FieldMileage))
	assert.Equal(t, "Austin, Texas", rec.Get(model.FieldLocation))
	assert.Equal(t, model.SourceStructuredListing, rec.Fields[model.FieldVIN].Kind)
	assert.InDelta(t, 0.9, rec.Fields[model.FieldVIN].Confidence, 1e-9)

	assert.Equal(t, "Lone Star Classics", rec.Seller.Name)
	assert.Equal(t, "Austin", rec.Seller.City)

	assert.Contains(t, rec.Images, "https://cdn.example.com/bronco-2.jpg")
	assert.Contains(t, rec.Images, "https://listings.example.com/photos/bronco-3.jpg")
	assert.Contains(t, rec.Images, "https://listings.example.com/photos/bronco-4.jpg")
	for _, img := range rec.Images {
		assert.NotContains(t, img, "icon")
		assert.NotContains(t, img, "placeholder")
	}

	normalize.Record(rec)
	assert.True(t, rec.HasIdentity())
	assert.Equal(t, "62000", rec.Get(model.FieldMileage))
	assert.Equal(t, "TX", rec.Seller.State)
	assert.Equal(t, "lonestarclassics.com", rec.Seller.Website)
}

func TestPlatformFor(t *testing.T) {
	platforms := DefaultPlatforms()
	tests := []struct {
		url  string
		want string
	}{
		{"https://bringatrailer.com/listing/1987-chevrolet-c10", "bringatrailer"},
		{"https://www.hemmings.com/classifieds/cars-for-sale/ford/bronco/1", "hemmings"},
		{"https://auctions.mecum.com/lots/123", "mecum"},
		{"https://notbringatrailer.com/listing/1", ""},
		{"https://dealer.example.com/inventory/1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			p := platformFor(platforms, tt.url)
			if tt.want == "" {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.Name)
		})
	}
}

func TestPlatformStrategy_SiteLabels(t *testing.T) {
	page := `<html><body>
<h1>1970 Plymouth Barracuda</h1>
<table>
 <tr><th>VIN / Serial</th><td>BS23R0B123456</td></tr>
 <tr><th>High Bid</th><td>$72,000</td></tr>
</table>
</body></html>`
	s := NewPlatformStrategy(DefaultPlatforms(), 0)
	rec, err := s.Extract(context.Background(), staticLoader{url: "https://www.mecum.com/lots/1970-plymouth-barracuda", body: page})
	require.NoError(t, err)
	assert.Equal(t, "BS23R0B123456", rec.Get(model.FieldVIN))
	assert.Equal(t, "$72,000", rec.Get(model.FieldPrice))
	assert.InDelta(t, 0.85, rec.Fields[model.FieldPrice].Confidence, 1e-9)
}

const dealerPage = `<html><head>
<title>1993 Chevy K1500 Silverado - Classic Motors</title>
<meta property="og:site_name" content="Classic Motors">
</head><body>
<h1>Inventory</h1>
<div class="photo-gallery"><img src="/img/k1500-front.jpg"><img src="/img/k1500-rear.jpg"></div>
<div class="specs">
 <p>Exterior: Victory Red<br>Transmission: 4-speed automatic<br>VIN: 1GCEK14T1PZ123456</p>
</div>
<p>Runs and drives great with 145,000 miles. Asking $12,500 or best offer.</p>
<footer>Call us today</footer>
</body></html>`

func TestGenericStrategy_DealerPage(t *testing.T) {
	s := NewGenericStrategy(0)
	assert.True(t, s.Supports("https://anything.example.com"))

	rec, err := s.Extract(context.Background(), staticLoader{url: "https://classicmotors.com/inventory/1993-k1500", body: dealerPage})
	require.NoError(t, err)

	assert.Equal(t, "1GCEK14T1PZ123456", rec.Get(model.FieldVIN))
	assert.Equal(t, model.SourceFreeText, rec.Fields[model.FieldVIN].Kind)
	assert.Equal(t, "Victory Red", rec.Get(model.FieldColor))
	assert.Equal(t, "4-speed automatic", rec.Get(model.FieldTransmission))
	assert.Equal(t, "1993 Chevy K1500 Silverado - Classic Motors", rec.Get(model.FieldTitle))
	assert.Equal(t, "145,000 miles", rec.Get(model.FieldMileage))
	assert.Equal(t, "$12,500", rec.Get(model.FieldPrice))
	assert.Len(t, rec.Images, 2)
	assert.Equal(t, "Classic Motors", rec.Seller.Name)
	assert.Equal(t, "https://classicmotors.com", rec.Seller.Website)

	normalize.Record(rec)
	assert.Equal(t, "Chevrolet", rec.Get(model.FieldMake))
	assert.Equal(t, "K1500 Silverado", rec.Get(model.FieldModel))
	assert.Equal(t, "1993", rec.Get(model.FieldYear))
	assert.Equal(t, model.SourceIdentifierDecode, rec.Fields[model.FieldYear].Kind)
	assert.Equal(t, "12500", rec.Get(model.FieldPrice))
	assert.Equal(t, "145000", rec.Get(model.FieldMileage))
	assert.Equal(t, "classicmotors.com", rec.Seller.Website)
}

func TestGenericStrategy_SoldTitle(t *testing.T) {
	page := `<html><head><title>SOLD - 1966 Ford Mustang Coupe</title></head><body><p>Thanks for looking.</p></body></html>`
	rec, err := NewGenericStrategy(0).Extract(context.Background(), staticLoader{url: "https://dealer.example.com/1966-mustang", body: page})
	require.NoError(t, err)
	assert.Equal(t, "sold", rec.Get(model.FieldListingStatus))
}

func TestGenericStrategy_NoListing(t *testing.T) {
	page := `<html><head><title>About Us</title></head><body><p>Family owned since 1975.</p></body></html>`
	rec, err := NewGenericStrategy(0).Extract(context.Background(), staticLoader{url: "https://dealer.example.com/about", body: page})
	require.NoError(t, err)
	normalize.Record(rec)
	assert.False(t, rec.HasIdentity())
}

func TestCollectPairs(t *testing.T) {
	doc, err := (&Page{Body: []byte(`<html><body>
<dl><dt>Make:</dt><dd>Porsche</dd></dl>
<table><tr><td>Model</td><td>911 Carrera</td></tr><tr><td>a</td><td>b</td><td>c</td></tr></table>
<p>Odometer: 88,000<br>Not a label line</p>
</body></html>`)}).Document()
	require.NoError(t, err)

	rec := model.NewRecord("u", "t")
	n := applyPairs(collectPairs(doc), nil, rec, model.SourceFreeText, 0.75)
	assert.Equal(t, 3, n)
	assert.Equal(t, "Porsche", rec.Get(model.FieldMake))
	assert.Equal(t, "911 Carrera", rec.Get(model.FieldModel))
	assert.Equal(t, "88,000", rec.Get(model.FieldMileage))
}

func TestResolveURL(t *testing.T) {
	base := mustURL(t, "https://dealer.example.com/inventory/1")
	assert.Equal(t, "https://dealer.example.com/img/a.jpg", resolveURL(base, "/img/a.jpg"))
	assert.Equal(t, "https://cdn.example.com/a.jpg", resolveURL(base, "//cdn.example.com/a.jpg"))
	assert.Empty(t, resolveURL(base, "data:image/png;base64,AAAA"))
	assert.Empty(t, resolveURL(base, ""))
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
