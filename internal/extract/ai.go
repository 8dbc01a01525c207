package extract

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/pkg/anthropic"
)

const aiSystemPrompt = `You extract vehicle listing data from web page text.
Reply with one JSON object and nothing else. Use null for anything the page does not state.
Keys: title, year, make, model, trim, vin, price, mileage, transmission, drivetrain, color,
location, description, listing_status, images (array of absolute URLs), seller (object with
name, website, city, state).
Rules: price is the asking or sold price in the listed currency as digits; mileage is the
odometer reading as written; listing_status is one of "for sale", "sold", "pending" or null;
never guess a VIN; description is at most three sentences.`

// aiConfidence caps what a model-inferred value can claim.
const aiConfidence = 0.7

// AIOptions configures the AI strategy.
type AIOptions struct {
	Model     string
	MaxTokens int64
	// MaxChars bounds the page text sent to the model.
	MaxChars int
	Timeout  time.Duration
}

// AIStrategy sends sanitized page text to the Messages API and reads back
// the same record shape as the HTML strategies.
type AIStrategy struct {
	client anthropic.Client
	opts   AIOptions
	policy *bluemonday.Policy
}

// NewAIStrategy creates the last-resort strategy.
func NewAIStrategy(client anthropic.Client, opts AIOptions) *AIStrategy {
	if opts.Model == "" {
		opts.Model = "claude-haiku-4-5-20251001"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 24000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	// Keep links and images so the model can report photos and the
	// seller's site.
	policy := bluemonday.NewPolicy()
	policy.AllowAttrs("href").OnElements("a")
	policy.AllowAttrs("src").OnElements("img")
	return &AIStrategy{client: client, opts: opts, policy: policy}
}

func (s *AIStrategy) Name() string           { return "ai" }
func (s *AIStrategy) Timeout() time.Duration { return s.opts.Timeout }
func (s *AIStrategy) Supports(string) bool   { return s.client != nil }

func (s *AIStrategy) Extract(ctx context.Context, l Loader) (*model.NormalizedRecord, error) {
	page, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	text := s.pageText(page)
	if text == "" {
		return model.NewRecord(l.URL(), s.Name()), nil
	}

	temp := 0.0
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(aiSystemPrompt, ""),
		Messages:    []anthropic.Message{{Role: "user", Content: "URL: " + page.URL + "\n\n" + text}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, resilience.NewError(resilience.KindTransport, "extract ai", err)
	}
	resp.Usage.LogCost(s.opts.Model, "extract")

	base, _ := url.Parse(page.URL)
	rec, err := parseAIRecord(resp.Text(), base)
	if err != nil {
		return nil, err
	}
	rec.URL = l.URL()
	rec.Strategy = s.Name()
	return rec, nil
}

// pageText strips the page to text, keeping link and image URLs inline.
func (s *AIStrategy) pageText(page *Page) string {
	text := normalize.CollapseSpace(s.policy.Sanitize(string(page.Body)))
	if len(text) > s.opts.MaxChars {
		text = strings.ToValidUTF8(text[:s.opts.MaxChars], "")
	}
	return text
}

// aiFields maps response keys onto record fields.
var aiFields = map[string]string{
	"title":          model.FieldTitle,
	"year":           model.FieldYear,
	"make":           model.FieldMake,
	"model":          model.FieldModel,
	"trim":           model.FieldTrim,
	"vin":            model.FieldVIN,
	"price":          model.FieldPrice,
	"mileage":        model.FieldMileage,
	"transmission":   model.FieldTransmission,
	"drivetrain":     model.FieldDrivetrain,
	"color":          model.FieldColor,
	"location":       model.FieldLocation,
	"description":    model.FieldDescription,
	"listing_status": model.FieldListingStatus,
}

// parseAIRecord reads the JSON object in text, tolerating code fences and
// prose around it.
func parseAIRecord(text string, base *url.URL) (*model.NormalizedRecord, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, eris.New("extract: ai response has no json object")
	}
	raw := []byte(text[start : end+1])

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, eris.Wrap(err, "extract: parse ai response")
	}

	rec := model.NewRecord("", "ai")
	for key, field := range aiFields {
		rec.Set(field, ldString(fields[key]), model.SourceAIInference, aiConfidence)
	}
	for _, img := range ldStrings(fields["images"]) {
		if abs := resolveURL(base, img); abs != "" && photoURL(abs) {
			rec.Images = appendUnique(rec.Images, abs)
		}
	}
	for _, sl := range ldObjects(fields["seller"]) {
		rec.Seller = model.Seller{
			Name:    ldString(sl["name"]),
			Website: ldString(sl["website"]),
			City:    ldString(sl["city"]),
			State:   ldString(sl["state"]),
		}
	}
	return rec, nil
}
