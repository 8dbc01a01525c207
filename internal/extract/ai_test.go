package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/pkg/anthropic"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: s}},
		Usage:   anthropic.TokenUsage{InputTokens: 900, OutputTokens: 120},
	}
}

func TestAIStrategy_Extract(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		if len(req.Messages) != 1 || len(req.System) != 1 {
			return false
		}
		body := req.Messages[0].Content
		return strings.Contains(body, "1972 Datsun 240Z") &&
			strings.Contains(body, "/photos/z-1.jpg") &&
			!strings.Contains(body, "trackPageview")
	})).Return(textResponse("Here is the listing:\n```json\n"+`{
  "title": "1972 Datsun 240Z",
  "year": 1972,
  "make": "Datsun",
  "model": "240Z",
  "vin": null,
  "price": "21000",
  "images": ["/photos/z-1.jpg", "https://cdn.example.com/site-logo.png"],
  "seller": {"name": "Bay Area Imports", "website": "https://bayareaimports.example.com", "state": "California"}
}`+"\n```"), nil)

	page := `<html><head><script>trackPageview()</script></head><body>
<h2>1972 Datsun 240Z</h2><p>Price on request.</p><img src="/photos/z-1.jpg"></body></html>`
	s := NewAIStrategy(client, AIOptions{})
	require.True(t, s.Supports("https://bayareaimports.example.com/z"))

	rec, err := s.Extract(context.Background(), staticLoader{url: "https://bayareaimports.example.com/z", body: page})
	require.NoError(t, err)
	client.AssertExpectations(t)

	assert.Equal(t, "ai", rec.Strategy)
	assert.Equal(t, "https://bayareaimports.example.com/z", rec.URL)
	assert.Equal(t, "1972", rec.Get(model.FieldYear))
	assert.Equal(t, "Datsun", rec.Get(model.FieldMake))
	assert.Equal(t, "21000", rec.Get(model.FieldPrice))
	assert.NotContains(t, rec.Fields, model.FieldVIN)
	assert.Equal(t, model.SourceAIInference, rec.Fields[model.FieldMake].Kind)
	assert.InDelta(t, aiConfidence, rec.Fields[model.FieldMake].Confidence, 1e-9)
	assert.Equal(t, []string{"https://bayareaimports.example.com/photos/z-1.jpg"}, rec.Images)
	assert.Equal(t, "Bay Area Imports", rec.Seller.Name)
}

func TestAIStrategy_APIErrorIsTransport(t *testing.T) {
	client := new(mockAnthropic)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))

	_, err := NewAIStrategy(client, AIOptions{}).Extract(context.Background(), staticLoader{url: "https://x.example.com/1", body: "<p>1985 Toyota pickup</p>"})
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransport, resilience.KindOf(err))
}

func TestAIStrategy_EmptyPageSkipsCall(t *testing.T) {
	client := new(mockAnthropic)
	rec, err := NewAIStrategy(client, AIOptions{}).Extract(context.Background(), staticLoader{url: "https://x.example.com/1", body: "<html><body></body></html>"})
	require.NoError(t, err)
	assert.Empty(t, rec.Fields)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestAIStrategy_NoClient(t *testing.T) {
	assert.False(t, NewAIStrategy(nil, AIOptions{}).Supports("https://x.example.com"))
}

func TestParseAIRecord_NoJSON(t *testing.T) {
	_, err := parseAIRecord("I could not find a vehicle on this page.", nil)
	assert.Error(t, err)

	_, err = parseAIRecord("{not json}", nil)
	assert.Error(t, err)
}

func TestAIStrategy_TruncatesText(t *testing.T) {
	s := NewAIStrategy(new(mockAnthropic), AIOptions{MaxChars: 10})
	text := s.pageText(&Page{Body: []byte("<p>" + strings.Repeat("é", 20) + "</p>")})
	assert.LessOrEqual(t, len(text), 10)
	assert.True(t, strings.HasPrefix(text, "é"))
}
