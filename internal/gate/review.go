package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Reviewer receives entities that pass every blocking check but score
// below the publish threshold.
type Reviewer interface {
	Review(ctx context.Context, ev *Evaluation) error
}

// WebhookReviewer posts evaluations to a manual-review webhook.
type WebhookReviewer struct {
	URL    string
	Client *http.Client
}

// NewWebhookReviewer creates a reviewer posting to url.
func NewWebhookReviewer(url string) *WebhookReviewer {
	return &WebhookReviewer{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Review posts ev as JSON.
func (w *WebhookReviewer) Review(ctx context.Context, ev *Evaluation) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "gate: marshal review payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "gate: create review request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return eris.Wrap(err, "gate: review webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return eris.Errorf("gate: review webhook returned %d", resp.StatusCode)
	}
	return nil
}
