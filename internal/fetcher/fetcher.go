// Package fetcher downloads listing pages and images over HTTP with
// per-host rate limiting, a body size cap and block detection.
package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote content.
type Fetcher interface {
	// Fetch downloads a page. Bodies larger than the configured cap are
	// truncated. Block pages and non-2xx statuses are errors.
	Fetch(ctx context.Context, url string) (*Response, error)

	// Download fetches a binary resource, failing with ErrTooLarge when the
	// body exceeds maxBytes.
	Download(ctx context.Context, url string, maxBytes int64) (*Response, error)
}

// Response is a fully read HTTP response.
type Response struct {
	// URL is the final URL after redirects.
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Truncated   bool
}

// MediaType returns the content type without parameters, lowercased.
func (r *Response) MediaType() string {
	ct := r.ContentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

var (
	// ErrBlocked is returned when the response looks like a bot challenge.
	ErrBlocked = eris.New("fetcher: blocked by challenge page")
	// ErrTooLarge is returned by Download when the body exceeds the cap.
	ErrTooLarge = eris.New("fetcher: body exceeds size limit")
)

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}
