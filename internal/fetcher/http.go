package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-pipeline/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries is the number of attempts per request for transient
	// failures. Long waits belong to the queue, so keep this small.
	MaxRetries int
	// MaxBodyBytes caps page bodies read by Fetch.
	MaxBodyBytes int64
	// HostRate is the initial per-host request rate.
	HostRate  rate.Limit
	HostBurst int
	// Backoff paces retries within one request.
	Backoff resilience.Backoff
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with retry and per-host
// adaptive rate limiting. One fetcher is shared by every worker goroutine.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "listing-pipeline/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	if opts.HostRate <= 0 {
		opts.HostRate = 2
	}
	if opts.HostBurst <= 0 {
		opts.HostBurst = 2
	}
	if opts.Backoff.Initial == 0 {
		opts.Backoff = resilience.Backoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// limiterFor returns the adaptive limiter for the URL's host, creating it
// on first use.
func (f *HTTPFetcher) limiterFor(u *url.URL) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		lim = NewAdaptiveLimiter(f.opts.HostRate, f.opts.HostBurst)
		f.limiters[u.Host] = lim
	}
	return lim
}

// Fetch downloads a page, truncating the body at MaxBodyBytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	resp, err := f.get(ctx, rawURL, f.opts.MaxBodyBytes, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusForbidden {
		return nil, resilience.NewError(resilience.KindTransport, "fetch", eris.Wrapf(ErrBlocked, "%s", rawURL))
	}
	if err != nil {
		return nil, err
	}
	if IsBlocked(resp.Body) {
		return nil, resilience.NewError(resilience.KindTransport, "fetch", eris.Wrapf(ErrBlocked, "%s", rawURL))
	}
	return resp, nil
}

// Download fetches a binary resource up to maxBytes.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string, maxBytes int64) (*Response, error) {
	if maxBytes <= 0 {
		maxBytes = f.opts.MaxBodyBytes
	}
	resp, err := f.get(ctx, rawURL, maxBytes, "image/*,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		return nil, eris.Wrapf(ErrTooLarge, "%s", rawURL)
	}
	return resp, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string, maxBytes int64, accept string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Errorf("fetcher: invalid url %q", rawURL)
	}
	lim := f.limiterFor(u)

	var out *Response
	err = resilience.Retry(ctx, f.opts.Backoff, f.opts.MaxRetries, "fetch", func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limiter wait")
		}
		resp, err := f.do(ctx, u.String(), maxBytes, accept)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
				lim.OnRateLimit()
				zap.L().Warn("fetcher: rate limited (429), backing off",
					zap.String("host", u.Host),
					zap.Float64("new_rate", float64(lim.Limit())),
				)
			}
			return err
		}
		lim.OnSuccess()
		out = resp
		return nil
	})
	if err != nil {
		return nil, resilience.NewError(resilience.KindTransport, "fetch", eris.Wrapf(err, "get %s", rawURL))
	}
	return out, nil
}

func (f *HTTPFetcher) do(ctx context.Context, rawURL string, maxBytes int64, accept string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "http request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		se := &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(se, resp.StatusCode)
		}
		return nil, se
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read body"), 0)
	}
	truncated := int64(len(body)) > maxBytes
	if truncated {
		body = body[:maxBytes]
	}
	return &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Truncated:   truncated,
	}, nil
}
