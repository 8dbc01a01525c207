package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-pipeline/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:    "test-agent",
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		MaxBodyBytes: 1024,
		HostRate:     1000,
		HostBurst:    100,
		Backoff:      resilience.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	})
}

const listingHTML = `<html><head><title>1993 Chevrolet K1500</title></head><body><p>VIN: 1GCEK14T1PZ123456</p></body></html>`

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(listingHTML)) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/listing/1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.MediaType())
	assert.Equal(t, srv.URL+"/listing/1", resp.URL)
	assert.Equal(t, listingHTML, string(resp.Body))
	assert.False(t, resp.Truncated)
}

func TestFetch_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(listingHTML)) //nolint:errcheck
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", resp.URL)
}

func TestFetch_TruncatesLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("a", 4096))) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 1024)
	assert.True(t, resp.Truncated)
}

func TestFetch_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(listingHTML)) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, listingHTML, string(resp.Body))
}

func TestFetch_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, resilience.KindTransport, resilience.KindOf(err))
	assert.True(t, resilience.IsTransient(err))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, resilience.KindTransport, resilience.KindOf(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestFetch_Blocked(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"forbidden", http.StatusForbidden, "nope"},
		{"challenge page", http.StatusOK, "<html><title>Just a moment...</title>Checking your browser</html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body)) //nolint:errcheck
			}))
			defer srv.Close()

			_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBlocked))
			assert.Equal(t, resilience.KindTransport, resilience.KindOf(err))
		})
	}
}

func TestFetch_InvalidURL(t *testing.T) {
	_, err := newTestFetcher().Fetch(context.Background(), "ftp://example.com/file")
	assert.Error(t, err)
	_, err = newTestFetcher().Fetch(context.Background(), "::not a url")
	assert.Error(t, err)
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher().Fetch(ctx, srv.URL)
	assert.Error(t, err)
}

func TestDownload(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept"), "image/")
		w.Header().Set("Content-Type", "image/png")
		w.Write(png) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Download(context.Background(), srv.URL+"/a.png", 64)
	require.NoError(t, err)
	assert.Equal(t, "image/png", resp.MediaType())
	assert.Equal(t, png, resp.Body)
}

func TestDownload_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100))) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestFetcher().Download(context.Background(), srv.URL, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestLimiterFor_PerHost(t *testing.T) {
	f := newTestFetcher()
	a1 := f.limiterFor(mustParse(t, "https://a.example.com/1"))
	a2 := f.limiterFor(mustParse(t, "https://a.example.com/2"))
	b := f.limiterFor(mustParse(t, "https://b.example.com/1"))
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(10, 10)
	a.OnRateLimit()
	assert.Equal(t, rate.Limit(5), a.Limit())
	a.OnRateLimit()
	a.OnRateLimit()
	assert.Equal(t, rate.Limit(2.5), a.Limit(), "floor at initial/4")

	for range 20 {
		a.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), a.Limit(), "ceiling at 2x initial")
}

func TestIsBlocked(t *testing.T) {
	assert.True(t, IsBlocked([]byte("<title>Attention Required! | Cloudflare</title>")))
	assert.False(t, IsBlocked([]byte(listingHTML)))
	long := strings.Repeat("<p>clean listing text</p>", 400) + "captcha"
	assert.False(t, IsBlocked([]byte(long)))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
