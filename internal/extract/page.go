package extract

import (
	"bytes"
	"context"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/fetcher"
)

// Page is a fetched listing page.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// Document parses the page. Each call returns a fresh tree so strategies
// may prune it freely.
func (p *Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}
	return doc, nil
}

// Loader hands strategies the page for one extraction. The page is fetched
// at most once.
type Loader interface {
	URL() string
	Load(ctx context.Context) (*Page, error)
}

type pageLoader struct {
	fetcher fetcher.Fetcher
	url     string

	mu   sync.Mutex
	page *Page
	err  error
}

func newPageLoader(f fetcher.Fetcher, url string) *pageLoader {
	return &pageLoader{fetcher: f, url: url}
}

func (l *pageLoader) URL() string { return l.url }

// Load fetches the page on first call and memoizes the outcome. Failures
// caused by the caller's deadline are not memoized, so a later strategy
// with a fresh timeout can try again.
func (l *pageLoader) Load(ctx context.Context) (*Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.page != nil || l.err != nil {
		return l.page, l.err
	}

	resp, err := l.fetcher.Fetch(ctx, l.url)
	if err != nil {
		if ctx.Err() == nil {
			l.err = err
		}
		return nil, err
	}
	l.page = &Page{URL: resp.URL, ContentType: resp.ContentType, Body: resp.Body}
	return l.page, nil
}

// state reports whether the page is loaded and the memoized load error.
func (l *pageLoader) state() (loaded bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.page != nil, l.err
}
