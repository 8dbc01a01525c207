// Package media registers, downloads and stores listing images for an
// entity, bounded per invocation.
package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-pipeline/internal/fetcher"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/internal/timeline"
)

// MaxImmediate is the ceiling on images uploaded in one invocation.
const MaxImmediate = 24

// Store is the persistence the pipeline needs.
type Store interface {
	RegisterMedia(ctx context.Context, entityID string, urls []string) (int, error)
	ClaimPendingMedia(ctx context.Context, entityID string, limit int, staleAfter time.Duration) ([]model.MediaAsset, error)
	MarkMediaStored(ctx context.Context, id, storedURL string) error
	MarkMediaFailed(ctx context.Context, id, errMsg string, maxAttempts int) error
	EnsurePrimaryMedia(ctx context.Context, entityID string) error
	SetPrimaryMedia(ctx context.Context, entityID, mediaID string) error
	ListMedia(ctx context.Context, entityID string) ([]model.MediaAsset, error)
}

// Config tunes the pipeline.
type Config struct {
	MaxImmediate    int
	MaxAttempts     int
	Concurrency     int
	MaxBytes        int64
	DownloadTimeout time.Duration
	// StaleAfter is how long an uploading claim is honored before another
	// invocation may take the row back.
	StaleAfter time.Duration
}

// Options adjust one Ingest call.
type Options struct {
	// MaxImmediate caps uploads for this call; 0 uses the configured value.
	MaxImmediate int
	// Continue uploads rows deferred by earlier calls even when no new URL
	// was registered.
	Continue bool
}

// Result summarizes one Ingest call.
type Result struct {
	Registered int      `json:"registered"`
	Uploaded   int      `json:"uploaded"`
	Deferred   int      `json:"deferred"`
	Errors     []string `json:"errors,omitempty"`
}

// Pipeline moves images from listing pages into storage.
type Pipeline struct {
	store    Store
	fetcher  fetcher.Fetcher
	storage  Storage
	timeline *timeline.Recorder
	cfg      Config
}

// New creates a Pipeline. rec may be nil to skip timeline events.
func New(s Store, f fetcher.Fetcher, st Storage, rec *timeline.Recorder, cfg Config) *Pipeline {
	if cfg.MaxImmediate <= 0 || cfg.MaxImmediate > MaxImmediate {
		cfg.MaxImmediate = MaxImmediate
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 15 << 20
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 20 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Pipeline{store: s, fetcher: f, storage: st, timeline: rec, cfg: cfg}
}

// Ingest registers urls as pending assets of entityID and uploads up to
// MaxImmediate pending assets. Already-registered URLs are ignored, so a
// retried item never uploads twice. Per-image failures are reported in
// Result.Errors; only store failures are returned, tagged as storage errors.
func (p *Pipeline) Ingest(ctx context.Context, entityID string, urls []string, opts Options) (*Result, error) {
	res := &Result{}
	canonical := canonicalURLs(urls)
	if len(canonical) > 0 {
		n, err := p.store.RegisterMedia(ctx, entityID, canonical)
		if err != nil {
			return nil, resilience.NewError(resilience.KindStorage, "media register", err)
		}
		res.Registered = n
	}

	if res.Registered > 0 || opts.Continue {
		limit := opts.MaxImmediate
		if limit <= 0 || limit > p.cfg.MaxImmediate {
			limit = p.cfg.MaxImmediate
		}
		assets, err := p.store.ClaimPendingMedia(ctx, entityID, limit, p.cfg.StaleAfter)
		if err != nil {
			return nil, resilience.NewError(resilience.KindStorage, "media claim", err)
		}
		p.uploadAll(ctx, assets, res)

		if err := p.store.EnsurePrimaryMedia(ctx, entityID); err != nil {
			return nil, resilience.NewError(resilience.KindStorage, "media primary", err)
		}
	}

	deferred, err := p.pendingCount(ctx, entityID)
	if err != nil {
		return nil, resilience.NewError(resilience.KindStorage, "media list", err)
	}
	res.Deferred = deferred

	if res.Uploaded > 0 && p.timeline != nil {
		if err := p.timeline.MediaStored(ctx, entityID, res.Uploaded, res.Deferred); err != nil {
			zap.L().Warn("media: timeline event failed", zap.String("entity_id", entityID), zap.Error(err))
		}
	}

	zap.L().Info("media: ingested",
		zap.String("entity_id", entityID),
		zap.Int("registered", res.Registered),
		zap.Int("uploaded", res.Uploaded),
		zap.Int("deferred", res.Deferred),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// BackfillImages is Ingest for operator-driven backfills.
func (p *Pipeline) BackfillImages(ctx context.Context, entityID string, urls []string, maxImmediate int, continueFlag bool) (*Result, error) {
	return p.Ingest(ctx, entityID, urls, Options{MaxImmediate: maxImmediate, Continue: continueFlag})
}

// SetPrimary makes mediaID the entity's primary image, demoting the
// previous one.
func (p *Pipeline) SetPrimary(ctx context.Context, entityID, mediaID string) error {
	return eris.Wrap(p.store.SetPrimaryMedia(ctx, entityID, mediaID), "media: set primary")
}

// List returns the entity's assets in position order.
func (p *Pipeline) List(ctx context.Context, entityID string) ([]model.MediaAsset, error) {
	assets, err := p.store.ListMedia(ctx, entityID)
	return assets, eris.Wrap(err, "media: list")
}

func (p *Pipeline) uploadAll(ctx context.Context, assets []model.MediaAsset, res *Result) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, a := range assets {
		g.Go(func() error {
			storedURL, err := p.upload(gctx, a)
			if err != nil {
				// Use the parent ctx so a cancelled upload still releases its row.
				if markErr := p.store.MarkMediaFailed(context.WithoutCancel(ctx), a.ID, err.Error(), p.cfg.MaxAttempts); markErr != nil {
					zap.L().Warn("media: mark failed", zap.String("media_id", a.ID), zap.Error(markErr))
				}
				zap.L().Debug("media: upload failed",
					zap.String("entity_id", a.EntityID),
					zap.String("url", a.SourceURL),
					zap.Int("attempt", a.Attempts),
					zap.Error(err),
				)
				mu.Lock()
				res.Errors = append(res.Errors, a.SourceURL+": "+err.Error())
				mu.Unlock()
				return nil
			}
			if err := p.store.MarkMediaStored(ctx, a.ID, storedURL); err != nil {
				mu.Lock()
				res.Errors = append(res.Errors, a.SourceURL+": "+err.Error())
				mu.Unlock()
				return nil
			}
			mu.Lock()
			res.Uploaded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) upload(ctx context.Context, a model.MediaAsset) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()

	resp, err := p.fetcher.Download(ctx, a.SourceURL, p.cfg.MaxBytes)
	if err != nil {
		return "", err
	}
	mt := resp.MediaType()
	ext, ok := imageExt[mt]
	if !ok {
		return "", eris.Errorf("media: unsupported content type %q", mt)
	}
	if len(resp.Body) == 0 {
		return "", eris.New("media: empty body")
	}
	key := a.EntityID + "/" + a.ID + ext
	storedURL, err := p.storage.Put(ctx, key, mt, resp.Body)
	if err != nil {
		return "", resilience.NewError(resilience.KindStorage, "media put", err)
	}
	return storedURL, nil
}

func (p *Pipeline) pendingCount(ctx context.Context, entityID string) (int, error) {
	assets, err := p.store.ListMedia(ctx, entityID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assets {
		if a.Status == model.MediaPending {
			n++
		}
	}
	return n, nil
}

var imageExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/avif": ".avif",
	"image/heic": ".heic",
}

// canonicalURLs canonicalizes and dedupes urls, dropping unusable ones.
func canonicalURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := normalize.CanonicalURL(raw)
		if err != nil {
			zap.L().Debug("media: skip url", zap.String("url", raw), zap.Error(err))
			continue
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
