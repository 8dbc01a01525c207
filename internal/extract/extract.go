// Package extract turns a listing URL into a normalized record by running
// ranked extraction strategies over one fetched page.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/fetcher"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
	"github.com/sells-group/listing-pipeline/internal/resilience"
)

// Strategy is one way of reading a listing page.
type Strategy interface {
	Name() string
	Supports(url string) bool
	Timeout() time.Duration
	Extract(ctx context.Context, page Loader) (*model.NormalizedRecord, error)
}

// Outcomes reported to an Observer.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Observer receives one call per strategy considered.
type Observer func(strategy, outcome string, elapsed time.Duration)

// hintConfidence is below every page-derived observation, so hints only
// fill gaps.
const hintConfidence = 0.7

// Orchestrator runs strategies in rank order until one yields an identity.
type Orchestrator struct {
	fetcher    fetcher.Fetcher
	strategies []Strategy
	breakers   *resilience.BreakerSet
	observe    Observer
}

// New creates an orchestrator. Strategies run in the order given.
func New(f fetcher.Fetcher, breakers *resilience.BreakerSet, strategies ...Strategy) *Orchestrator {
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.NewBreakerConfig(0, 0))
	}
	return &Orchestrator{fetcher: f, strategies: strategies, breakers: breakers}
}

// WithObserver sets the per-strategy observer and returns o.
func (o *Orchestrator) WithObserver(fn Observer) *Orchestrator {
	o.observe = fn
	return o
}

// Strategies returns the strategy names in rank order.
func (o *Orchestrator) Strategies() []string {
	out := make([]string, len(o.strategies))
	for i, s := range o.strategies {
		out[i] = s.Name()
	}
	return out
}

// Breakers returns the per-strategy circuit breakers.
func (o *Orchestrator) Breakers() *resilience.BreakerSet {
	return o.breakers
}

// Extract fetches rawURL once and runs each supporting strategy under its
// own timeout. Errors, timeouts and records without an identity fall
// through to the next strategy; partial records are merged so later
// strategies only fill gaps. hints fill remaining gaps once any strategy
// produced content. The returned record is normalized.
//
// Failures are tagged: a malformed URL is IdentityInvalid, a run where
// every attempted strategy failed on transport is Transport, anything else
// without an identity is ExtractionEmpty.
func (o *Orchestrator) Extract(ctx context.Context, rawURL string, hints map[string]string) (*model.NormalizedRecord, error) {
	canonical, err := normalize.CanonicalURL(rawURL)
	if err != nil {
		return nil, resilience.NewError(resilience.KindIdentityInvalid, "extract", eris.Wrapf(err, "url %q", rawURL))
	}
	loader := newPageLoader(o.fetcher, canonical)

	var (
		acc       *model.NormalizedRecord
		attempted int
		transport int
		lastErr   error
	)
	for _, s := range o.strategies {
		if err := ctx.Err(); err != nil {
			return nil, resilience.NewError(resilience.KindTransport, "extract", eris.Wrap(err, "extract: cancelled"))
		}
		if !s.Supports(canonical) {
			continue
		}
		br := o.breakers.Get(s.Name())
		if !br.Allow() {
			zap.L().Debug("extract: breaker open, skipping strategy",
				zap.String("strategy", s.Name()),
				zap.String("url", canonical),
			)
			o.report(s.Name(), OutcomeSkipped, 0)
			continue
		}

		attempted++
		start := time.Now()
		rec, err := o.run(ctx, s, loader)
		elapsed := time.Since(start)
		if err != nil {
			loaded, pageErr := loader.state()
			if loaded {
				br.Record(err)
			} else {
				// The page never arrived; that says nothing about the strategy.
				br.Release()
			}
			lastErr = err
			if resilience.KindOf(err) == resilience.KindTransport {
				transport++
			}
			zap.L().Debug("extract: strategy failed",
				zap.String("strategy", s.Name()),
				zap.String("url", canonical),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
			o.report(s.Name(), OutcomeError, elapsed)
			if pageErr != nil {
				break
			}
			continue
		}
		br.Record(nil)

		normalize.Record(rec)
		if acc == nil {
			acc = rec
		} else {
			acc.Merge(rec)
		}
		if acc.HasIdentity() {
			acc.Strategy = s.Name()
			o.report(s.Name(), OutcomeOK, elapsed)
			break
		}
		o.report(s.Name(), OutcomeEmpty, elapsed)
	}

	if acc != nil {
		applyHints(acc, hints)
		normalize.Record(acc)
	}
	if acc != nil && acc.HasIdentity() {
		acc.URL = canonical
		zap.L().Debug("extract: extracted",
			zap.String("url", canonical),
			zap.String("strategy", acc.Strategy),
			zap.Int("fields", len(acc.Fields)),
			zap.Int("images", len(acc.Images)),
		)
		return acc, nil
	}

	if attempted > 0 && transport == attempted {
		return nil, resilience.NewError(resilience.KindTransport, "extract", eris.Wrapf(lastErr, "extract: %s", canonical))
	}
	if attempted == 0 {
		return nil, resilience.NewError(resilience.KindTransport, "extract", eris.Errorf("extract: no strategy available for %s", canonical))
	}
	err = eris.Errorf("extract: no identity from %d strategies", attempted)
	if lastErr != nil {
		err = eris.Wrapf(lastErr, "extract: no identity from %d strategies", attempted)
	}
	return nil, resilience.NewError(resilience.KindExtractionEmpty, "extract", err)
}

func (o *Orchestrator) run(ctx context.Context, s Strategy, l Loader) (*model.NormalizedRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	rec, err := s.Extract(sctx, l)
	if err != nil {
		if sctx.Err() != nil && ctx.Err() == nil {
			return nil, resilience.NewError(resilience.KindTransport, s.Name(), eris.Wrapf(err, "timed out after %s", s.Timeout()))
		}
		return nil, err
	}
	if rec == nil {
		rec = model.NewRecord(l.URL(), s.Name())
	}
	rec.Strategy = s.Name()
	return rec, nil
}

func (o *Orchestrator) report(strategy, outcome string, elapsed time.Duration) {
	if o.observe != nil {
		o.observe(strategy, outcome, elapsed)
	}
}

// applyHints fills fields the page did not provide from the queue item's
// hint map. Seller hints use a seller_ prefix; images are comma-separated.
func applyHints(rec *model.NormalizedRecord, hints map[string]string) {
	for k, v := range hints {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case "seller_name":
			if rec.Seller.Name == "" {
				rec.Seller.Name = v
			}
		case "seller_website":
			if rec.Seller.Website == "" {
				rec.Seller.Website = v
			}
		case "seller_city":
			if rec.Seller.City == "" {
				rec.Seller.City = v
			}
		case "seller_state":
			if rec.Seller.State == "" {
				rec.Seller.State = v
			}
		case "images":
			if len(rec.Images) == 0 {
				for _, img := range strings.Split(v, ",") {
					if img = strings.TrimSpace(img); img != "" {
						rec.Images = append(rec.Images, img)
					}
				}
			}
		default:
			if knownField(k) {
				rec.Fill(k, v, model.SourceFreeText, hintConfidence)
			}
		}
	}
}

func knownField(name string) bool {
	for _, f := range model.EntityFields {
		if f == name {
			return true
		}
	}
	return false
}
