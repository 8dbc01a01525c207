package worker

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/consensus"
	"github.com/sells-group/listing-pipeline/internal/gate"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/monitoring"
	"github.com/sells-group/listing-pipeline/internal/resolve"
)

// Extractor turns a listing URL into a normalized record.
type Extractor interface {
	Extract(ctx context.Context, url string, hints map[string]string) (*model.NormalizedRecord, error)
}

// Outcome is what processing one item produced.
type Outcome struct {
	EntityID       string
	IsNew          bool
	MatchedBy      resolve.MatchKind
	IdentityLocked bool
	FieldsAccepted int
	Media          *media.Result
	Evaluation     *gate.Evaluation
	Published      bool
}

// Status is the terminal queue status for a successful outcome. Sightings
// of an identity-locked entity change nothing and are marked skipped.
func (o *Outcome) Status() model.QueueStatus {
	if o.IdentityLocked {
		return model.QueueSkipped
	}
	return model.QueueComplete
}

// ProcessorConfig tunes the per-item pipeline.
type ProcessorConfig struct {
	AutoPublish  bool
	MaxImmediate int
}

// Processor runs one queue item through extraction, resolution,
// consensus, media and the quality gate.
type Processor struct {
	extractor Extractor
	resolver  *resolve.Resolver
	consensus *consensus.Engine
	media     *media.Pipeline
	gate      *gate.Gate
	cfg       ProcessorConfig
}

// NewProcessor wires the per-item pipeline. mp may be nil to skip images.
func NewProcessor(ex Extractor, rs *resolve.Resolver, ce *consensus.Engine, mp *media.Pipeline, g *gate.Gate, cfg ProcessorConfig) *Processor {
	return &Processor{extractor: ex, resolver: rs, consensus: ce, media: mp, gate: g, cfg: cfg}
}

// Process runs item through the pipeline. Returned errors carry their
// resilience kind so the caller can decide between release and fail.
// Media failures never fail the item.
func (p *Processor) Process(ctx context.Context, item model.QueueItem) (*Outcome, error) {
	log := zap.L().With(zap.String("item_id", item.ID), zap.String("url", item.SourceURL))

	rec, err := p.extractor.Extract(ctx, item.SourceURL, item.RawHints)
	if err != nil {
		return nil, err
	}

	res, err := p.resolver.Resolve(ctx, rec, item.SourceURL)
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		EntityID:       res.EntityID,
		IsNew:          res.IsNew,
		MatchedBy:      res.MatchedBy,
		IdentityLocked: res.IdentityLocked,
	}

	out.FieldsAccepted, err = p.consensus.ProposeRecord(ctx, res.EntityID, rec, consensus.Options{RecordOnly: res.IdentityLocked})
	if err != nil {
		return nil, eris.Wrap(err, "worker: propose fields")
	}
	if res.IdentityLocked {
		log.Info("worker: identity locked, sighting recorded only", zap.String("entity_id", res.EntityID))
		return out, nil
	}

	if p.media != nil && len(rec.Images) > 0 {
		// Continue picks up rows left pending by an earlier attempt of this item.
		mres, err := p.media.Ingest(ctx, res.EntityID, rec.Images, media.Options{MaxImmediate: p.cfg.MaxImmediate, Continue: true})
		if err != nil {
			log.Warn("worker: media ingest failed", zap.String("entity_id", res.EntityID), zap.Error(err))
		} else {
			out.Media = mres
			monitoring.MediaUploaded.Add(float64(mres.Uploaded))
			monitoring.MediaFailures.Add(float64(len(mres.Errors)))
		}
	}

	if p.cfg.AutoPublish && p.gate != nil {
		ev, published, err := p.gate.ValidateAndPublish(ctx, res.EntityID)
		if err != nil {
			return nil, eris.Wrap(err, "worker: quality gate")
		}
		out.Evaluation = ev
		out.Published = published
		if published {
			monitoring.EntitiesPublished.Inc()
		}
	}

	log.Info("worker: item processed",
		zap.String("entity_id", out.EntityID),
		zap.String("strategy", rec.Strategy),
		zap.String("matched_by", string(out.MatchedBy)),
		zap.Bool("is_new", out.IsNew),
		zap.Int("fields_accepted", out.FieldsAccepted),
		zap.Bool("published", out.Published),
	)
	return out, nil
}
