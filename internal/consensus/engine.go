package consensus

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/timeline"
)

// Store is the persistence the engine needs. RecordObservation must run the
// decision while holding a per-entity lock.
type Store interface {
	RecordObservation(ctx context.Context, rec model.FieldProvenance, decide model.AcceptFunc) (model.FieldProvenance, error)
	CurrentFields(ctx context.Context, entityID string) (map[string]model.FieldState, error)
	ListProvenance(ctx context.Context, entityID, field string) ([]model.FieldProvenance, error)
	SetFieldLock(ctx context.Context, entityID, field string, locked bool) error
}

// Proposal is one candidate value for a field.
type Proposal struct {
	EntityID   string
	Field      string
	Value      string
	SourceKind model.SourceKind
	SourceURL  string
	Confidence float64
}

// Options adjust how a proposal is handled.
type Options struct {
	// RecordOnly appends provenance without ever changing the current value.
	RecordOnly bool
}

// Result is the outcome of a proposal.
type Result struct {
	Accepted bool
	Reason   string
	Record   model.FieldProvenance
}

// Engine reconciles proposals into current field values.
type Engine struct {
	store    Store
	cfg      *Config
	timeline *timeline.Recorder
}

// NewEngine creates an engine. cfg nil uses the built-in thresholds.
func NewEngine(s Store, cfg *Config, rec *timeline.Recorder) *Engine {
	if cfg == nil {
		cfg = NewDefaultConfig(0, 0)
	}
	return &Engine{store: s, cfg: cfg, timeline: rec}
}

// Config returns the thresholds in use.
func (e *Engine) Config() *Config {
	return e.cfg
}

// ProposeUpdate appends a provenance record for p and updates the current
// value when the acceptance rule allows it.
func (e *Engine) ProposeUpdate(ctx context.Context, p Proposal, opts Options) (*Result, error) {
	if p.EntityID == "" || p.Field == "" {
		return nil, eris.New("consensus: proposal needs entity and field")
	}
	if !p.SourceKind.Valid() {
		return nil, eris.Errorf("consensus: unknown source kind %q", p.SourceKind)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, eris.Errorf("consensus: confidence %.3f outside [0,1]", p.Confidence)
	}

	var previous string
	decide := func(current *model.FieldState, proposed model.FieldProvenance) (bool, string) {
		if current != nil {
			previous = current.Value
		}
		if opts.RecordOnly {
			return false, ReasonRecordOnly
		}
		return Decide(e.cfg, current, proposed)
	}

	rec, err := e.store.RecordObservation(ctx, model.FieldProvenance{
		EntityID:   p.EntityID,
		FieldName:  p.Field,
		Value:      strings.TrimSpace(p.Value),
		SourceKind: p.SourceKind,
		SourceURL:  p.SourceURL,
		Confidence: p.Confidence,
	}, decide)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: propose %s for %s", p.Field, p.EntityID)
	}

	zap.L().Debug("consensus: proposal recorded",
		zap.String("entity_id", p.EntityID),
		zap.String("field", p.Field),
		zap.String("source_kind", string(p.SourceKind)),
		zap.Float64("confidence", p.Confidence),
		zap.Bool("accepted", rec.Accepted),
		zap.String("reason", rec.Reason),
	)

	if rec.Accepted && previous != rec.Value && e.timeline != nil {
		if err := e.timeline.FieldAccepted(ctx, rec, previous); err != nil {
			return nil, eris.Wrap(err, "consensus: record field change")
		}
	}
	return &Result{Accepted: rec.Accepted, Reason: rec.Reason, Record: rec}, nil
}

// ProposeField is the collaborator form of ProposeUpdate: the confidence is
// taken from the source kind and sourceContext is kept as the source URL.
// With autoAssign false the proposal is recorded only.
func (e *Engine) ProposeField(ctx context.Context, entityID, field, value string, kind model.SourceKind, sourceContext string, autoAssign bool) (bool, error) {
	res, err := e.ProposeUpdate(ctx, Proposal{
		EntityID:   entityID,
		Field:      field,
		Value:      value,
		SourceKind: kind,
		SourceURL:  sourceContext,
		Confidence: e.cfg.ConfidenceFor(kind),
	}, Options{RecordOnly: !autoAssign})
	if err != nil {
		return false, err
	}
	return res.Accepted, nil
}

// ProposeRecord proposes every field of rec in a stable order and returns
// how many were accepted.
func (e *Engine) ProposeRecord(ctx context.Context, entityID string, rec *model.NormalizedRecord, opts Options) (int, error) {
	accepted := 0
	for _, field := range model.EntityFields {
		obs, ok := rec.Fields[field]
		if !ok || obs.Value == "" {
			continue
		}
		res, err := e.ProposeUpdate(ctx, Proposal{
			EntityID:   entityID,
			Field:      field,
			Value:      obs.Value,
			SourceKind: obs.Kind,
			SourceURL:  rec.URL,
			Confidence: obs.Confidence,
		}, opts)
		if err != nil {
			return accepted, err
		}
		if res.Accepted {
			accepted++
		}
	}
	return accepted, nil
}

// Current returns the projected current values of an entity.
func (e *Engine) Current(ctx context.Context, entityID string) (map[string]model.FieldState, error) {
	fields, err := e.store.CurrentFields(ctx, entityID)
	return fields, eris.Wrapf(err, "consensus: current fields of %s", entityID)
}

// Replay recomputes an entity's current values from its provenance log.
// Locked fields keep the value held in the store.
func (e *Engine) Replay(ctx context.Context, entityID string) (map[string]model.FieldState, error) {
	recs, err := e.store.ListProvenance(ctx, entityID, "")
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: replay %s", entityID)
	}
	current, err := e.store.CurrentFields(ctx, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: replay %s", entityID)
	}
	out := Project(e.cfg, recs)
	for name, st := range current {
		if !st.Locked {
			continue
		}
		if st.HasValue() {
			out[name] = st
		} else {
			delete(out, name)
		}
	}
	return out, nil
}

// LockField freezes a field against automated proposals.
func (e *Engine) LockField(ctx context.Context, entityID, field string) error {
	return eris.Wrapf(e.store.SetFieldLock(ctx, entityID, field, true), "consensus: lock %s.%s", entityID, field)
}

// UnlockField lifts a lock set by LockField.
func (e *Engine) UnlockField(ctx context.Context, entityID, field string) error {
	return eris.Wrapf(e.store.SetFieldLock(ctx, entityID, field, false), "consensus: unlock %s.%s", entityID, field)
}
