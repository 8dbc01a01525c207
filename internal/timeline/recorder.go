// Package timeline records the append-only history of each entity and reads
// back its provenance trail.
package timeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// Store is the persistence the recorder needs.
type Store interface {
	AppendTimeline(ctx context.Context, ev *model.TimelineEvent) error
	ListTimeline(ctx context.Context, entityID string, limit int) ([]model.TimelineEvent, error)
	ListProvenance(ctx context.Context, entityID, field string) ([]model.FieldProvenance, error)
}

// Recorder appends typed timeline events.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s Store) *Recorder {
	return &Recorder{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends ev, stamping OccurredAt when unset.
func (r *Recorder) Record(ctx context.Context, ev *model.TimelineEvent) error {
	if ev.EntityID == "" {
		return eris.New("timeline: event without entity")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	if err := r.store.AppendTimeline(ctx, ev); err != nil {
		return eris.Wrapf(err, "timeline: record %s", ev.Kind)
	}
	zap.L().Debug("timeline: recorded",
		zap.String("entity_id", ev.EntityID),
		zap.String("kind", string(ev.Kind)),
	)
	return nil
}

// Discovered records the first sighting that created an entity.
func (r *Recorder) Discovered(ctx context.Context, entityID, sourceURL, strategy string) error {
	return r.Record(ctx, &model.TimelineEvent{
		EntityID:  entityID,
		Kind:      model.EventDiscovered,
		SourceURL: sourceURL,
		Payload:   map[string]any{"strategy": strategy},
	})
}

// Sighting records a later listing resolved to an existing entity.
func (r *Recorder) Sighting(ctx context.Context, entityID, sourceURL, matchedBy string, identityLocked bool) error {
	payload := map[string]any{"matched_by": matchedBy}
	if identityLocked {
		payload["identity_locked"] = true
	}
	return r.Record(ctx, &model.TimelineEvent{
		EntityID:  entityID,
		Kind:      model.EventSighting,
		SourceURL: sourceURL,
		Payload:   payload,
	})
}

// FieldAccepted records a change of a field's current value.
func (r *Recorder) FieldAccepted(ctx context.Context, rec model.FieldProvenance, previous string) error {
	payload := map[string]any{
		"field":       rec.FieldName,
		"value":       rec.Value,
		"source_kind": string(rec.SourceKind),
		"confidence":  rec.Confidence,
	}
	if previous != "" {
		payload["previous"] = previous
	}
	return r.Record(ctx, &model.TimelineEvent{
		EntityID:   rec.EntityID,
		Kind:       model.EventFieldAccepted,
		SourceURL:  rec.SourceURL,
		Payload:    payload,
		OccurredAt: rec.ObservedAt,
	})
}

// Published records the pending to active transition.
func (r *Recorder) Published(ctx context.Context, entityID string, score float64) error {
	return r.Record(ctx, &model.TimelineEvent{
		EntityID: entityID,
		Kind:     model.EventPublished,
		Payload:  map[string]any{"quality_score": score},
	})
}

// MediaStored records a batch of images stored for an entity.
func (r *Recorder) MediaStored(ctx context.Context, entityID string, uploaded, deferred int) error {
	return r.Record(ctx, &model.TimelineEvent{
		EntityID: entityID,
		Kind:     model.EventMediaStored,
		Payload:  map[string]any{"uploaded": uploaded, "deferred": deferred},
	})
}

// RelationshipChanged records a new current relationship between an
// organization and an entity.
func (r *Recorder) RelationshipChanged(ctx context.Context, entityID, orgID string, kind model.RelationshipKind, sourceURL string) error {
	return r.Record(ctx, &model.TimelineEvent{
		EntityID:  entityID,
		Kind:      model.EventRelationshipChanged,
		SourceURL: sourceURL,
		Payload:   map[string]any{"organization_id": orgID, "kind": string(kind)},
	})
}

// History returns an entity's events oldest first.
func (r *Recorder) History(ctx context.Context, entityID string, limit int) ([]model.TimelineEvent, error) {
	events, err := r.store.ListTimeline(ctx, entityID, limit)
	return events, eris.Wrapf(err, "timeline: history of %s", entityID)
}

// Provenance returns the observation log of one field, or of every field
// when field is empty, in append order.
func (r *Recorder) Provenance(ctx context.Context, entityID, field string) ([]model.FieldProvenance, error) {
	recs, err := r.store.ListProvenance(ctx, entityID, field)
	return recs, eris.Wrapf(err, "timeline: provenance of %s", entityID)
}
