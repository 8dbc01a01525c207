// Package gate decides whether an entity is complete enough to publish.
package gate

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
	"github.com/sells-group/listing-pipeline/internal/timeline"
)

// Recommendations.
const (
	RecommendPublish = "publish"
	RecommendReview  = "needs_review"
	RecommendHold    = "hold"
	RecommendActive  = "already_active"
)

// firstVINYear is the first model year with standardized 17-character VINs.
// Older vehicles carry shorter chassis numbers.
const firstVINYear = 1981

// Issue is one failed or weak check.
type Issue struct {
	Check    string `json:"check"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// Evaluation is the gate's verdict on one entity.
type Evaluation struct {
	EntityID       string  `json:"entity_id"`
	CanPublish     bool    `json:"can_go_live"`
	Score          float64 `json:"quality_score"`
	Recommendation string  `json:"recommendation"`
	Issues         []Issue `json:"issues"`
}

// Store is the persistence the gate needs.
type Store interface {
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	CurrentFields(ctx context.Context, entityID string) (map[string]model.FieldState, error)
	ListMedia(ctx context.Context, entityID string) ([]model.MediaAsset, error)
	PublishEntity(ctx context.Context, id string) (bool, error)
}

// Gate evaluates and publishes entities.
type Gate struct {
	store    Store
	timeline *timeline.Recorder
	minScore float64
	review   Reviewer
}

// New creates a Gate. rec may be nil to skip timeline events.
func New(s Store, rec *timeline.Recorder, minScore float64) *Gate {
	if minScore <= 0 || minScore > 1 {
		minScore = 0.7
	}
	return &Gate{store: s, timeline: rec, minScore: minScore}
}

// WithReviewer sets where entities needing review are reported and
// returns g.
func (g *Gate) WithReviewer(r Reviewer) *Gate {
	g.review = r
	return g
}

// MinScore returns the publish threshold.
func (g *Gate) MinScore() float64 {
	return g.minScore
}

// Snapshot loads the entity with its current fields and media.
func (g *Gate) Snapshot(ctx context.Context, entityID string) (*model.EntitySnapshot, error) {
	e, err := g.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: load entity %s", entityID)
	}
	fields, err := g.store.CurrentFields(ctx, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: load fields of %s", entityID)
	}
	media, err := g.store.ListMedia(ctx, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: load media of %s", entityID)
	}
	return &model.EntitySnapshot{Entity: *e, Fields: fields, Media: media}, nil
}

// Evaluate scores the entity without changing it.
func (g *Gate) Evaluate(ctx context.Context, entityID string) (*Evaluation, error) {
	snap, err := g.Snapshot(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return EvaluateSnapshot(snap, g.minScore), nil
}

// ValidateAndPublish evaluates the entity and flips it from pending to
// active when it passes. An active entity is never demoted. It reports
// whether this call published the entity.
func (g *Gate) ValidateAndPublish(ctx context.Context, entityID string) (*Evaluation, bool, error) {
	snap, err := g.Snapshot(ctx, entityID)
	if err != nil {
		return nil, false, err
	}
	ev := EvaluateSnapshot(snap, g.minScore)

	if !ev.CanPublish || snap.Entity.Status != model.EntityPending {
		if ev.Recommendation == RecommendReview && g.review != nil {
			if err := g.review.Review(ctx, ev); err != nil {
				zap.L().Warn("gate: review hand-off failed", zap.String("entity_id", entityID), zap.Error(err))
			}
		}
		return ev, false, nil
	}

	published, err := g.store.PublishEntity(ctx, entityID)
	if err != nil {
		return nil, false, eris.Wrapf(err, "gate: publish %s", entityID)
	}
	if published {
		ev.Recommendation = RecommendActive
		if g.timeline != nil {
			if err := g.timeline.Published(ctx, entityID, ev.Score); err != nil {
				return ev, true, eris.Wrap(err, "gate: record publish")
			}
		}
		zap.L().Info("gate: published",
			zap.String("entity_id", entityID),
			zap.Float64("score", ev.Score),
		)
	}
	return ev, published, nil
}

type check struct {
	name   string
	field  string
	weight float64
	// run returns the earned fraction of weight and an issue when short.
	run func(s *model.EntitySnapshot) (float64, *Issue)
}

// checks run in this order; weights sum to 1.
var checks = []check{
	{name: "year", field: model.FieldYear, weight: 0.20, run: checkYear},
	{name: "make", field: model.FieldMake, weight: 0.15, run: checkMake},
	{name: "model", field: model.FieldModel, weight: 0.15, run: checkModel},
	{name: "images", weight: 0.15, run: checkImages},
	{name: "identifier", field: model.FieldVIN, weight: 0.15, run: checkIdentifier},
	{name: "price", field: model.FieldPrice, weight: 0.10, run: optional(model.FieldPrice)},
	{name: "mileage", field: model.FieldMileage, weight: 0.05, run: optional(model.FieldMileage)},
	{name: "description", field: model.FieldDescription, weight: 0.05, run: optional(model.FieldDescription)},
}

// EvaluateSnapshot is the pure gate decision: the same snapshot always
// yields the same evaluation.
func EvaluateSnapshot(s *model.EntitySnapshot, minScore float64) *Evaluation {
	ev := &Evaluation{EntityID: s.Entity.ID, Issues: []Issue{}}
	blocking := false
	for _, c := range checks {
		earned, issue := c.run(s)
		ev.Score += c.weight * earned
		if issue != nil {
			issue.Check = c.name
			if issue.Field == "" {
				issue.Field = c.field
			}
			blocking = blocking || issue.Blocking
			ev.Issues = append(ev.Issues, *issue)
		}
	}
	ev.Score = round3(ev.Score)
	ev.CanPublish = !blocking && ev.Score >= minScore

	switch {
	case s.Entity.Status == model.EntityActive:
		ev.Recommendation = RecommendActive
	case ev.CanPublish:
		ev.Recommendation = RecommendPublish
	case blocking:
		ev.Recommendation = RecommendHold
	default:
		ev.Recommendation = RecommendReview
	}
	return ev
}

func checkYear(s *model.EntitySnapshot) (float64, *Issue) {
	raw := s.Value(model.FieldYear)
	if raw == "" {
		return 0, &Issue{Message: "year is missing", Blocking: true}
	}
	y, err := strconv.Atoi(raw)
	if err != nil || !normalize.PlausibleYear(y) {
		return 0, &Issue{Message: "year " + raw + " is not plausible", Blocking: true}
	}
	return 1, nil
}

func checkMake(s *model.EntitySnapshot) (float64, *Issue) {
	mk := s.Value(model.FieldMake)
	if mk == "" {
		return 0, &Issue{Message: "make is missing", Blocking: true}
	}
	if !normalize.KnownMake(mk) {
		return 0.5, &Issue{Message: "make " + mk + " is not a known make"}
	}
	return 1, nil
}

func checkModel(s *model.EntitySnapshot) (float64, *Issue) {
	m := s.Value(model.FieldModel)
	if m == "" {
		return 0, &Issue{Message: "model is missing", Blocking: true}
	}
	if normalize.JunkModel(m) {
		return 0, &Issue{Message: "model " + strconv.Quote(m) + " looks like listing boilerplate", Blocking: true}
	}
	return 1, nil
}

func checkImages(s *model.EntitySnapshot) (float64, *Issue) {
	for _, m := range s.Media {
		if m.Status == model.MediaStored {
			return 1, nil
		}
	}
	return 0, &Issue{Message: "no stored image", Blocking: true}
}

func checkIdentifier(s *model.EntitySnapshot) (float64, *Issue) {
	vin := s.Entity.VIN
	if vin == "" {
		vin = s.Value(model.FieldVIN)
	}
	if normalize.ValidVIN(vin) {
		return 1, nil
	}
	if s.Entity.IdentifierPlaceholder != "" {
		return 1, nil
	}
	if y, err := strconv.Atoi(s.Value(model.FieldYear)); err == nil && y > 0 && y < firstVINYear {
		return 1, nil
	}
	return 0, &Issue{Message: "no valid VIN and no identifier placeholder", Blocking: true}
}

func optional(field string) func(s *model.EntitySnapshot) (float64, *Issue) {
	return func(s *model.EntitySnapshot) (float64, *Issue) {
		if s.Value(field) == "" {
			return 0, &Issue{Message: field + " is missing"}
		}
		return 1, nil
	}
}

func round3(f float64) float64 {
	return float64(int64(f*1000+0.5)) / 1000
}
