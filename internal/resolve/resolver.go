// Package resolve maps a normalized listing record onto a canonical entity
// and its seller organization.
package resolve

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/consensus"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/internal/store"
	"github.com/sells-group/listing-pipeline/internal/timeline"
)

// Store is the persistence the resolver needs.
type Store interface {
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	FindEntityByVIN(ctx context.Context, vin string) (*model.Entity, error)
	FindEntityByDiscoveryURL(ctx context.Context, url string) (*model.Entity, error)
	FindInventoryMatches(ctx context.Context, orgID string, match store.InventoryMatch) ([]model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) error
	SetEntityVIN(ctx context.Context, id, vin string) error
	MergeEntities(ctx context.Context, loserID, survivorID string, decide model.AcceptFunc) error

	FindOrganizationByWebsite(ctx context.Context, website string) (*model.Organization, error)
	ListOrganizationsByLocality(ctx context.Context, normalizedCity, state string) ([]model.Organization, error)
	CreateOrganization(ctx context.Context, org *model.Organization) error
	UpsertRelationship(ctx context.Context, orgID, entityID string, kind model.RelationshipKind) (bool, error)
}

// MatchKind names the step of the chain that found the entity.
type MatchKind string

const (
	MatchVIN       MatchKind = "vin"
	MatchURL       MatchKind = "discovery_url"
	MatchInventory MatchKind = "inventory"
	MatchCreated   MatchKind = "created"
)

// Result is the outcome of resolving one record.
type Result struct {
	EntityID       string    `json:"entity_id"`
	IsNew          bool      `json:"is_new"`
	OrganizationID string    `json:"organization_id,omitempty"`
	MatchedBy      MatchKind `json:"matched_by"`
	// IdentityLocked is set when the record hit an ownership-verified entity
	// by VIN. Field proposals for such a sighting are recorded only.
	IdentityLocked bool `json:"identity_locked"`
	// MergedEntityID is the entity folded into EntityID during resolution.
	MergedEntityID string `json:"merged_entity_id,omitempty"`
}

// Config tunes the resolver.
type Config struct {
	// NameSimilarity is the minimum Jaro-Winkler similarity between
	// normalized organization names in the same city and state.
	NameSimilarity float64
	// MaxRetries bounds how often a lookup is re-run after losing a
	// uniqueness race to a concurrent worker.
	MaxRetries int
	// Fields holds the acceptance thresholds used to reproject a survivor's
	// fields after a merge. Nil uses the consensus defaults.
	Fields *consensus.Config
}

// Resolver runs the identity chain: VIN, discovery URL, seller inventory,
// create.
type Resolver struct {
	store    Store
	timeline *timeline.Recorder
	cfg      Config
}

// New creates a Resolver. rec may be nil to skip timeline events.
func New(s Store, rec *timeline.Recorder, cfg Config) *Resolver {
	if cfg.NameSimilarity <= 0 {
		cfg.NameSimilarity = 0.92
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Fields == nil {
		cfg.Fields = consensus.NewDefaultConfig(0, 0)
	}
	return &Resolver{store: s, timeline: rec, cfg: cfg}
}

// Resolve finds or creates the entity for rec seen at discoveryURL, links
// the seller organization, and records a discovered or sighting event.
// rec must already be normalized.
func (r *Resolver) Resolve(ctx context.Context, rec *model.NormalizedRecord, discoveryURL string) (*Result, error) {
	canonical, err := normalize.CanonicalURL(discoveryURL)
	if err != nil {
		return nil, resilience.NewError(resilience.KindIdentityInvalid, "resolve", eris.Wrapf(err, "discovery url %q", discoveryURL))
	}
	if !rec.HasIdentity() {
		return nil, resilience.NewError(resilience.KindIdentityInvalid, "resolve", eris.New("record has no vin, year+make or make+model"))
	}

	org, err := r.ResolveOrganization(ctx, rec.Seller)
	if err != nil {
		return nil, err
	}

	var res *Result
	for attempt := 0; ; attempt++ {
		res, err = r.resolveOnce(ctx, rec, canonical, org)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= r.cfg.MaxRetries {
			return nil, eris.Wrapf(err, "resolve: %s", canonical)
		}
		zap.L().Debug("resolve: lost uniqueness race, retrying",
			zap.String("url", canonical),
			zap.Int("attempt", attempt+1),
		)
	}

	if org != nil {
		res.OrganizationID = org.ID
		if _, err := r.UpsertRelationship(ctx, org.ID, res.EntityID, relationshipKind(rec), canonical); err != nil {
			return nil, err
		}
	}

	if r.timeline != nil {
		if res.IsNew {
			err = r.timeline.Discovered(ctx, res.EntityID, canonical, rec.Strategy)
		} else {
			err = r.timeline.Sighting(ctx, res.EntityID, canonical, string(res.MatchedBy), res.IdentityLocked)
		}
		if err != nil {
			return nil, eris.Wrap(err, "resolve: record sighting")
		}
	}

	zap.L().Debug("resolve: resolved",
		zap.String("url", canonical),
		zap.String("entity_id", res.EntityID),
		zap.String("matched_by", string(res.MatchedBy)),
		zap.Bool("is_new", res.IsNew),
		zap.Bool("identity_locked", res.IdentityLocked),
	)
	return res, nil
}

func (r *Resolver) resolveOnce(ctx context.Context, rec *model.NormalizedRecord, url string, org *model.Organization) (*Result, error) {
	vin := rec.Get(model.FieldVIN)
	if !normalize.ValidVIN(vin) {
		vin = ""
	}

	byURL, err := r.store.FindEntityByDiscoveryURL(ctx, url)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: by discovery url")
	}

	// 1. VIN.
	if vin != "" {
		byVIN, err := r.store.FindEntityByVIN(ctx, vin)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: by vin")
		}
		if byVIN != nil {
			res := &Result{EntityID: byVIN.ID, MatchedBy: MatchVIN, IdentityLocked: byVIN.OwnershipVerified}
			if byURL != nil && byURL.ID != byVIN.ID && byURL.VIN == "" && !byVIN.OwnershipVerified {
				survivor, loser, err := r.merge(ctx, byURL, byVIN)
				if err != nil {
					return nil, err
				}
				res.EntityID, res.MergedEntityID = survivor, loser
			}
			return res, nil
		}
	}

	// 2. Discovery URL.
	if byURL != nil {
		if vin != "" && byURL.VIN == "" {
			if err := r.store.SetEntityVIN(ctx, byURL.ID, vin); err != nil {
				return nil, eris.Wrapf(err, "resolve: attach vin to %s", byURL.ID)
			}
		} else if vin != "" && byURL.VIN != vin {
			zap.L().Warn("resolve: listing vin differs from entity vin",
				zap.String("url", url),
				zap.String("entity_id", byURL.ID),
				zap.String("entity_vin", byURL.VIN),
				zap.String("listing_vin", vin),
			)
		}
		return &Result{EntityID: byURL.ID, MatchedBy: MatchURL}, nil
	}

	// 3. Seller inventory.
	if org != nil {
		match, err := r.inventoryMatch(ctx, org.ID, rec, vin)
		if err != nil {
			return nil, err
		}
		if match != nil {
			if vin != "" && match.VIN == "" {
				if err := r.store.SetEntityVIN(ctx, match.ID, vin); err != nil {
					return nil, eris.Wrapf(err, "resolve: attach vin to %s", match.ID)
				}
			}
			return &Result{EntityID: match.ID, MatchedBy: MatchInventory}, nil
		}
	}

	// 4. Create.
	e := &model.Entity{VIN: vin, DiscoveryURL: url, Status: model.EntityPending}
	if err := r.store.CreateEntity(ctx, e); err != nil {
		return nil, eris.Wrap(err, "resolve: create entity")
	}
	zap.L().Info("resolve: created entity",
		zap.String("entity_id", e.ID),
		zap.String("url", url),
		zap.String("vin", vin),
	)
	return &Result{EntityID: e.ID, IsNew: true, MatchedBy: MatchCreated}, nil
}

// inventoryMatch returns the oldest entity in the organization's current
// listings with the same year, make and model whose VIN does not conflict.
func (r *Resolver) inventoryMatch(ctx context.Context, orgID string, rec *model.NormalizedRecord, vin string) (*model.Entity, error) {
	m := store.InventoryMatch{
		Year:  rec.Get(model.FieldYear),
		Make:  rec.Get(model.FieldMake),
		Model: rec.Get(model.FieldModel),
	}
	if m.Year == "" || m.Make == "" || m.Model == "" {
		return nil, nil
	}
	candidates, err := r.store.FindInventoryMatches(ctx, orgID, m)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: inventory matches")
	}
	for i := range candidates {
		if candidates[i].VIN == "" || candidates[i].VIN == vin {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// UpsertRelationship sets the current relationship of kind between org and
// entity and records a timeline event when it changed.
func (r *Resolver) UpsertRelationship(ctx context.Context, orgID, entityID string, kind model.RelationshipKind, sourceURL string) (bool, error) {
	changed, err := r.store.UpsertRelationship(ctx, orgID, entityID, kind)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent worker inserted the same current row.
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "resolve: upsert %s relationship", kind)
	}
	if changed && r.timeline != nil {
		if err := r.timeline.RelationshipChanged(ctx, entityID, orgID, kind, sourceURL); err != nil {
			return changed, eris.Wrap(err, "resolve: record relationship change")
		}
	}
	return changed, nil
}

// relationshipKind maps the listing status onto the seller relationship.
func relationshipKind(rec *model.NormalizedRecord) model.RelationshipKind {
	switch strings.ToLower(normalize.CollapseSpace(rec.Get(model.FieldListingStatus))) {
	case "sold", "sold out", "closed", "ended", "auction ended":
		return model.RelSold
	case "consigned", "consignment":
		return model.RelConsigned
	default:
		return model.RelForSale
	}
}
