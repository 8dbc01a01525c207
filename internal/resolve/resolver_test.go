package resolve

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/consensus"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/internal/store"
	"github.com/sells-group/listing-pipeline/internal/timeline"
)

const (
	vinA = "1GCEK14T1PZ123456"
	vinB = "1HGCM82633A004352"
)

func newTestResolver(t *testing.T) (*Resolver, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "resolve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return New(s, timeline.NewRecorder(s), Config{NameSimilarity: 0.92}), s
}

func record(url string, fields map[string]string) *model.NormalizedRecord {
	rec := model.NewRecord(url, "platform")
	for k, v := range fields {
		rec.Set(k, v, model.SourceStructuredListing, 0.9)
	}
	return rec
}

func acceptAll(*model.FieldState, model.FieldProvenance) (bool, string) { return true, "test" }

func TestResolve_VINFirst(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)

	first, err := r.Resolve(ctx, record("https://dealer.example.com/a", map[string]string{
		model.FieldVIN: vinA, model.FieldMake: "Chevrolet", model.FieldYear: "1993",
	}), "https://dealer.example.com/a")
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, MatchCreated, first.MatchedBy)

	second, err := r.Resolve(ctx, record("https://auction.example.com/lot/9", map[string]string{
		model.FieldVIN: vinA, model.FieldMake: "Chevrolet",
	}), "https://auction.example.com/lot/9")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, MatchVIN, second.MatchedBy)
	assert.Equal(t, first.EntityID, second.EntityID)

	events, err := s.ListTimeline(ctx, first.EntityID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventDiscovered, events[0].Kind)
	assert.Equal(t, model.EventSighting, events[1].Kind)
	assert.Equal(t, "vin", events[1].Payload["matched_by"])
}

func TestResolve_URLMatchAttachesVIN(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)
	url := "https://www.dealer.example.com/inventory/1969-camaro/?utm_source=x"

	first, err := r.Resolve(ctx, record(url, map[string]string{model.FieldMake: "Chevrolet", model.FieldModel: "Camaro"}), url)
	require.NoError(t, err)
	require.True(t, first.IsNew)

	second, err := r.Resolve(ctx, record(url, map[string]string{model.FieldVIN: vinA, model.FieldMake: "Chevrolet"}),
		"https://dealer.example.com/inventory/1969-camaro")
	require.NoError(t, err)
	assert.Equal(t, MatchURL, second.MatchedBy)
	assert.Equal(t, first.EntityID, second.EntityID)

	e, err := s.GetEntity(ctx, first.EntityID)
	require.NoError(t, err)
	assert.Equal(t, vinA, e.VIN)
	assert.Equal(t, "https://dealer.example.com/inventory/1969-camaro", e.DiscoveryURL)
}

func TestResolve_URLEntityMergedIntoVINHolder(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)

	older := &model.Entity{VIN: vinA, DiscoveryURL: "https://a.example.com/1", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.CreateEntity(ctx, older))
	newer := &model.Entity{DiscoveryURL: "https://b.example.com/2", CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.CreateEntity(ctx, newer))

	res, err := r.Resolve(ctx, record("https://b.example.com/2", map[string]string{model.FieldVIN: vinA, model.FieldMake: "Chevrolet"}),
		"https://b.example.com/2")
	require.NoError(t, err)
	assert.Equal(t, older.ID, res.EntityID)
	assert.Equal(t, newer.ID, res.MergedEntityID)

	loser, err := s.GetEntity(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, loser.MergedInto)

	byURL, err := s.FindEntityByDiscoveryURL(ctx, "https://b.example.com/2")
	require.NoError(t, err)
	assert.Equal(t, older.ID, byURL.ID, "merged discovery urls follow the survivor")
}

func TestResolve_IdentityLocked(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)

	verified := &model.Entity{VIN: vinA, DiscoveryURL: "https://owner.example.com/1"}
	require.NoError(t, s.CreateEntity(ctx, verified))
	require.NoError(t, s.SetOwnershipVerified(ctx, verified.ID, true))
	other := &model.Entity{DiscoveryURL: "https://b.example.com/2"}
	require.NoError(t, s.CreateEntity(ctx, other))

	res, err := r.Resolve(ctx, record("https://b.example.com/2", map[string]string{model.FieldVIN: vinA, model.FieldMake: "Chevrolet"}),
		"https://b.example.com/2")
	require.NoError(t, err)
	assert.True(t, res.IdentityLocked)
	assert.Equal(t, verified.ID, res.EntityID)
	assert.Empty(t, res.MergedEntityID)

	untouched, err := s.GetEntity(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, untouched.MergedInto, "locked identities are never merged automatically")
}

func TestResolve_InventoryMatch(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)
	seller := model.Seller{Name: "Classic Motors LLC", Website: "https://www.classicmotors.example.com", City: "Austin", State: "Texas"}

	rec := record("https://classicmotors.example.com/inv/1", map[string]string{
		model.FieldYear: "1969", model.FieldMake: "Chevrolet", model.FieldModel: "Camaro",
	})
	rec.Seller = seller
	first, err := r.Resolve(ctx, rec, rec.URL)
	require.NoError(t, err)
	require.NotEmpty(t, first.OrganizationID)
	for _, f := range []string{model.FieldYear, model.FieldMake, model.FieldModel} {
		_, err := s.RecordObservation(ctx, model.FieldProvenance{
			EntityID: first.EntityID, FieldName: f, Value: rec.Get(f),
			SourceKind: model.SourceStructuredListing, Confidence: 0.9,
		}, acceptAll)
		require.NoError(t, err)
	}

	// Same car relisted under a new URL on the same dealer site.
	again := record("https://classicmotors.example.com/inv/1-relisted", map[string]string{
		model.FieldYear: "1969", model.FieldMake: "Chevrolet", model.FieldModel: "camaro", model.FieldVIN: vinB,
	})
	again.Seller = seller
	second, err := r.Resolve(ctx, again, again.URL)
	require.NoError(t, err)
	assert.Equal(t, MatchInventory, second.MatchedBy)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, first.OrganizationID, second.OrganizationID)

	e, err := s.GetEntity(ctx, first.EntityID)
	require.NoError(t, err)
	assert.Equal(t, vinB, e.VIN)

	// A third listing with a different VIN is a different car.
	third := record("https://classicmotors.example.com/inv/2", map[string]string{
		model.FieldYear: "1969", model.FieldMake: "Chevrolet", model.FieldModel: "Camaro", model.FieldVIN: vinA,
	})
	third.Seller = seller
	res, err := r.Resolve(ctx, third, third.URL)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}

func TestResolve_RelationshipSwitchesToSold(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)
	seller := model.Seller{Website: "dealer.example.com"}

	rec := record("https://dealer.example.com/1", map[string]string{model.FieldVIN: vinA, model.FieldMake: "Chevrolet"})
	rec.Seller = seller
	first, err := r.Resolve(ctx, rec, rec.URL)
	require.NoError(t, err)

	sold := record("https://dealer.example.com/1", map[string]string{
		model.FieldVIN: vinA, model.FieldMake: "Chevrolet", model.FieldListingStatus: "Sold",
	})
	sold.Seller = seller
	_, err = r.Resolve(ctx, sold, sold.URL)
	require.NoError(t, err)

	rels, err := s.ListRelationships(ctx, first.EntityID)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	current := 0
	for _, rel := range rels {
		if rel.IsCurrent {
			current++
			assert.Equal(t, model.RelSold, rel.Kind)
		}
	}
	assert.Equal(t, 1, current)
}

func TestResolve_IdentityInvalid(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	_, err := r.Resolve(ctx, record("", map[string]string{model.FieldVIN: vinA}), "ftp://nope")
	require.Error(t, err)
	assert.Equal(t, resilience.KindIdentityInvalid, resilience.KindOf(err))

	_, err = r.Resolve(ctx, record("https://x.example.com/1", map[string]string{model.FieldColor: "Red"}), "https://x.example.com/1")
	require.Error(t, err)
	assert.Equal(t, resilience.KindIdentityInvalid, resilience.KindOf(err))
	assert.False(t, resilience.Retryable(err))
}

func TestResolveOrganization(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	org, err := r.ResolveOrganization(ctx, model.Seller{Name: "Classic Motors, LLC", Website: "https://www.classicmotors.example.com/about", City: "Austin", State: "TX"})
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "classicmotors.example.com", org.Website)
	assert.Equal(t, "classic motors", org.NormalizedName)

	byWebsite, err := r.ResolveOrganization(ctx, model.Seller{Website: "classicmotors.example.com"})
	require.NoError(t, err)
	assert.Equal(t, org.ID, byWebsite.ID)

	byName, err := r.ResolveOrganization(ctx, model.Seller{Name: "Classic Motors Inc.", City: "austin", State: "Texas"})
	require.NoError(t, err)
	assert.Equal(t, org.ID, byName.ID)

	elsewhere, err := r.ResolveOrganization(ctx, model.Seller{Name: "Classic Motors", City: "Dallas", State: "TX"})
	require.NoError(t, err)
	assert.NotEqual(t, org.ID, elsewhere.ID)

	otherSite, err := r.ResolveOrganization(ctx, model.Seller{Name: "Classic Motors", Website: "classic-motors-austin.example.com", City: "Austin", State: "TX"})
	require.NoError(t, err)
	assert.NotEqual(t, org.ID, otherSite.ID, "a different website is a different seller")

	none, err := r.ResolveOrganization(ctx, model.Seller{City: "Austin"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestResolveOrganization_CitySpellings(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	org, err := r.ResolveOrganization(ctx, model.Seller{Name: "Gateway Classics", City: "St. Louis", State: "MO"})
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "St. Louis", org.City)
	assert.Equal(t, "saint louis", org.NormalizedCity)

	same, err := r.ResolveOrganization(ctx, model.Seller{Name: "Gateway Classics LLC", City: "Saint  Louis", State: "Missouri"})
	require.NoError(t, err)
	assert.Equal(t, org.ID, same.ID)
}

func TestMerge_OlderSurvives(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)

	older := &model.Entity{DiscoveryURL: "https://a.example.com/1", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := &model.Entity{DiscoveryURL: "https://b.example.com/1", CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.CreateEntity(ctx, older))
	require.NoError(t, s.CreateEntity(ctx, newer))

	survivor, err := r.Merge(ctx, newer.ID, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, survivor)

	_, err = r.Merge(ctx, "missing", older.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMerge_ReplaysBothLogs(t *testing.T) {
	ctx := context.Background()
	r, s := newTestResolver(t)
	cfg := consensus.NewDefaultConfig(0, 0)
	decide := func(cur *model.FieldState, p model.FieldProvenance) (bool, string) {
		return consensus.Decide(cfg, cur, p)
	}
	recordOnly := func(*model.FieldState, model.FieldProvenance) (bool, string) {
		return false, consensus.ReasonRecordOnly
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	older := &model.Entity{DiscoveryURL: "https://a.example.com/1", CreatedAt: base}
	newer := &model.Entity{DiscoveryURL: "https://b.example.com/1", CreatedAt: base.Add(24 * time.Hour)}
	require.NoError(t, s.CreateEntity(ctx, older))
	require.NoError(t, s.CreateEntity(ctx, newer))

	observe := func(entityID, field, value string, kind model.SourceKind, conf float64, at time.Time, fn model.AcceptFunc) {
		t.Helper()
		_, err := s.RecordObservation(ctx, model.FieldProvenance{
			EntityID: entityID, FieldName: field, Value: value,
			SourceKind: kind, Confidence: conf, ObservedAt: at,
		}, fn)
		require.NoError(t, err)
	}
	observe(older.ID, "color", "Red", model.SourceAIInference, 0.7, base, decide)
	observe(older.ID, model.FieldPrice, "25000", model.SourceStructuredListing, 0.9, base, decide)
	observe(newer.ID, "color", "Blue", model.SourceVerifiedDocument, 1.0, base.Add(time.Hour), decide)
	observe(newer.ID, model.FieldPrice, "99999", model.SourceVerifiedDocument, 1.0, base.Add(time.Hour), recordOnly)

	survivor, err := r.Merge(ctx, newer.ID, older.ID)
	require.NoError(t, err)
	require.Equal(t, older.ID, survivor)

	fields, err := s.CurrentFields(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "Blue", fields["color"].Value)
	assert.Equal(t, model.SourceVerifiedDocument, fields["color"].SourceKind)
	assert.Equal(t, "25000", fields[model.FieldPrice].Value, "recorded-only sighting stays out of the projection")
}

func TestRelationshipKind(t *testing.T) {
	tests := []struct {
		status string
		want   model.RelationshipKind
	}{
		{"", model.RelForSale},
		{"Available", model.RelForSale},
		{"SOLD", model.RelSold},
		{"Auction  Ended", model.RelSold},
		{"Consignment", model.RelConsigned},
	}
	for _, tt := range tests {
		rec := model.NewRecord("https://x", "generic")
		rec.Set(model.FieldListingStatus, tt.status, model.SourceStructuredListing, 0.9)
		assert.Equal(t, tt.want, relationshipKind(rec), tt.status)
	}
}
