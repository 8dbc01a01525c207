package consensus

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/store"
	"github.com/sells-group/listing-pipeline/internal/timeline"
)

func newTestEngine(t *testing.T) (*Engine, store.Store, string) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "consensus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))

	e := &model.Entity{DiscoveryURL: "https://dealer.example.com/inventory/1"}
	require.NoError(t, s.CreateEntity(context.Background(), e))

	return NewEngine(s, NewDefaultConfig(0.70, 0.80), timeline.NewRecorder(s)), s, e.ID
}

func TestEngine_ProposeUpdate(t *testing.T) {
	ctx := context.Background()
	eng, s, id := newTestEngine(t)

	res, err := eng.ProposeUpdate(ctx, Proposal{
		EntityID: id, Field: model.FieldPrice, Value: " 45000 ",
		SourceKind: model.SourceStructuredListing, SourceURL: "https://dealer.example.com/inventory/1", Confidence: 0.9,
	}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "45000", res.Record.Value)

	res, err = eng.ProposeUpdate(ctx, Proposal{
		EntityID: id, Field: model.FieldPrice, Value: "12",
		SourceKind: model.SourceAIInference, Confidence: 0.75,
	}, Options{})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonOutranked, res.Reason)

	cur, err := eng.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "45000", cur[model.FieldPrice].Value)

	recs, err := s.ListProvenance(ctx, id, model.FieldPrice)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "every proposal is logged")

	events, err := s.ListTimeline(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "only the accepted change is on the timeline")
	assert.Equal(t, model.EventFieldAccepted, events[0].Kind)
	assert.Equal(t, "price", events[0].Payload["field"])
}

func TestEngine_ProposeUpdate_Validation(t *testing.T) {
	ctx := context.Background()
	eng, _, id := newTestEngine(t)

	_, err := eng.ProposeUpdate(ctx, Proposal{EntityID: id, Field: "price", Value: "1", SourceKind: "rumor", Confidence: 0.9}, Options{})
	assert.Error(t, err)
	_, err = eng.ProposeUpdate(ctx, Proposal{EntityID: id, Field: "price", Value: "1", SourceKind: model.SourceFreeText, Confidence: 1.2}, Options{})
	assert.Error(t, err)
	_, err = eng.ProposeUpdate(ctx, Proposal{EntityID: id, Value: "1", SourceKind: model.SourceFreeText, Confidence: 0.9}, Options{})
	assert.Error(t, err)
	_, err = eng.ProposeUpdate(ctx, Proposal{EntityID: "missing", Field: "price", Value: "1", SourceKind: model.SourceFreeText, Confidence: 0.9}, Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_LockProtection(t *testing.T) {
	ctx := context.Background()
	eng, s, id := newTestEngine(t)

	ok, err := eng.ProposeField(ctx, id, model.FieldYear, "1969", model.SourceIdentifierDecode, "vin decode", true)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, eng.LockField(ctx, id, model.FieldYear))

	before, err := s.ListProvenance(ctx, id, model.FieldYear)
	require.NoError(t, err)

	ok, err = eng.ProposeField(ctx, id, model.FieldYear, "1970", model.SourceStructuredListing, "https://other.example.com/a", true)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := s.ListProvenance(ctx, id, model.FieldYear)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
	assert.Equal(t, ReasonLocked, after[len(after)-1].Reason)

	cur, err := eng.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1969", cur[model.FieldYear].Value)
	assert.True(t, cur[model.FieldYear].Locked)

	// A verified document is the one authority that may replace a locked value.
	ok, err = eng.ProposeField(ctx, id, model.FieldYear, "1970", model.SourceVerifiedDocument, "title scan", true)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, eng.UnlockField(ctx, id, model.FieldYear))
	cur, err = eng.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1970", cur[model.FieldYear].Value)
	assert.False(t, cur[model.FieldYear].Locked)
}

func TestEngine_ProposeField_RecordOnly(t *testing.T) {
	ctx := context.Background()
	eng, s, id := newTestEngine(t)

	ok, err := eng.ProposeField(ctx, id, model.FieldColor, "Hugger Orange", model.SourceStructuredListing, "listing", false)
	require.NoError(t, err)
	assert.False(t, ok)

	cur, err := eng.Current(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, cur, model.FieldColor)

	recs, err := s.ListProvenance(ctx, id, model.FieldColor)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonRecordOnly, recs[0].Reason)
	assert.Equal(t, 0.9, recs[0].Confidence)
}

func TestEngine_ProposeRecordAndReplay(t *testing.T) {
	ctx := context.Background()
	eng, _, id := newTestEngine(t)

	rec := model.NewRecord("https://dealer.example.com/inventory/1", "platform")
	rec.Set(model.FieldYear, "1969", model.SourceStructuredListing, 0.9)
	rec.Set(model.FieldMake, "Chevrolet", model.SourceStructuredListing, 0.9)
	rec.Set(model.FieldModel, "Camaro", model.SourceStructuredListing, 0.9)
	rec.Set(model.FieldColor, "Red", model.SourceAIInference, 0.5) // below threshold

	n, err := eng.ProposeRecord(ctx, id, rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	later := model.NewRecord("https://classifieds.example.com/x", "generic")
	later.Set(model.FieldModel, "Camaro SS", model.SourceFreeText, 0.95)
	later.Set(model.FieldMake, "Chevy", model.SourceAIInference, 0.7) // below critical threshold
	_, err = eng.ProposeRecord(ctx, id, later, Options{})
	require.NoError(t, err)

	current, err := eng.Current(ctx, id)
	require.NoError(t, err)
	replayed, err := eng.Replay(ctx, id)
	require.NoError(t, err)

	require.Len(t, replayed, len(current))
	for name, st := range current {
		assert.Equal(t, st.Value, replayed[name].Value, name)
		assert.Equal(t, st.SourceKind, replayed[name].SourceKind, name)
	}
	assert.Equal(t, "Camaro SS", current[model.FieldModel].Value)
	assert.Equal(t, "Chevrolet", current[model.FieldMake].Value)
}

func TestEngine_ReplayKeepsLockedValue(t *testing.T) {
	ctx := context.Background()
	eng, _, id := newTestEngine(t)

	_, err := eng.ProposeField(ctx, id, model.FieldMileage, "42000", model.SourceStructuredListing, "a", true)
	require.NoError(t, err)
	require.NoError(t, eng.LockField(ctx, id, model.FieldMileage))
	_, err = eng.ProposeField(ctx, id, model.FieldMileage, "43000", model.SourceStructuredListing, "b", true)
	require.NoError(t, err)

	replayed, err := eng.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "42000", replayed[model.FieldMileage].Value)
	assert.True(t, replayed[model.FieldMileage].Locked)
}

func TestEngine_ProposeUpdateAfterMerge(t *testing.T) {
	ctx := context.Background()
	eng, s, survivor := newTestEngine(t)

	loser := &model.Entity{DiscoveryURL: "https://auction.example.com/lot/3"}
	require.NoError(t, s.CreateEntity(ctx, loser))
	require.NoError(t, s.MergeEntities(ctx, loser.ID, survivor, ReplayFunc(eng.Config())))

	res, err := eng.ProposeUpdate(ctx, Proposal{
		EntityID: loser.ID, Field: model.FieldPrice, Value: "25000",
		SourceKind: model.SourceStructuredListing, Confidence: 0.9,
	}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, survivor, res.Record.EntityID)

	cur, err := eng.Current(ctx, survivor)
	require.NoError(t, err)
	assert.Equal(t, "25000", cur[model.FieldPrice].Value)

	events, err := s.ListTimeline(ctx, survivor, 0)
	require.NoError(t, err)
	kinds := make([]model.TimelineKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, model.EventFieldAccepted)
}
