package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// setClock pins the store clock for the rest of the test.
func setClock(t *testing.T, ts time.Time) {
	t.Helper()
	orig := nowUTC
	nowUTC = func() time.Time { return ts }
	t.Cleanup(func() { nowUTC = orig })
}

func acceptAll(_ *model.FieldState, _ model.FieldProvenance) (bool, string) {
	return true, "accepted"
}

func keepFirst(current *model.FieldState, _ model.FieldProvenance) (bool, string) {
	return !current.HasValue(), "first value"
}

func higherConfidence(current *model.FieldState, p model.FieldProvenance) (bool, string) {
	return !current.HasValue() || p.Confidence >= current.Confidence, "confidence"
}

func rejectAll(_ *model.FieldState, _ model.FieldProvenance) (bool, string) {
	return false, "below threshold"
}

func claimReq(worker string, batch int) model.ClaimRequest {
	return model.ClaimRequest{
		BatchSize:   batch,
		MaxAttempts: 5,
		WorkerID:    worker,
		LeaseTTL:    5 * time.Minute,
	}
}

func enqueueURLs(t *testing.T, s Store, urls ...string) {
	t.Helper()
	reqs := make([]model.EnqueueRequest, len(urls))
	for i, u := range urls {
		reqs[i] = model.EnqueueRequest{SourceURL: u}
	}
	_, err := s.Enqueue(context.Background(), reqs, 5)
	require.NoError(t, err)
}

func createEntity(t *testing.T, s Store, url, vin string) *model.Entity {
	t.Helper()
	e := &model.Entity{DiscoveryURL: url, VIN: vin}
	require.NoError(t, s.CreateEntity(context.Background(), e))
	return e
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("EnqueueDedupes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.Enqueue(ctx, []model.EnqueueRequest{
			{SourceURL: "https://dealer.com/cars/1", RawHints: map[string]string{"year": "1969"}},
			{SourceURL: "https://dealer.com/cars/2", Source: "dealer"},
			{SourceURL: "https://dealer.com/cars/1"},
		}, 5)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Enqueue(ctx, []model.EnqueueRequest{{SourceURL: "https://dealer.com/cars/2"}}, 5)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		items, err := s.ListQueueItems(ctx, model.QueueFilter{Source: "dealer"})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "https://dealer.com/cars/2", items[0].SourceURL)
		assert.Equal(t, model.QueuePending, items[0].Status)
		assert.Equal(t, 5, items[0].MaxAttempts)

		all, err := s.ListQueueItems(ctx, model.QueueFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		for _, it := range all {
			if it.SourceURL == "https://dealer.com/cars/1" {
				assert.Equal(t, "1969", it.RawHints["year"])
			}
		}
	})

	t.Run("ClaimOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 3; i++ {
			setClock(t, base.Add(time.Duration(i)*time.Second))
			enqueueURLs(t, s, fmt.Sprintf("https://dealer.com/cars/%d", i))
		}
		setClock(t, base.Add(time.Minute))

		items, err := s.ClaimBatch(ctx, claimReq("w1", 2))
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "https://dealer.com/cars/0", items[0].SourceURL)
		assert.Equal(t, "https://dealer.com/cars/1", items[1].SourceURL)
		for _, it := range items {
			assert.Equal(t, model.QueueProcessing, it.Status)
			assert.Equal(t, "w1", it.LockedBy)
			assert.Equal(t, 1, it.Attempts)
			require.NotNil(t, it.LockedUntil)
			assert.True(t, it.LockedUntil.Equal(base.Add(time.Minute+5*time.Minute)))
		}

		rest, err := s.ClaimBatch(ctx, claimReq("w2", 10))
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "https://dealer.com/cars/2", rest[0].SourceURL)

		none, err := s.ClaimBatch(ctx, claimReq("w3", 10))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ClaimSkipsFutureAndFiltersSource", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Enqueue(ctx, []model.EnqueueRequest{
			{SourceURL: "https://a.com/1", Source: "auction"},
			{SourceURL: "https://d.com/1", Source: "dealer"},
		}, 5)
		require.NoError(t, err)

		req := claimReq("w1", 10)
		req.Source = "auction"
		items, err := s.ClaimBatch(ctx, req)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "auction", items[0].Source)

		require.NoError(t, s.ReleaseItem(ctx, items[0].ID, "w1", time.Now().Add(time.Hour), "timeout"))
		items, err = s.ClaimBatch(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, items, "next_attempt_at in the future")
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		enqueueURLs(t, s, "https://dealer.com/cars/1")

		req := claimReq("w1", 1)
		req.LeaseTTL = -time.Second
		first, err := s.ClaimBatch(ctx, req)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := s.ClaimBatch(ctx, claimReq("w2", 1))
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, first[0].ID, second[0].ID)
		assert.Equal(t, 2, second[0].Attempts)
		assert.Equal(t, "w2", second[0].LockedBy)

		err = s.CompleteItem(ctx, first[0].ID, "w1", model.QueueComplete, "")
		assert.True(t, errors.Is(err, ErrLeaseLost))
		require.NoError(t, s.CompleteItem(ctx, second[0].ID, "w2", model.QueueComplete, ""))
	})

	t.Run("MaxAttemptsFloor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Enqueue(ctx, []model.EnqueueRequest{{SourceURL: "https://x.com/1", MaxAttempts: 1}}, 5)
		require.NoError(t, err)

		req := claimReq("w1", 1)
		req.MaxAttempts = 1
		items, err := s.ClaimBatch(ctx, req)
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.NoError(t, s.ReleaseItem(ctx, items[0].ID, "w1", time.Now().Add(-time.Second), "boom"))

		items, err = s.ClaimBatch(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, items)

		req.MaxAttempts = 3
		items, err = s.ClaimBatch(ctx, req)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 2, items[0].Attempts)
	})

	t.Run("FinalizeAndRequeue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		enqueueURLs(t, s, "https://x.com/1", "https://x.com/2")

		items, err := s.ClaimBatch(ctx, claimReq("w1", 2))
		require.NoError(t, err)
		require.Len(t, items, 2)

		e := createEntity(t, s, "https://x.com/1", "")
		require.NoError(t, s.CompleteItem(ctx, items[0].ID, "w1", model.QueueComplete, e.ID))
		require.NoError(t, s.FailItem(ctx, items[1].ID, "w1", "identity invalid"))

		got, err := s.GetQueueItem(ctx, items[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.QueueComplete, got.Status)
		assert.Equal(t, e.ID, got.ResultEntityID)
		assert.Empty(t, got.LockedBy)
		assert.NotNil(t, got.ProcessedAt)

		failed, err := s.GetQueueItem(ctx, items[1].ID)
		require.NoError(t, err)
		assert.Equal(t, model.QueueFailed, failed.Status)
		assert.Equal(t, "identity invalid", failed.ErrorMessage)

		// Terminal items are never claimed.
		none, err := s.ClaimBatch(ctx, claimReq("w2", 10))
		require.NoError(t, err)
		assert.Empty(t, none)

		requeued, err := s.RequeueItem(ctx, failed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.QueuePending, requeued.Status)
		assert.Equal(t, 1, requeued.Attempts)
		assert.GreaterOrEqual(t, requeued.MaxAttempts, requeued.Attempts+1)

		_, err = s.RequeueItem(ctx, failed.ID)
		assert.True(t, errors.Is(err, ErrNotRequeueable))

		_, err = s.RequeueItem(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))

		err = s.CompleteItem(ctx, items[0].ID, "w1", model.QueueFailed, "")
		assert.Error(t, err)
	})

	t.Run("SweepExpiredFinalAttempt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Enqueue(ctx, []model.EnqueueRequest{{SourceURL: "https://x.com/1", MaxAttempts: 1}}, 5)
		require.NoError(t, err)

		req := claimReq("w1", 1)
		req.MaxAttempts = 1
		req.LeaseTTL = -time.Second
		items, err := s.ClaimBatch(ctx, req)
		require.NoError(t, err)
		require.Len(t, items, 1)

		n, err := s.SweepExpired(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetQueueItem(ctx, items[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.QueueFailed, got.Status)
		assert.Equal(t, leaseExpiredMessage, got.ErrorMessage)
	})

	t.Run("QueueStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		enqueueURLs(t, s, "https://x.com/1", "https://x.com/2", "https://x.com/3")

		items, err := s.ClaimBatch(ctx, claimReq("w1", 1))
		require.NoError(t, err)
		require.Len(t, items, 1)

		stats, err := s.QueueStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 1, stats.Processing)
		assert.Equal(t, 3, stats.Total())
		assert.NotNil(t, stats.OldestPending)
	})

	t.Run("EntityIdentity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e := createEntity(t, s, "https://dealer.com/cars/1", "1GCEK14T1PZ123456")
		assert.Equal(t, model.EntityPending, e.Status)

		found, err := s.FindEntityByVIN(ctx, "1GCEK14T1PZ123456")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, e.ID, found.ID)

		missing, err := s.FindEntityByVIN(ctx, "1HGCM82633A004352")
		require.NoError(t, err)
		assert.Nil(t, missing)

		err = s.CreateEntity(ctx, &model.Entity{DiscoveryURL: "https://other.com/1", VIN: "1GCEK14T1PZ123456"})
		assert.True(t, errors.Is(err, ErrConflict))

		err = s.CreateEntity(ctx, &model.Entity{DiscoveryURL: "https://dealer.com/cars/1"})
		assert.True(t, errors.Is(err, ErrConflict))

		other := createEntity(t, s, "https://other.com/2", "")
		err = s.SetEntityVIN(ctx, other.ID, "1GCEK14T1PZ123456")
		assert.True(t, errors.Is(err, ErrConflict))
		require.NoError(t, s.SetEntityVIN(ctx, other.ID, "1HGCM82633A004352"))
		err = s.SetEntityVIN(ctx, other.ID, "2HGCM82633A004352")
		assert.True(t, errors.Is(err, ErrConflict))

		_, err = s.GetEntity(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("PublishNeverDemotes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")

		ok, err := s.PublishEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.PublishEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, model.EntityActive, got.Status)
		assert.NotNil(t, got.PublishedAt)
	})

	t.Run("ObservationsProjectAcceptedValues", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")

		rec, err := s.RecordObservation(ctx, model.FieldProvenance{
			EntityID: e.ID, FieldName: model.FieldPrice, Value: "45000",
			SourceKind: model.SourceStructuredListing, Confidence: 0.9,
		}, acceptAll)
		require.NoError(t, err)
		assert.True(t, rec.Accepted)
		assert.NotEmpty(t, rec.ID)

		var seen *model.FieldState
		_, err = s.RecordObservation(ctx, model.FieldProvenance{
			EntityID: e.ID, FieldName: model.FieldPrice, Value: "1",
			SourceKind: model.SourceAIInference, Confidence: 0.2,
		}, func(current *model.FieldState, p model.FieldProvenance) (bool, string) {
			seen = current
			return rejectAll(current, p)
		})
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, "45000", seen.Value)
		assert.Equal(t, model.SourceStructuredListing, seen.SourceKind)

		fields, err := s.CurrentFields(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "45000", fields[model.FieldPrice].Value)

		log, err := s.ListProvenance(ctx, e.ID, model.FieldPrice)
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.True(t, log[0].Accepted)
		assert.False(t, log[1].Accepted)
		assert.Equal(t, "below threshold", log[1].Reason)

		_, err = s.RecordObservation(ctx, model.FieldProvenance{EntityID: "missing", FieldName: "year"}, acceptAll)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("FieldLockVisibleToDecider", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")

		require.NoError(t, s.SetFieldLock(ctx, e.ID, model.FieldMileage, true))

		var seen *model.FieldState
		_, err := s.RecordObservation(ctx, model.FieldProvenance{
			EntityID: e.ID, FieldName: model.FieldMileage, Value: "42000",
			SourceKind: model.SourceStructuredListing, Confidence: 0.9,
		}, func(current *model.FieldState, p model.FieldProvenance) (bool, string) {
			seen = current
			return false, "locked"
		})
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.True(t, seen.Locked)
		assert.False(t, seen.HasValue())

		fields, err := s.CurrentFields(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, fields[model.FieldMileage].Locked)
		assert.Empty(t, fields[model.FieldMileage].Value)
	})

	t.Run("ConcurrentObservationsSerialize", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.RecordObservation(ctx, model.FieldProvenance{
					EntityID: e.ID, FieldName: model.FieldColor, Value: fmt.Sprintf("color-%d", i),
					SourceKind: model.SourceFreeText, Confidence: 0.8,
				}, func(current *model.FieldState, _ model.FieldProvenance) (bool, string) {
					return current == nil, "first wins"
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		log, err := s.ListProvenance(ctx, e.ID, "")
		require.NoError(t, err)
		require.Len(t, log, 10)
		accepted := 0
		for _, p := range log {
			if p.Accepted {
				accepted++
			}
		}
		assert.Equal(t, 1, accepted)
	})

	t.Run("OrganizationsAndRelationships", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		org := &model.Organization{
			Name: "Classic Motors", NormalizedName: "classic", Website: "classicmotors.com",
			City: "Austin", NormalizedCity: "austin", State: "TX",
		}
		require.NoError(t, s.CreateOrganization(ctx, org))
		err := s.CreateOrganization(ctx, &model.Organization{Name: "Dup", Website: "classicmotors.com"})
		assert.True(t, errors.Is(err, ErrConflict))

		byWeb, err := s.FindOrganizationByWebsite(ctx, "classicmotors.com")
		require.NoError(t, err)
		require.NotNil(t, byWeb)
		assert.Equal(t, org.ID, byWeb.ID)

		local, err := s.ListOrganizationsByLocality(ctx, "austin", "TX")
		require.NoError(t, err)
		require.Len(t, local, 1)

		e := createEntity(t, s, "https://classicmotors.com/inventory/1", "")

		changed, err := s.UpsertRelationship(ctx, org.ID, e.ID, model.RelForSale)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.UpsertRelationship(ctx, org.ID, e.ID, model.RelForSale)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = s.UpsertRelationship(ctx, org.ID, e.ID, model.RelSold)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.UpsertRelationship(ctx, org.ID, e.ID, model.RelServiced)
		require.NoError(t, err)
		assert.True(t, changed)

		rels, err := s.ListRelationships(ctx, e.ID)
		require.NoError(t, err)
		require.Len(t, rels, 3)
		current := map[string]model.RelationshipKind{}
		for _, r := range rels {
			if r.IsCurrent {
				current[r.Family] = r.Kind
			} else {
				assert.NotNil(t, r.RetiredAt)
			}
		}
		assert.Equal(t, map[string]model.RelationshipKind{
			"listing": model.RelSold,
			"service": model.RelServiced,
		}, current)
	})

	t.Run("InventoryMatches", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		org := &model.Organization{Name: "Classic Motors", NormalizedName: "classic", City: "Austin", State: "TX"}
		require.NoError(t, s.CreateOrganization(ctx, org))
		e := createEntity(t, s, "https://classicmotors.com/inventory/1", "")
		_, err := s.UpsertRelationship(ctx, org.ID, e.ID, model.RelForSale)
		require.NoError(t, err)
		for field, value := range map[string]string{"year": "1969", "make": "Chevrolet", "model": "Camaro SS"} {
			_, err := s.RecordObservation(ctx, model.FieldProvenance{
				EntityID: e.ID, FieldName: field, Value: value,
				SourceKind: model.SourceStructuredListing, Confidence: 0.9,
			}, acceptAll)
			require.NoError(t, err)
		}

		matches, err := s.FindInventoryMatches(ctx, org.ID, InventoryMatch{Year: "1969", Make: "Chevrolet", Model: "camaro ss"})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, e.ID, matches[0].ID)

		matches, err = s.FindInventoryMatches(ctx, org.ID, InventoryMatch{Year: "1970", Make: "Chevrolet", Model: "Camaro SS"})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("MediaLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")

		n, err := s.RegisterMedia(ctx, e.ID, []string{"https://img.com/a.jpg", "https://img.com/b.jpg", "https://img.com/a.jpg"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = s.RegisterMedia(ctx, e.ID, []string{"https://img.com/b.jpg", "https://img.com/c.jpg"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		claimed, err := s.ClaimPendingMedia(ctx, e.ID, 2, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, 0, claimed[0].Position)
		assert.Equal(t, 1, claimed[1].Position)
		assert.Equal(t, model.MediaUploading, claimed[0].Status)

		require.NoError(t, s.MarkMediaStored(ctx, claimed[1].ID, "/media/b.jpg"))
		require.NoError(t, s.MarkMediaFailed(ctx, claimed[0].ID, "404", 3))
		require.NoError(t, s.EnsurePrimaryMedia(ctx, e.ID))

		assets, err := s.ListMedia(ctx, e.ID)
		require.NoError(t, err)
		require.Len(t, assets, 3)
		assert.Equal(t, model.MediaPending, assets[0].Status)
		assert.Equal(t, "404", assets[0].Error)
		assert.True(t, assets[1].IsPrimary)

		// a and c are pending again.
		claimed, err = s.ClaimPendingMedia(ctx, e.ID, 24, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.NoError(t, s.MarkMediaStored(ctx, claimed[1].ID, "/media/c.jpg"))
		require.NoError(t, s.SetPrimaryMedia(ctx, e.ID, claimed[1].ID))

		err = s.SetPrimaryMedia(ctx, e.ID, claimed[0].ID)
		assert.Error(t, err, "uploading asset cannot be primary")

		assets, err = s.ListMedia(ctx, e.ID)
		require.NoError(t, err)
		primaries := 0
		for _, a := range assets {
			if a.IsPrimary {
				primaries++
				assert.Equal(t, "/media/c.jpg", a.StoredURL)
			}
		}
		assert.Equal(t, 1, primaries)
	})

	t.Run("MediaFailsAfterMaxAttempts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")
		_, err := s.RegisterMedia(ctx, e.ID, []string{"https://img.com/a.jpg"})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			claimed, err := s.ClaimPendingMedia(ctx, e.ID, 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			require.NoError(t, s.MarkMediaFailed(ctx, claimed[0].ID, "timeout", 3))
		}
		claimed, err := s.ClaimPendingMedia(ctx, e.ID, 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		assets, err := s.ListMedia(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MediaFailed, assets[0].Status)
		assert.Equal(t, 3, assets[0].Attempts)
	})

	t.Run("StaleUploadReclaimed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")
		_, err := s.RegisterMedia(ctx, e.ID, []string{"https://img.com/a.jpg"})
		require.NoError(t, err)

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		setClock(t, base)
		claimed, err := s.ClaimPendingMedia(ctx, e.ID, 1, 10*time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		setClock(t, base.Add(5*time.Minute))
		again, err := s.ClaimPendingMedia(ctx, e.ID, 1, 10*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again)

		setClock(t, base.Add(11*time.Minute))
		again, err = s.ClaimPendingMedia(ctx, e.ID, 1, 10*time.Minute)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, 2, again[0].Attempts)
	})

	t.Run("MergeRepointsEverything", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		survivor := createEntity(t, s, "https://dealer.com/cars/1", "")
		loser := createEntity(t, s, "https://auction.com/lot/9", "1GCEK14T1PZ123456")

		for _, obs := range []model.FieldProvenance{
			{EntityID: survivor.ID, FieldName: "year", Value: "1993"},
			{EntityID: loser.ID, FieldName: "year", Value: "1994"},
			{EntityID: loser.ID, FieldName: "mileage", Value: "88000"},
		} {
			obs.SourceKind = model.SourceStructuredListing
			obs.Confidence = 0.9
			_, err := s.RecordObservation(ctx, obs, acceptAll)
			require.NoError(t, err)
		}
		_, err := s.RegisterMedia(ctx, loser.ID, []string{"https://img.com/l.jpg"})
		require.NoError(t, err)
		require.NoError(t, s.AppendTimeline(ctx, &model.TimelineEvent{EntityID: loser.ID, Kind: model.EventDiscovered}))

		require.NoError(t, s.MergeEntities(ctx, loser.ID, survivor.ID, keepFirst))

		got, err := s.GetEntity(ctx, survivor.ID)
		require.NoError(t, err)
		assert.Equal(t, "1GCEK14T1PZ123456", got.VIN)

		gone, err := s.GetEntity(ctx, loser.ID)
		require.NoError(t, err)
		assert.Equal(t, survivor.ID, gone.MergedInto)
		assert.Empty(t, gone.VIN)

		byURL, err := s.FindEntityByDiscoveryURL(ctx, "https://auction.com/lot/9")
		require.NoError(t, err)
		require.NotNil(t, byURL)
		assert.Equal(t, survivor.ID, byURL.ID)

		byVIN, err := s.FindEntityByVIN(ctx, "1GCEK14T1PZ123456")
		require.NoError(t, err)
		require.NotNil(t, byVIN)
		assert.Equal(t, survivor.ID, byVIN.ID)

		fields, err := s.CurrentFields(ctx, survivor.ID)
		require.NoError(t, err)
		assert.Equal(t, "1993", fields["year"].Value, "survivor keeps its value")
		assert.Equal(t, "88000", fields["mileage"].Value, "survivor gains missing fields")

		log, err := s.ListProvenance(ctx, survivor.ID, "")
		require.NoError(t, err)
		assert.Len(t, log, 3)

		media, err := s.ListMedia(ctx, survivor.ID)
		require.NoError(t, err)
		assert.Len(t, media, 1)

		events, err := s.ListTimeline(ctx, survivor.ID, 0)
		require.NoError(t, err)
		kinds := make([]model.TimelineKind, 0, len(events))
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
		assert.Contains(t, kinds, model.EventDiscovered)
		assert.Contains(t, kinds, model.EventMerged)

		err = s.MergeEntities(ctx, loser.ID, survivor.ID, keepFirst)
		assert.Error(t, err, "already merged")
	})

	t.Run("MergeReprojectsCombinedLog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		survivor := createEntity(t, s, "https://dealer.com/cars/1", "")
		loser := createEntity(t, s, "https://auction.com/lot/9", "")

		for _, obs := range []model.FieldProvenance{
			{EntityID: survivor.ID, FieldName: "color", Value: "Red", Confidence: 0.7, ObservedAt: base},
			{EntityID: survivor.ID, FieldName: "trim", Value: "LS", Confidence: 0.6, ObservedAt: base},
			{EntityID: survivor.ID, FieldName: "mileage", Value: "90000", Confidence: 1.0, ObservedAt: base},
			{EntityID: loser.ID, FieldName: "color", Value: "Blue", Confidence: 1.0, ObservedAt: base.Add(time.Hour)},
			{EntityID: loser.ID, FieldName: "trim", Value: "LT", Confidence: 1.0, ObservedAt: base.Add(time.Hour)},
			{EntityID: loser.ID, FieldName: "mileage", Value: "88000", Confidence: 0.5, ObservedAt: base.Add(time.Hour)},
		} {
			obs.SourceKind = model.SourceStructuredListing
			_, err := s.RecordObservation(ctx, obs, higherConfidence)
			require.NoError(t, err)
		}
		require.NoError(t, s.SetFieldLock(ctx, survivor.ID, "trim", true))
		require.NoError(t, s.SetFieldLock(ctx, loser.ID, "mileage", true))

		require.NoError(t, s.MergeEntities(ctx, loser.ID, survivor.ID, higherConfidence))

		fields, err := s.CurrentFields(ctx, survivor.ID)
		require.NoError(t, err)
		assert.Equal(t, "Blue", fields["color"].Value, "stronger loser value wins")
		assert.InDelta(t, 1.0, fields["color"].Confidence, 1e-9)
		assert.Equal(t, "LS", fields["trim"].Value, "survivor lock holds")
		assert.True(t, fields["trim"].Locked)
		assert.Equal(t, "88000", fields["mileage"].Value, "loser lock carries over")
		assert.True(t, fields["mileage"].Locked)

		left, err := s.CurrentFields(ctx, loser.ID)
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("WritesToMergedEntity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := createEntity(t, s, "https://a.com/1", "")
		b := createEntity(t, s, "https://b.com/1", "")
		require.NoError(t, s.MergeEntities(ctx, b.ID, a.ID, keepFirst))

		rec, err := s.RecordObservation(ctx, model.FieldProvenance{
			EntityID: b.ID, FieldName: "price", Value: "25000",
			SourceKind: model.SourceStructuredListing, Confidence: 0.9,
		}, acceptAll)
		require.NoError(t, err)
		assert.Equal(t, a.ID, rec.EntityID)

		fields, err := s.CurrentFields(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "25000", fields["price"].Value)
		left, err := s.CurrentFields(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, left)

		_, err = s.RegisterMedia(ctx, b.ID, []string{"https://img.com/late.jpg"})
		assert.True(t, errors.Is(err, ErrConflict))
		_, err = s.RegisterMedia(ctx, "ghost", []string{"https://img.com/late.jpg"})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("MergeRefusesConflictingVINs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := createEntity(t, s, "https://a.com/1", "1GCEK14T1PZ123456")
		b := createEntity(t, s, "https://b.com/1", "1HGCM82633A004352")

		err := s.MergeEntities(ctx, b.ID, a.ID, keepFirst)
		assert.True(t, errors.Is(err, ErrConflict))

		got, err := s.GetEntity(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, got.MergedInto)
	})

	t.Run("TimelineOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEntity(t, s, "https://dealer.com/cars/1", "")
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.AppendTimeline(ctx, &model.TimelineEvent{
			EntityID: e.ID, Kind: model.EventSighting, OccurredAt: base.Add(time.Hour),
			SourceURL: "https://b.com", Payload: map[string]any{"price": "45000"},
		}))
		require.NoError(t, s.AppendTimeline(ctx, &model.TimelineEvent{
			EntityID: e.ID, Kind: model.EventDiscovered, OccurredAt: base,
		}))

		events, err := s.ListTimeline(ctx, e.ID, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, model.EventDiscovered, events[0].Kind)
		assert.Equal(t, model.EventSighting, events[1].Kind)
		assert.Equal(t, "45000", events[1].Payload["price"])
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_ClaimExclusivity(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	const total = 40
	reqs := make([]model.EnqueueRequest, total)
	for i := range reqs {
		reqs[i] = model.EnqueueRequest{SourceURL: fmt.Sprintf("https://dealer.com/cars/%d", i)}
	}
	n, err := s.Enqueue(ctx, reqs, 5)
	require.NoError(t, err)
	require.Equal(t, total, n)

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				items, err := s.ClaimBatch(ctx, claimReq(worker, 3))
				if !assert.NoError(t, err) || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					if prev, dup := claimed[it.ID]; dup {
						t.Errorf("item %s claimed by %s and %s", it.ID, prev, worker)
					}
					claimed[it.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, total)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Ping(context.Background()))
}
