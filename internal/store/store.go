package store

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a write hits a uniqueness constraint
	// (VIN, discovery URL, organization website).
	ErrConflict = eris.New("store: unique conflict")
	// ErrLeaseLost is returned by queue finalizers when the item is no
	// longer locked by the calling worker.
	ErrLeaseLost = eris.New("store: lease lost")
	// ErrNotRequeueable is returned when requeueing a non-terminal item.
	ErrNotRequeueable = eris.New("store: item is not terminal")
)

// Store is the durable state of the pipeline. The database is the only
// synchronization point between workers.
type Store interface {
	QueueStore
	EntityStore
	FieldStore
	OrganizationStore
	MediaStore
	TimelineStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// QueueStore holds the work queue.
type QueueStore interface {
	Enqueue(ctx context.Context, reqs []model.EnqueueRequest, defaultMaxAttempts int) (int, error)
	ClaimBatch(ctx context.Context, req model.ClaimRequest) ([]model.QueueItem, error)
	CompleteItem(ctx context.Context, id, workerID string, status model.QueueStatus, entityID string) error
	ReleaseItem(ctx context.Context, id, workerID string, nextAttemptAt time.Time, errMsg string) error
	FailItem(ctx context.Context, id, workerID, errMsg string) error
	RequeueItem(ctx context.Context, id string) (*model.QueueItem, error)
	SweepExpired(ctx context.Context, maxAttempts int) (int, error)
	GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error)
	ListQueueItems(ctx context.Context, filter model.QueueFilter) ([]model.QueueItem, error)
	QueueStats(ctx context.Context) (*model.QueueStats, error)
}

// EntityStore holds canonical entities.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	FindEntityByVIN(ctx context.Context, vin string) (*model.Entity, error)
	FindEntityByDiscoveryURL(ctx context.Context, url string) (*model.Entity, error)
	FindInventoryMatches(ctx context.Context, orgID string, match InventoryMatch) ([]model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) error
	SetEntityVIN(ctx context.Context, id, vin string) error
	SetOwnershipVerified(ctx context.Context, id string, verified bool) error
	PublishEntity(ctx context.Context, id string) (bool, error)
	// MergeEntities folds loser into survivor. The survivor's unlocked
	// fields are rebuilt by replaying the combined provenance log through
	// decide; a nil decide trusts each record's accepted flag.
	MergeEntities(ctx context.Context, loserID, survivorID string, decide model.AcceptFunc) error
}

// FieldStore holds the provenance log and its materialized projection.
type FieldStore interface {
	RecordObservation(ctx context.Context, rec model.FieldProvenance, decide model.AcceptFunc) (model.FieldProvenance, error)
	CurrentFields(ctx context.Context, entityID string) (map[string]model.FieldState, error)
	ListProvenance(ctx context.Context, entityID, field string) ([]model.FieldProvenance, error)
	SetFieldLock(ctx context.Context, entityID, field string, locked bool) error
}

// OrganizationStore holds sellers and their relationships to entities.
type OrganizationStore interface {
	FindOrganizationByWebsite(ctx context.Context, website string) (*model.Organization, error)
	ListOrganizationsByLocality(ctx context.Context, normalizedCity, state string) ([]model.Organization, error)
	CreateOrganization(ctx context.Context, org *model.Organization) error
	UpsertRelationship(ctx context.Context, orgID, entityID string, kind model.RelationshipKind) (bool, error)
	ListRelationships(ctx context.Context, entityID string) ([]model.Relationship, error)
}

// MediaStore holds entity images and their upload state.
type MediaStore interface {
	RegisterMedia(ctx context.Context, entityID string, urls []string) (int, error)
	ClaimPendingMedia(ctx context.Context, entityID string, limit int, staleAfter time.Duration) ([]model.MediaAsset, error)
	MarkMediaStored(ctx context.Context, id, storedURL string) error
	MarkMediaFailed(ctx context.Context, id, errMsg string, maxAttempts int) error
	EnsurePrimaryMedia(ctx context.Context, entityID string) error
	SetPrimaryMedia(ctx context.Context, entityID, mediaID string) error
	ListMedia(ctx context.Context, entityID string) ([]model.MediaAsset, error)
}

// TimelineStore holds the append-only entity history.
type TimelineStore interface {
	AppendTimeline(ctx context.Context, ev *model.TimelineEvent) error
	ListTimeline(ctx context.Context, entityID string, limit int) ([]model.TimelineEvent, error)
}

// InventoryMatch selects entities in an organization's current listing
// inventory by year, make and model. Model comparison ignores case.
type InventoryMatch struct {
	Year  string
	Make  string
	Model string
}

// leaseExpiredMessage is recorded on items swept after their final attempt
// crashed while holding the lease.
const leaseExpiredMessage = "lease expired on final attempt"

// nowUTC is the store clock, truncated to the precision both backends keep.
var nowUTC = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

const defaultListLimit = 100

// maxMergeHops bounds how far a write follows merged_into. Merges re-point
// older tombstones, so live chains are one hop long.
const maxMergeHops = 4

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func sortMedia(assets []model.MediaAsset) {
	sort.SliceStable(assets, func(i, j int) bool {
		if assets[i].Position == assets[j].Position {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].Position < assets[j].Position
	})
}

// rebuildFields replays log in observation order over an empty projection.
// Fields present in locked keep their stored state.
func rebuildFields(log []model.FieldProvenance, locked map[string]model.FieldState, decide model.AcceptFunc) map[string]model.FieldState {
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].ObservedAt.Before(log[j].ObservedAt)
	})
	fields := make(map[string]model.FieldState, len(locked))
	for name, st := range locked {
		fields[name] = st
	}
	for _, rec := range log {
		if _, ok := locked[rec.FieldName]; ok {
			continue
		}
		var current *model.FieldState
		if st, ok := fields[rec.FieldName]; ok {
			current = &st
		}
		accepted := rec.Accepted
		if decide != nil {
			accepted, _ = decide(current, rec)
		}
		if !accepted {
			continue
		}
		fields[rec.FieldName] = model.FieldState{
			Value:      rec.Value,
			SourceKind: rec.SourceKind,
			SourceURL:  rec.SourceURL,
			Confidence: rec.Confidence,
			UpdatedAt:  rec.ObservedAt,
		}
	}
	return fields
}

// mergeLocks keeps the survivor's lock when both sides locked a field.
func mergeLocks(locked map[string]model.FieldState, entityID, survivorID, field string, st model.FieldState) {
	if _, seen := locked[field]; seen && entityID != survivorID {
		return
	}
	locked[field] = st
}
