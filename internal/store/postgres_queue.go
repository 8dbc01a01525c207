package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/db"
	"github.com/sells-group/listing-pipeline/internal/model"
)

const queueColumns = `id, source_url, source, status, attempts, max_attempts, locked_by, locked_until,
	next_attempt_at, raw_hint_fields, created_at, processed_at, error_message, result_entity_id`

// bulkEnqueueThreshold is the batch size above which Enqueue switches from
// per-row inserts to COPY through a temp table.
const bulkEnqueueThreshold = 50

func (s *PostgresStore) Enqueue(ctx context.Context, reqs []model.EnqueueRequest, defaultMaxAttempts int) (int, error) {
	reqs = dedupeRequests(reqs)
	if len(reqs) == 0 {
		return 0, nil
	}
	now := nowUTC()

	rows := make([][]any, 0, len(reqs))
	for _, r := range reqs {
		hints, err := marshalHints(r.RawHints)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal hints")
		}
		maxAttempts := r.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}
		rows = append(rows, []any{
			uuid.New().String(), r.SourceURL, r.Source, string(model.QueuePending),
			maxAttempts, hints, now, now, now,
		})
	}

	if len(rows) >= bulkEnqueueThreshold {
		n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertConfig{
			Table: "queue_items",
			Columns: []string{
				"id", "source_url", "source", "status", "max_attempts",
				"raw_hint_fields", "next_attempt_at", "created_at", "updated_at",
			},
			ConflictKeys: []string{"source_url"},
		}, rows)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: bulk enqueue")
		}
		return int(n), nil
	}

	inserted := 0
	for _, row := range rows {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO queue_items (id, source_url, source, status, max_attempts, raw_hint_fields, next_attempt_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (source_url) DO NOTHING`,
			row...,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "postgres: enqueue %s", row[1])
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ClaimBatch leases up to req.BatchSize claimable items in one statement.
// SKIP LOCKED keeps concurrent claimers from blocking on each other's rows.
func (s *PostgresStore) ClaimBatch(ctx context.Context, req model.ClaimRequest) ([]model.QueueItem, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}
	now := nowUTC()

	rows, err := s.pool.Query(ctx,
		`UPDATE queue_items q
		 SET status = 'processing', locked_by = $1, locked_until = $2,
		     attempts = q.attempts + 1, updated_at = $3
		 WHERE q.id IN (
		     SELECT id FROM queue_items
		     WHERE ((status = 'pending' AND next_attempt_at <= $3)
		         OR (status = 'processing' AND locked_until < $3))
		       AND attempts < GREATEST(max_attempts, $4)
		       AND ($5 = '' OR source = $5)
		     ORDER BY created_at, id
		     LIMIT $6
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+queueColumns,
		req.WorkerID, now.Add(req.LeaseTTL), now, req.MaxAttempts, req.Source, req.BatchSize,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim batch")
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim batch")
	}
	sortQueueItems(items)
	return items, nil
}

func (s *PostgresStore) CompleteItem(ctx context.Context, id, workerID string, status model.QueueStatus, entityID string) error {
	if status != model.QueueComplete && status != model.QueueSkipped {
		return eris.Errorf("postgres: complete item %s: invalid status %q", id, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items
		 SET status = $1, result_entity_id = $2, processed_at = $3, updated_at = $3,
		     locked_by = NULL, locked_until = NULL, error_message = NULL
		 WHERE id = $4 AND locked_by = $5 AND status = 'processing'`,
		string(status), pgText(entityID), nowUTC(), id, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete item %s", id)
	}
	return leaseCheck(tag.RowsAffected(), id)
}

func (s *PostgresStore) ReleaseItem(ctx context.Context, id, workerID string, nextAttemptAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items
		 SET status = 'pending', next_attempt_at = $1, error_message = $2, updated_at = $3,
		     locked_by = NULL, locked_until = NULL
		 WHERE id = $4 AND locked_by = $5 AND status = 'processing'`,
		nextAttemptAt.UTC(), pgText(errMsg), nowUTC(), id, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release item %s", id)
	}
	return leaseCheck(tag.RowsAffected(), id)
}

func (s *PostgresStore) FailItem(ctx context.Context, id, workerID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items
		 SET status = 'failed', error_message = $1, processed_at = $2, updated_at = $2,
		     locked_by = NULL, locked_until = NULL
		 WHERE id = $3 AND locked_by = $4 AND status = 'processing'`,
		pgText(errMsg), nowUTC(), id, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail item %s", id)
	}
	return leaseCheck(tag.RowsAffected(), id)
}

// RequeueItem resets a terminal item to pending. attempts is kept and
// max_attempts is raised so the item gets at least one more claim.
func (s *PostgresStore) RequeueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	now := nowUTC()
	row := s.pool.QueryRow(ctx,
		`UPDATE queue_items
		 SET status = 'pending', next_attempt_at = $1, updated_at = $1,
		     max_attempts = GREATEST(max_attempts, attempts + 1),
		     locked_by = NULL, locked_until = NULL, processed_at = NULL
		 WHERE id = $2 AND status IN ('complete', 'failed', 'skipped')
		 RETURNING `+queueColumns,
		now, id,
	)
	item, err := scanQueueItem(row)
	if noRows(err) {
		existing, getErr := s.GetQueueItem(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, eris.Wrapf(ErrNotRequeueable, "postgres: requeue item %s (status %s)", id, existing.Status)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: requeue item %s", id)
	}
	return item, nil
}

// SweepExpired fails items whose final attempt died while holding the lease.
// maxAttempts is the same floor ClaimBatch applies. Such items can never be
// claimed again, so they would otherwise sit in processing forever.
func (s *PostgresStore) SweepExpired(ctx context.Context, maxAttempts int) (int, error) {
	now := nowUTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items
		 SET status = 'failed', error_message = COALESCE(error_message, $1),
		     processed_at = $2, updated_at = $2, locked_by = NULL, locked_until = NULL
		 WHERE status = 'processing' AND locked_until < $2 AND attempts >= GREATEST(max_attempts, $3)`,
		leaseExpiredMessage, now, maxAttempts,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: sweep expired")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if noRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get queue item %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get queue item %s", id)
	}
	return item, nil
}

func (s *PostgresStore) ListQueueItems(ctx context.Context, filter model.QueueFilter) ([]model.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += ` AND status = $` + strconv.Itoa(argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.Source != "" {
		query += ` AND source = $` + strconv.Itoa(argN)
		args = append(args, filter.Source)
		argN++
	}
	query += ` ORDER BY created_at DESC, id LIMIT $` + strconv.Itoa(argN)
	args = append(args, listLimit(filter.Limit))
	argN++

	if filter.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queue items")
	}
	items, err := collectQueueItems(rows)
	return items, eris.Wrap(err, "postgres: list queue items")
}

func (s *PostgresStore) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*), min(created_at) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue stats")
	}
	defer rows.Close()

	stats := &model.QueueStats{}
	for rows.Next() {
		var (
			status string
			count  int64
			oldest *time.Time
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue stats")
		}
		addStat(stats, model.QueueStatus(status), int(count), oldest)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: queue stats iterate")
}

func collectQueueItems(rows pgx.Rows) ([]model.QueueItem, error) {
	defer rows.Close()
	var items []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanQueueItem(row pgx.Row) (*model.QueueItem, error) {
	var (
		item                       model.QueueItem
		status                     string
		lockedBy, errMsg, entityID *string
		hints                      []byte
	)
	err := row.Scan(
		&item.ID, &item.SourceURL, &item.Source, &status, &item.Attempts, &item.MaxAttempts,
		&lockedBy, &item.LockedUntil, &item.NextAttemptAt, &hints, &item.CreatedAt,
		&item.ProcessedAt, &errMsg, &entityID,
	)
	if err != nil {
		return nil, err
	}
	item.Status = model.QueueStatus(status)
	item.LockedBy = derefText(lockedBy)
	item.ErrorMessage = derefText(errMsg)
	item.ResultEntityID = derefText(entityID)
	if item.RawHints, err = unmarshalHints(hints); err != nil {
		return nil, eris.Wrapf(err, "unmarshal hints for %s", item.ID)
	}
	return &item, nil
}

// --- shared queue helpers ---

func dedupeRequests(reqs []model.EnqueueRequest) []model.EnqueueRequest {
	seen := make(map[string]bool, len(reqs))
	out := make([]model.EnqueueRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.SourceURL == "" || seen[r.SourceURL] {
			continue
		}
		seen[r.SourceURL] = true
		out = append(out, r)
	}
	return out
}

func marshalHints(hints map[string]string) ([]byte, error) {
	if len(hints) == 0 {
		return nil, nil
	}
	return json.Marshal(hints)
}

func unmarshalHints(data []byte) (map[string]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var hints map[string]string
	if err := json.Unmarshal(data, &hints); err != nil {
		return nil, err
	}
	return hints, nil
}

func sortQueueItems(items []model.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func leaseCheck(affected int64, id string) error {
	if affected == 0 {
		return eris.Wrapf(ErrLeaseLost, "queue item %s", id)
	}
	return nil
}

func addStat(stats *model.QueueStats, status model.QueueStatus, count int, oldest *time.Time) {
	switch status {
	case model.QueuePending:
		stats.Pending = count
		if oldest != nil {
			t := oldest.UTC()
			stats.OldestPending = &t
		}
	case model.QueueProcessing:
		stats.Processing = count
	case model.QueueComplete:
		stats.Complete = count
	case model.QueueFailed:
		stats.Failed = count
	case model.QueueSkipped:
		stats.Skipped = count
	}
}
