package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

func (s *SQLiteStore) Enqueue(ctx context.Context, reqs []model.EnqueueRequest, defaultMaxAttempts int) (int, error) {
	reqs = dedupeRequests(reqs)
	if len(reqs) == 0 {
		return 0, nil
	}
	now := nowUTC()
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range reqs {
			hints, err := marshalHints(r.RawHints)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal hints")
			}
			maxAttempts := r.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = defaultMaxAttempts
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO queue_items (id, source_url, source, status, max_attempts, raw_hint_fields, next_attempt_at, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (source_url) DO NOTHING`,
				uuid.New().String(), r.SourceURL, r.Source, string(model.QueuePending),
				maxAttempts, nullableJSON(hints), now, now, now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: enqueue %s", r.SourceURL)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimBatch leases up to req.BatchSize claimable items. The single
// connection makes the UPDATE and the follow-up read one atomic unit.
func (s *SQLiteStore) ClaimBatch(ctx context.Context, req model.ClaimRequest) ([]model.QueueItem, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}
	now := nowUTC()

	var items []model.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE queue_items
			 SET status = 'processing', locked_by = ?, locked_until = ?,
			     attempts = attempts + 1, updated_at = ?
			 WHERE id IN (
			     SELECT id FROM queue_items
			     WHERE ((status = 'pending' AND next_attempt_at <= ?)
			         OR (status = 'processing' AND locked_until < ?))
			       AND attempts < max(max_attempts, ?)
			       AND (? = '' OR source = ?)
			     ORDER BY created_at, id
			     LIMIT ?)
			 RETURNING id`,
			req.WorkerID, now.Add(req.LeaseTTL), now, now, now,
			req.MaxAttempts, req.Source, req.Source, req.BatchSize,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: claim batch")
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return eris.Wrap(err, "sqlite: claim batch ids")
		}
		if len(ids) == 0 {
			return nil
		}

		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err = tx.QueryContext(ctx,
			`SELECT `+queueColumns+` FROM queue_items WHERE id IN (`+placeholders(len(ids))+`)`,
			args...,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: read claimed items")
		}
		items, err = collectSQLQueueItems(rows)
		return eris.Wrap(err, "sqlite: read claimed items")
	})
	if err != nil {
		return nil, err
	}
	sortQueueItems(items)
	return items, nil
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, id, workerID string, status model.QueueStatus, entityID string) error {
	if status != model.QueueComplete && status != model.QueueSkipped {
		return eris.Errorf("sqlite: complete item %s: invalid status %q", id, status)
	}
	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = ?, result_entity_id = ?, processed_at = ?, updated_at = ?,
		     locked_by = NULL, locked_until = NULL, error_message = NULL
		 WHERE id = ? AND locked_by = ? AND status = 'processing'`,
		string(status), sqlText(entityID), now, now, id, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete item %s", id)
	}
	return sqlLeaseCheck(res, id)
}

func (s *SQLiteStore) ReleaseItem(ctx context.Context, id, workerID string, nextAttemptAt time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'pending', next_attempt_at = ?, error_message = ?, updated_at = ?,
		     locked_by = NULL, locked_until = NULL
		 WHERE id = ? AND locked_by = ? AND status = 'processing'`,
		nextAttemptAt.UTC(), sqlText(errMsg), nowUTC(), id, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release item %s", id)
	}
	return sqlLeaseCheck(res, id)
}

func (s *SQLiteStore) FailItem(ctx context.Context, id, workerID, errMsg string) error {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'failed', error_message = ?, processed_at = ?, updated_at = ?,
		     locked_by = NULL, locked_until = NULL
		 WHERE id = ? AND locked_by = ? AND status = 'processing'`,
		sqlText(errMsg), now, now, id, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail item %s", id)
	}
	return sqlLeaseCheck(res, id)
}

func (s *SQLiteStore) RequeueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'pending', next_attempt_at = ?, updated_at = ?,
		     max_attempts = max(max_attempts, attempts + 1),
		     locked_by = NULL, locked_until = NULL, processed_at = NULL
		 WHERE id = ? AND status IN ('complete', 'failed', 'skipped')`,
		now, now, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: requeue item %s", id)
	}
	item, err := s.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrNotRequeueable, "sqlite: requeue item %s (status %s)", id, item.Status)
	}
	return item, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, maxAttempts int) (int, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'failed', error_message = COALESCE(error_message, ?),
		     processed_at = ?, updated_at = ?, locked_by = NULL, locked_until = NULL
		 WHERE status = 'processing' AND locked_until < ? AND attempts >= max(max_attempts, ?)`,
		leaseExpiredMessage, now, now, now, maxAttempts,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: sweep expired")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanSQLQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get queue item %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get queue item %s", id)
	}
	return item, nil
}

func (s *SQLiteStore) ListQueueItems(ctx context.Context, filter model.QueueFilter) ([]model.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue items")
	}
	items, err := collectSQLQueueItems(rows)
	return items, eris.Wrap(err, "sqlite: list queue items")
}

func (s *SQLiteStore) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue stats")
	}
	defer rows.Close()

	stats := &model.QueueStats{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue stats")
		}
		addStat(stats, model.QueueStatus(status), count, nil)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: queue stats iterate")
	}

	if stats.Pending > 0 {
		var oldest time.Time
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM queue_items WHERE status = 'pending' ORDER BY created_at LIMIT 1`,
		).Scan(&oldest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(err, "sqlite: oldest pending")
		}
		if err == nil {
			oldest = oldest.UTC()
			stats.OldestPending = &oldest
		}
	}
	return stats, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectSQLQueueItems(rows *sql.Rows) ([]model.QueueItem, error) {
	defer rows.Close()
	var items []model.QueueItem
	for rows.Next() {
		item, err := scanSQLQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanSQLQueueItem(row scannable) (*model.QueueItem, error) {
	var (
		item                              model.QueueItem
		status                            string
		lockedBy, hints, errMsg, entityID sql.NullString
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
	item.LockedBy = lockedBy.String
	item.ErrorMessage = errMsg.String
	item.ResultEntityID = entityID.String
	if item.RawHints, err = unmarshalHints([]byte(hints.String)); err != nil {
		return nil, eris.Wrapf(err, "unmarshal hints for %s", item.ID)
	}
	normalizeQueueTimes(&item)
	return &item, nil
}

// normalizeQueueTimes puts times read back from SQLite into UTC.
func normalizeQueueTimes(item *model.QueueItem) {
	item.NextAttemptAt = item.NextAttemptAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	item.LockedUntil = utcPtr(item.LockedUntil)
	item.ProcessedAt = utcPtr(item.ProcessedAt)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func sqlLeaseCheck(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	return leaseCheck(n, id)
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

type scannable interface {
	Scan(dest ...any) error
}
