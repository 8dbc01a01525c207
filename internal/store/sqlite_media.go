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

func (s *SQLiteStore) RegisterMedia(ctx context.Context, entityID string, urls []string) (int, error) {
	urls = dedupeStrings(urls)
	if len(urls) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var merged sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT merged_into FROM entities WHERE id = ?`, entityID).Scan(&merged)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: entity %s", entityID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: read entity %s", entityID)
		}
		if merged.String != "" {
			return eris.Wrapf(ErrConflict, "sqlite: entity %s merged into %s", entityID, merged.String)
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM media_assets WHERE entity_id = ?`, entityID,
		).Scan(&next); err != nil {
			return eris.Wrap(err, "sqlite: next media position")
		}
		now := nowUTC()
		for _, u := range urls {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO media_assets (id, entity_id, source_url, position, status, created_at)
				 VALUES (?, ?, ?, ?, 'pending', ?)
				 ON CONFLICT (entity_id, source_url) DO NOTHING`,
				uuid.New().String(), entityID, u, next, now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: register media %s", u)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
				next++
			}
		}
		return nil
	})
	return inserted, err
}

func (s *SQLiteStore) ClaimPendingMedia(ctx context.Context, entityID string, limit int, staleAfter time.Duration) ([]model.MediaAsset, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := nowUTC()

	var assets []model.MediaAsset
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE media_assets
			 SET status = 'uploading', claimed_at = ?, attempts = attempts + 1
			 WHERE id IN (
			     SELECT id FROM media_assets
			     WHERE entity_id = ?
			       AND (status = 'pending' OR (status = 'uploading' AND claimed_at < ?))
			     ORDER BY position, id
			     LIMIT ?)
			 RETURNING id`,
			now, entityID, now.Add(-staleAfter), limit,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: claim media")
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return eris.Wrap(err, "sqlite: claim media ids")
		}
		if len(ids) == 0 {
			return nil
		}
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err = tx.QueryContext(ctx,
			`SELECT `+mediaColumns+` FROM media_assets WHERE id IN (`+placeholders(len(ids))+`)`,
			args...,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: read claimed media")
		}
		assets, err = collectSQLMedia(rows)
		return eris.Wrap(err, "sqlite: read claimed media")
	})
	if err != nil {
		return nil, err
	}
	sortMedia(assets)
	return assets, nil
}

func (s *SQLiteStore) MarkMediaStored(ctx context.Context, id, storedURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_assets SET status = 'stored', stored_url = ?, error = NULL WHERE id = ?`,
		storedURL, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark media stored %s", id)
	}
	return checkRowsAffected(res, "media", id)
}

func (s *SQLiteStore) MarkMediaFailed(ctx context.Context, id, errMsg string, maxAttempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_assets
		 SET status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
		     error = ?, claimed_at = NULL
		 WHERE id = ?`,
		maxAttempts, errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark media failed %s", id)
	}
	return checkRowsAffected(res, "media", id)
}

func (s *SQLiteStore) EnsurePrimaryMedia(ctx context.Context, entityID string) error {
	return sqlEnsurePrimary(ctx, s.db, entityID)
}

func sqlEnsurePrimary(ctx context.Context, q sqlQuerier, entityID string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE media_assets SET is_primary = 1
		 WHERE id = (SELECT id FROM media_assets WHERE entity_id = ? AND status = 'stored'
		             ORDER BY position, id LIMIT 1)
		   AND NOT EXISTS (SELECT 1 FROM media_assets WHERE entity_id = ? AND is_primary = 1)`,
		entityID, entityID,
	)
	return eris.Wrapf(err, "sqlite: ensure primary media for %s", entityID)
}

func (s *SQLiteStore) SetPrimaryMedia(ctx context.Context, entityID, mediaID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM media_assets WHERE id = ? AND entity_id = ?`, mediaID, entityID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: media %s on entity %s", mediaID, entityID)
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: read media")
		}
		if model.MediaStatus(status) != model.MediaStored {
			return eris.Errorf("sqlite: media %s is %s, not stored", mediaID, status)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE media_assets SET is_primary = 0 WHERE entity_id = ? AND is_primary = 1`, entityID,
		); err != nil {
			return eris.Wrap(err, "sqlite: demote primary")
		}
		_, err = tx.ExecContext(ctx, `UPDATE media_assets SET is_primary = 1 WHERE id = ?`, mediaID)
		return eris.Wrap(err, "sqlite: promote primary")
	})
}

func (s *SQLiteStore) ListMedia(ctx context.Context, entityID string) ([]model.MediaAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media_assets WHERE entity_id = ? ORDER BY position, id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list media")
	}
	assets, err := collectSQLMedia(rows)
	return assets, eris.Wrap(err, "sqlite: list media")
}

func collectSQLMedia(rows *sql.Rows) ([]model.MediaAsset, error) {
	defer rows.Close()
	var out []model.MediaAsset
	for rows.Next() {
		var (
			m                 model.MediaAsset
			status            string
			storedURL, errMsg sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.SourceURL, &storedURL, &m.Position, &m.IsPrimary,
			&status, &m.Attempts, &errMsg, &m.ClaimedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = model.MediaStatus(status)
		m.StoredURL = storedURL.String
		m.Error = errMsg.String
		m.CreatedAt = m.CreatedAt.UTC()
		m.ClaimedAt = utcPtr(m.ClaimedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
