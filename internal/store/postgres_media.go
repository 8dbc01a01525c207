package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/db"
	"github.com/sells-group/listing-pipeline/internal/model"
)

const mediaColumns = `id, entity_id, source_url, stored_url, position, is_primary, status, attempts,
	error, claimed_at, created_at`

// RegisterMedia records urls as pending assets after the entity's existing
// ones. URLs already registered for the entity are skipped, and an entity
// that was merged away takes no new media.
func (s *PostgresStore) RegisterMedia(ctx context.Context, entityID string, urls []string) (int, error) {
	urls = dedupeStrings(urls)
	if len(urls) == 0 {
		return 0, nil
	}
	inserted := 0
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var merged *string
		err := tx.QueryRow(ctx, `SELECT merged_into FROM entities WHERE id = $1 FOR UPDATE`, entityID).Scan(&merged)
		if noRows(err) {
			return eris.Wrapf(ErrNotFound, "postgres: entity %s", entityID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: lock entity %s", entityID)
		}
		if derefText(merged) != "" {
			return eris.Wrapf(ErrConflict, "postgres: entity %s merged into %s", entityID, *merged)
		}

		var next int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM media_assets WHERE entity_id = $1`, entityID,
		).Scan(&next); err != nil {
			return eris.Wrap(err, "postgres: next media position")
		}
		now := nowUTC()
		for _, u := range urls {
			tag, err := tx.Exec(ctx,
				`INSERT INTO media_assets (id, entity_id, source_url, position, status, created_at)
				 VALUES ($1, $2, $3, $4, 'pending', $5)
				 ON CONFLICT (entity_id, source_url) DO NOTHING`,
				uuid.New().String(), entityID, u, next, now,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: register media %s", u)
			}
			if tag.RowsAffected() > 0 {
				inserted++
				next++
			}
		}
		return nil
	})
	return inserted, err
}

// ClaimPendingMedia moves up to limit pending assets to uploading, lowest
// position first. Uploading rows claimed longer than staleAfter ago are
// reclaimed.
func (s *PostgresStore) ClaimPendingMedia(ctx context.Context, entityID string, limit int, staleAfter time.Duration) ([]model.MediaAsset, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := nowUTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE media_assets m
		 SET status = 'uploading', claimed_at = $2, attempts = m.attempts + 1
		 WHERE m.id IN (
		     SELECT id FROM media_assets
		     WHERE entity_id = $1
		       AND (status = 'pending' OR (status = 'uploading' AND claimed_at < $3))
		     ORDER BY position, id
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+mediaColumns,
		entityID, now, now.Add(-staleAfter), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim media")
	}
	assets, err := collectMedia(rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim media")
	}
	sortMedia(assets)
	return assets, nil
}

func (s *PostgresStore) MarkMediaStored(ctx context.Context, id, storedURL string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE media_assets SET status = 'stored', stored_url = $1, error = NULL WHERE id = $2`,
		storedURL, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark media stored %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: media %s", id)
	}
	return nil
}

// MarkMediaFailed returns the asset to pending, or fails it once attempts
// reaches maxAttempts.
func (s *PostgresStore) MarkMediaFailed(ctx context.Context, id, errMsg string, maxAttempts int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE media_assets
		 SET status = CASE WHEN attempts >= $1 THEN 'failed' ELSE 'pending' END,
		     error = $2, claimed_at = NULL
		 WHERE id = $3`,
		maxAttempts, errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark media failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: media %s", id)
	}
	return nil
}

// EnsurePrimaryMedia promotes the lowest-position stored asset when the
// entity has no primary.
func (s *PostgresStore) EnsurePrimaryMedia(ctx context.Context, entityID string) error {
	return pgEnsurePrimary(ctx, s.pool, entityID)
}

func pgEnsurePrimary(ctx context.Context, q pgQuerier, entityID string) error {
	_, err := q.Exec(ctx,
		`UPDATE media_assets SET is_primary = true
		 WHERE id = (SELECT id FROM media_assets WHERE entity_id = $1 AND status = 'stored'
		             ORDER BY position, id LIMIT 1)
		   AND NOT EXISTS (SELECT 1 FROM media_assets WHERE entity_id = $1 AND is_primary)`,
		entityID,
	)
	return eris.Wrapf(err, "postgres: ensure primary media for %s", entityID)
}

// SetPrimaryMedia makes mediaID the entity's only primary asset.
func (s *PostgresStore) SetPrimaryMedia(ctx context.Context, entityID, mediaID string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM media_assets WHERE id = $1 AND entity_id = $2 FOR UPDATE`,
			mediaID, entityID,
		).Scan(&status)
		if noRows(err) {
			return eris.Wrapf(ErrNotFound, "postgres: media %s on entity %s", mediaID, entityID)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: read media")
		}
		if model.MediaStatus(status) != model.MediaStored {
			return eris.Errorf("postgres: media %s is %s, not stored", mediaID, status)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE media_assets SET is_primary = false WHERE entity_id = $1 AND is_primary`, entityID,
		); err != nil {
			return eris.Wrap(err, "postgres: demote primary")
		}
		_, err = tx.Exec(ctx, `UPDATE media_assets SET is_primary = true WHERE id = $1`, mediaID)
		return eris.Wrap(err, "postgres: promote primary")
	})
}

func (s *PostgresStore) ListMedia(ctx context.Context, entityID string) ([]model.MediaAsset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mediaColumns+` FROM media_assets WHERE entity_id = $1 ORDER BY position, id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list media")
	}
	assets, err := collectMedia(rows)
	return assets, eris.Wrap(err, "postgres: list media")
}

func collectMedia(rows pgx.Rows) ([]model.MediaAsset, error) {
	defer rows.Close()
	var out []model.MediaAsset
	for rows.Next() {
		var (
			m                 model.MediaAsset
			status            string
			storedURL, errMsg *string
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.SourceURL, &storedURL, &m.Position, &m.IsPrimary,
			&status, &m.Attempts, &errMsg, &m.ClaimedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = model.MediaStatus(status)
		m.StoredURL = derefText(storedURL)
		m.Error = derefText(errMsg)
		out = append(out, m)
	}
	return out, rows.Err()
}
