package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanSQLEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) FindEntityByVIN(ctx context.Context, vin string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE vin = ? AND merged_into IS NULL`, vin)
	e, err := scanSQLEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find entity by vin")
	}
	return e, nil
}

func (s *SQLiteStore) FindEntityByDiscoveryURL(ctx context.Context, url string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE discovery_url = ?`, url)
	e, err := scanSQLEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find entity by discovery url")
	}
	if e.MergedInto != "" {
		return s.GetEntity(ctx, e.MergedInto)
	}
	return e, nil
}

func (s *SQLiteStore) FindInventoryMatches(ctx context.Context, orgID string, match InventoryMatch) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixColumns("e", entityColumns)+`
		 FROM entities e
		 JOIN relationships r ON r.entity_id = e.id AND r.organization_id = ?
		      AND r.is_current = 1 AND r.family = 'listing'
		 JOIN entity_fields fy ON fy.entity_id = e.id AND fy.field_name = 'year' AND fy.value = ?
		 JOIN entity_fields fm ON fm.entity_id = e.id AND fm.field_name = 'make' AND fm.value = ?
		 JOIN entity_fields fo ON fo.entity_id = e.id AND fo.field_name = 'model' AND lower(fo.value) = lower(?)
		 WHERE e.merged_into IS NULL
		 ORDER BY e.created_at, e.id`,
		orgID, match.Year, match.Make, match.Model,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find inventory matches")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanSQLEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan inventory match")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: inventory matches iterate")
}

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	prepareEntity(e)
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, vin, discovery_url, status, ownership_verified, identifier_placeholder, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, sqlText(e.VIN), e.DiscoveryURL, string(e.Status), e.OwnershipVerified,
		sqlText(e.IdentifierPlaceholder), nullableJSON(meta), e.CreatedAt, e.UpdatedAt,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: create entity for %s", e.DiscoveryURL)
	}
	return eris.Wrapf(err, "sqlite: create entity for %s", e.DiscoveryURL)
}

func (s *SQLiteStore) SetEntityVIN(ctx context.Context, id, vin string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET vin = ?, updated_at = ?
		 WHERE id = ? AND merged_into IS NULL AND (vin IS NULL OR vin = ?)`,
		vin, nowUTC(), id, vin,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: vin %s held by another entity", vin)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: set vin on %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: entity %s cannot take vin %s", id, vin)
	}
	return nil
}

func (s *SQLiteStore) SetOwnershipVerified(ctx context.Context, id string, verified bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET ownership_verified = ?, updated_at = ? WHERE id = ?`,
		verified, nowUTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set ownership on %s", id)
	}
	return checkRowsAffected(res, "entity", id)
}

func (s *SQLiteStore) PublishEntity(ctx context.Context, id string) (bool, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET status = 'active', published_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND merged_into IS NULL`,
		now, now, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: publish entity %s", id)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) MergeEntities(ctx context.Context, loserID, survivorID string, decide model.AcceptFunc) error {
	if loserID == survivorID {
		return eris.Errorf("sqlite: merge %s into itself", loserID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, vin, merged_into FROM entities WHERE id IN (?, ?)`, loserID, survivorID)
		if err != nil {
			return eris.Wrap(err, "sqlite: read merge pair")
		}
		pair := make(map[string]mergeSide, 2)
		for rows.Next() {
			var (
				id          string
				vin, merged sql.NullString
			)
			if err := rows.Scan(&id, &vin, &merged); err != nil {
				rows.Close()
				return eris.Wrap(err, "sqlite: scan merge pair")
			}
			pair[id] = mergeSide{vin: vin.String, mergedInto: merged.String}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "sqlite: merge pair iterate")
		}

		loser, survivor, err := checkMergePair(pair, loserID, survivorID)
		if err != nil {
			return err
		}

		var offset int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM media_assets WHERE entity_id = ?`, survivorID,
		).Scan(&offset); err != nil {
			return eris.Wrap(err, "sqlite: survivor media offset")
		}

		now := nowUTC()
		var steps []mergeStep
		if loser.vin != "" && survivor.vin == "" {
			steps = append(steps,
				mergeStep{`UPDATE entities SET vin = NULL WHERE id = ?`, []any{loserID}},
				mergeStep{`UPDATE entities SET vin = ? WHERE id = ?`, []any{loser.vin, survivorID}},
			)
		}
		pairArgs := []any{survivorID, loserID}
		steps = append(steps,
			mergeStep{`UPDATE queue_items SET result_entity_id = ? WHERE result_entity_id = ?`, pairArgs},
			mergeStep{`UPDATE field_provenance SET entity_id = ? WHERE entity_id = ?`, pairArgs},
			mergeStep{`DELETE FROM media_assets WHERE entity_id = ?
			  AND source_url IN (SELECT source_url FROM media_assets WHERE entity_id = ?)`, []any{loserID, survivorID}},
			mergeStep{`UPDATE media_assets SET is_primary = 0 WHERE entity_id = ?
			  AND EXISTS (SELECT 1 FROM media_assets WHERE entity_id = ? AND is_primary = 1)`, []any{loserID, survivorID}},
			mergeStep{`UPDATE media_assets SET entity_id = ?, position = position + ? WHERE entity_id = ?`,
				[]any{survivorID, offset, loserID}},
			mergeStep{`UPDATE relationships SET is_current = 0, retired_at = ?
			  WHERE entity_id = ? AND is_current = 1 AND EXISTS (
			      SELECT 1 FROM relationships r
			      WHERE r.entity_id = ? AND r.organization_id = relationships.organization_id
			        AND r.family = relationships.family AND r.is_current = 1)`, []any{now, loserID, survivorID}},
			mergeStep{`UPDATE relationships SET entity_id = ? WHERE entity_id = ?`, pairArgs},
			mergeStep{`UPDATE timeline_events SET entity_id = ? WHERE entity_id = ?`, pairArgs},
			mergeStep{`UPDATE entities SET merged_into = ? WHERE merged_into = ?`, pairArgs},
			mergeStep{`UPDATE entities SET ownership_verified = max(ownership_verified,
			      (SELECT ownership_verified FROM entities WHERE id = ?)), updated_at = ?
			  WHERE id = ?`, []any{loserID, now, survivorID}},
			mergeStep{`UPDATE entities SET merged_into = ?, updated_at = ? WHERE id = ?`, []any{survivorID, now, loserID}},
		)
		for _, st := range steps {
			if _, err := tx.ExecContext(ctx, st.sql, st.args...); err != nil {
				return eris.Wrapf(err, "sqlite: merge %s into %s", loserID, survivorID)
			}
		}
		if err := sqlRebuildFields(ctx, tx, loserID, survivorID, decide); err != nil {
			return err
		}

		if err := sqlEnsurePrimary(ctx, tx, survivorID); err != nil {
			return err
		}
		return sqlAppendTimeline(ctx, tx, &model.TimelineEvent{
			EntityID:   survivorID,
			Kind:       model.EventMerged,
			Payload:    map[string]any{"merged_entity_id": loserID},
			OccurredAt: now,
		})
	})
}

func scanSQLEntity(row scannable) (*model.Entity, error) {
	var (
		e                                model.Entity
		status                           string
		vin, placeholder, mergedTo, meta sql.NullString
	)
	err := row.Scan(&e.ID, &vin, &e.DiscoveryURL, &status, &e.OwnershipVerified, &placeholder,
		&mergedTo, &meta, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.EntityStatus(status)
	e.VIN = vin.String
	e.IdentifierPlaceholder = placeholder.String
	e.MergedInto = mergedTo.String
	if meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return nil, eris.Wrapf(err, "unmarshal metadata for %s", e.ID)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.PublishedAt = utcPtr(e.PublishedAt)
	return &e, nil
}
