package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/db"
	"github.com/sells-group/listing-pipeline/internal/model"
)

const entityColumns = `id, vin, discovery_url, status, ownership_verified, identifier_placeholder,
	merged_into, metadata, created_at, updated_at, published_at`

// pgQuerier is satisfied by both the pool and a pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if noRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

// FindEntityByVIN returns the live entity holding vin, or nil.
func (s *PostgresStore) FindEntityByVIN(ctx context.Context, vin string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE vin = $1 AND merged_into IS NULL`, vin)
	e, err := scanEntity(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find entity by vin")
	}
	return e, nil
}

// FindEntityByDiscoveryURL returns the entity first seen at url, following a
// merge to its survivor. Returns nil when no entity was discovered there.
func (s *PostgresStore) FindEntityByDiscoveryURL(ctx context.Context, url string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE discovery_url = $1`, url)
	e, err := scanEntity(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find entity by discovery url")
	}
	if e.MergedInto != "" {
		return s.GetEntity(ctx, e.MergedInto)
	}
	return e, nil
}

func (s *PostgresStore) FindInventoryMatches(ctx context.Context, orgID string, match InventoryMatch) ([]model.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixColumns("e", entityColumns)+`
		 FROM entities e
		 JOIN relationships r ON r.entity_id = e.id AND r.organization_id = $1
		      AND r.is_current AND r.family = 'listing'
		 JOIN entity_fields fy ON fy.entity_id = e.id AND fy.field_name = 'year' AND fy.value = $2
		 JOIN entity_fields fm ON fm.entity_id = e.id AND fm.field_name = 'make' AND fm.value = $3
		 JOIN entity_fields fo ON fo.entity_id = e.id AND fo.field_name = 'model' AND lower(fo.value) = lower($4)
		 WHERE e.merged_into IS NULL
		 ORDER BY e.created_at, e.id`,
		orgID, match.Year, match.Make, match.Model,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find inventory matches")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan inventory match")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: inventory matches iterate")
}

// CreateEntity inserts e, filling ID, status and timestamps when unset. A
// VIN or discovery URL already held by another entity yields ErrConflict.
func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	prepareEntity(e)
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, vin, discovery_url, status, ownership_verified, identifier_placeholder, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, pgText(e.VIN), e.DiscoveryURL, string(e.Status), e.OwnershipVerified,
		pgText(e.IdentifierPlaceholder), meta, e.CreatedAt, e.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: create entity for %s", e.DiscoveryURL)
	}
	return eris.Wrapf(err, "postgres: create entity for %s", e.DiscoveryURL)
}

// SetEntityVIN attaches vin to an entity that has none. It returns
// ErrConflict when the entity already carries a different VIN or another
// entity holds this one.
func (s *PostgresStore) SetEntityVIN(ctx context.Context, id, vin string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET vin = $1, updated_at = $2
		 WHERE id = $3 AND merged_into IS NULL AND (vin IS NULL OR vin = $1)`,
		vin, nowUTC(), id,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: vin %s held by another entity", vin)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: set vin on %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: entity %s cannot take vin %s", id, vin)
	}
	return nil
}

func (s *PostgresStore) SetOwnershipVerified(ctx context.Context, id string, verified bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET ownership_verified = $1, updated_at = $2 WHERE id = $3`,
		verified, nowUTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set ownership on %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: entity %s", id)
	}
	return nil
}

// PublishEntity flips a pending entity to active. It reports false when the
// entity was already active; publication is never reversed.
func (s *PostgresStore) PublishEntity(ctx context.Context, id string) (bool, error) {
	now := nowUTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET status = 'active', published_at = $1, updated_at = $1
		 WHERE id = $2 AND status = 'pending' AND merged_into IS NULL`,
		now, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: publish entity %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// MergeEntities folds loser into survivor. Every row owned by the loser is
// re-pointed, the survivor's fields are reprojected from the combined log,
// and the loser keeps merged_into.
func (s *PostgresStore) MergeEntities(ctx context.Context, loserID, survivorID string, decide model.AcceptFunc) error {
	if loserID == survivorID {
		return eris.Errorf("postgres: merge %s into itself", loserID)
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, vin, merged_into FROM entities WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`,
			loserID, survivorID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: lock merge pair")
		}
		pair := make(map[string]mergeSide, 2)
		for rows.Next() {
			var (
				id          string
				vin, merged *string
			)
			if err := rows.Scan(&id, &vin, &merged); err != nil {
				rows.Close()
				return eris.Wrap(err, "postgres: scan merge pair")
			}
			pair[id] = mergeSide{vin: derefText(vin), mergedInto: derefText(merged)}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "postgres: merge pair iterate")
		}

		loser, survivor, err := checkMergePair(pair, loserID, survivorID)
		if err != nil {
			return err
		}

		now := nowUTC()
		var steps []mergeStep
		if loser.vin != "" && survivor.vin == "" {
			steps = append(steps,
				mergeStep{`UPDATE entities SET vin = NULL WHERE id = $1`, []any{loserID}},
				mergeStep{`UPDATE entities SET vin = $1 WHERE id = $2`, []any{loser.vin, survivorID}},
			)
		}
		steps = append(steps, pgMergeSteps(loserID, survivorID, now)...)
		for _, st := range steps {
			if _, err := tx.Exec(ctx, st.sql, st.args...); err != nil {
				return eris.Wrapf(err, "postgres: merge %s into %s", loserID, survivorID)
			}
		}
		if err := pgRebuildFields(ctx, tx, loserID, survivorID, decide); err != nil {
			return err
		}

		if err := pgEnsurePrimary(ctx, tx, survivorID); err != nil {
			return err
		}
		return pgAppendTimeline(ctx, tx, &model.TimelineEvent{
			EntityID:   survivorID,
			Kind:       model.EventMerged,
			Payload:    map[string]any{"merged_entity_id": loserID},
			OccurredAt: now,
		})
	})
}

func pgMergeSteps(loserID, survivorID string, now time.Time) []mergeStep {
	pair := []any{survivorID, loserID}
	return []mergeStep{
		{`UPDATE queue_items SET result_entity_id = $1 WHERE result_entity_id = $2`, pair},
		{`UPDATE field_provenance SET entity_id = $1 WHERE entity_id = $2`, pair},
		{`DELETE FROM media_assets WHERE entity_id = $2
		  AND source_url IN (SELECT source_url FROM media_assets WHERE entity_id = $1)`, pair},
		{`UPDATE media_assets SET is_primary = false WHERE entity_id = $2
		  AND EXISTS (SELECT 1 FROM media_assets WHERE entity_id = $1 AND is_primary)`, pair},
		{`UPDATE media_assets
		  SET entity_id = $1,
		      position = position + (SELECT COALESCE(MAX(position) + 1, 0) FROM media_assets WHERE entity_id = $1)
		  WHERE entity_id = $2`, pair},
		{`UPDATE relationships SET is_current = false, retired_at = $3
		  WHERE entity_id = $2 AND is_current AND EXISTS (
		      SELECT 1 FROM relationships r
		      WHERE r.entity_id = $1 AND r.organization_id = relationships.organization_id
		        AND r.family = relationships.family AND r.is_current)`, []any{survivorID, loserID, now}},
		{`UPDATE relationships SET entity_id = $1 WHERE entity_id = $2`, pair},
		{`UPDATE timeline_events SET entity_id = $1 WHERE entity_id = $2`, pair},
		{`UPDATE entities SET merged_into = $1 WHERE merged_into = $2`, pair},
		{`UPDATE entities SET ownership_verified = ownership_verified OR
		      (SELECT ownership_verified FROM entities WHERE id = $2), updated_at = $3
		  WHERE id = $1`, []any{survivorID, loserID, now}},
		{`UPDATE entities SET merged_into = $1, updated_at = $3 WHERE id = $2`, []any{survivorID, loserID, now}},
	}
}

func scanEntity(row pgx.Row) (*model.Entity, error) {
	var (
		e                          model.Entity
		status                     string
		vin, placeholder, mergedTo *string
		meta                       []byte
	)
	err := row.Scan(&e.ID, &vin, &e.DiscoveryURL, &status, &e.OwnershipVerified, &placeholder,
		&mergedTo, &meta, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.EntityStatus(status)
	e.VIN = derefText(vin)
	e.IdentifierPlaceholder = derefText(placeholder)
	e.MergedInto = derefText(mergedTo)
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, eris.Wrapf(err, "unmarshal metadata for %s", e.ID)
		}
	}
	return &e, nil
}

// --- shared entity helpers ---

type mergeSide struct {
	vin        string
	mergedInto string
}

type mergeStep struct {
	sql  string
	args []any
}

func checkMergePair(pair map[string]mergeSide, loserID, survivorID string) (mergeSide, mergeSide, error) {
	loser, ok := pair[loserID]
	if !ok {
		return mergeSide{}, mergeSide{}, eris.Wrapf(ErrNotFound, "merge loser %s", loserID)
	}
	survivor, ok := pair[survivorID]
	if !ok {
		return mergeSide{}, mergeSide{}, eris.Wrapf(ErrNotFound, "merge survivor %s", survivorID)
	}
	if loser.mergedInto != "" || survivor.mergedInto != "" {
		return mergeSide{}, mergeSide{}, eris.Errorf("merge %s into %s: entity already merged", loserID, survivorID)
	}
	if loser.vin != "" && survivor.vin != "" && loser.vin != survivor.vin {
		return mergeSide{}, mergeSide{}, eris.Wrapf(ErrConflict, "merge %s into %s: vins differ", loserID, survivorID)
	}
	return loser, survivor, nil
}

func prepareEntity(e *model.Entity) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = model.EntityPending
	}
	now := nowUTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
