package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/db"
	"github.com/sells-group/listing-pipeline/internal/model"
)

const provenanceColumns = `id, entity_id, field_name, value, source_kind, source_url, confidence,
	observed_at, accepted, reason`

// RecordObservation appends rec to the provenance log and, when decide
// accepts it, replaces the projected field value. A merged entity's records
// land on its survivor. The entity row stays locked from the read of the
// current value until commit, so concurrent proposals for one entity are
// serialized.
func (s *PostgresStore) RecordObservation(ctx context.Context, rec model.FieldProvenance, decide model.AcceptFunc) (model.FieldProvenance, error) {
	prepareProvenance(&rec)

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		live, err := pgLockLiveEntity(ctx, tx, rec.EntityID)
		if err != nil {
			return err
		}
		rec.EntityID = live

		var current *model.FieldState
		st := model.FieldState{}
		var kind string
		err = tx.QueryRow(ctx,
			`SELECT value, source_kind, source_url, confidence, updated_at, locked
			 FROM entity_fields WHERE entity_id = $1 AND field_name = $2`,
			rec.EntityID, rec.FieldName,
		).Scan(&st.Value, &kind, &st.SourceURL, &st.Confidence, &st.UpdatedAt, &st.Locked)
		switch {
		case noRows(err):
		case err != nil:
			return eris.Wrapf(err, "postgres: read field %s", rec.FieldName)
		default:
			st.SourceKind = model.SourceKind(kind)
			current = &st
		}

		rec.Accepted, rec.Reason = decide(current, rec)

		if _, err := tx.Exec(ctx,
			`INSERT INTO field_provenance (`+provenanceColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, rec.EntityID, rec.FieldName, rec.Value, string(rec.SourceKind), rec.SourceURL,
			rec.Confidence, rec.ObservedAt, rec.Accepted, rec.Reason,
		); err != nil {
			return eris.Wrap(err, "postgres: append provenance")
		}

		if !rec.Accepted {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO entity_fields (entity_id, field_name, value, source_kind, source_url, confidence, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (entity_id, field_name) DO UPDATE SET
			     value = EXCLUDED.value, source_kind = EXCLUDED.source_kind, source_url = EXCLUDED.source_url,
			     confidence = EXCLUDED.confidence, updated_at = EXCLUDED.updated_at`,
			rec.EntityID, rec.FieldName, rec.Value, string(rec.SourceKind), rec.SourceURL,
			rec.Confidence, rec.ObservedAt,
		)
		return eris.Wrap(err, "postgres: project field")
	})
	return rec, err
}

func (s *PostgresStore) CurrentFields(ctx context.Context, entityID string) (map[string]model.FieldState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field_name, value, source_kind, source_url, confidence, updated_at, locked
		 FROM entity_fields WHERE entity_id = $1`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: current fields")
	}
	defer rows.Close()

	fields := make(map[string]model.FieldState)
	for rows.Next() {
		var (
			name, kind string
			st         model.FieldState
		)
		if err := rows.Scan(&name, &st.Value, &kind, &st.SourceURL, &st.Confidence, &st.UpdatedAt, &st.Locked); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field")
		}
		st.SourceKind = model.SourceKind(kind)
		fields[name] = st
	}
	return fields, eris.Wrap(rows.Err(), "postgres: current fields iterate")
}

// ListProvenance returns the log for an entity in append order. An empty
// field returns every field's records.
func (s *PostgresStore) ListProvenance(ctx context.Context, entityID, field string) ([]model.FieldProvenance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+provenanceColumns+` FROM field_provenance
		 WHERE entity_id = $1 AND ($2 = '' OR field_name = $2)
		 ORDER BY seq`,
		entityID, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provenance")
	}
	defer rows.Close()

	var out []model.FieldProvenance
	for rows.Next() {
		var (
			p    model.FieldProvenance
			kind string
		)
		if err := rows.Scan(&p.ID, &p.EntityID, &p.FieldName, &p.Value, &kind, &p.SourceURL,
			&p.Confidence, &p.ObservedAt, &p.Accepted, &p.Reason); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provenance")
		}
		p.SourceKind = model.SourceKind(kind)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list provenance iterate")
}

func (s *PostgresStore) SetFieldLock(ctx context.Context, entityID, field string, locked bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_fields (entity_id, field_name, locked, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_id, field_name) DO UPDATE SET locked = EXCLUDED.locked`,
		entityID, field, locked, nowUTC(),
	)
	return eris.Wrapf(err, "postgres: set lock on %s.%s", entityID, field)
}

func pgRebuildFields(ctx context.Context, tx pgx.Tx, loserID, survivorID string, decide model.AcceptFunc) error {
	rows, err := tx.Query(ctx,
		`SELECT entity_id, field_name, value, source_kind, source_url, confidence, updated_at
		 FROM entity_fields WHERE entity_id IN ($1, $2) AND locked`,
		loserID, survivorID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: read locked fields")
	}
	locked := make(map[string]model.FieldState)
	for rows.Next() {
		var (
			id, name, kind string
			st             = model.FieldState{Locked: true}
		)
		if err := rows.Scan(&id, &name, &st.Value, &kind, &st.SourceURL, &st.Confidence, &st.UpdatedAt); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan locked field")
		}
		st.SourceKind = model.SourceKind(kind)
		mergeLocks(locked, id, survivorID, name, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: locked fields iterate")
	}

	rows, err = tx.Query(ctx,
		`SELECT `+provenanceColumns+` FROM field_provenance WHERE entity_id = $1 ORDER BY observed_at, seq`,
		survivorID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: read merged provenance")
	}
	var log []model.FieldProvenance
	for rows.Next() {
		var (
			p    model.FieldProvenance
			kind string
		)
		if err := rows.Scan(&p.ID, &p.EntityID, &p.FieldName, &p.Value, &kind, &p.SourceURL,
			&p.Confidence, &p.ObservedAt, &p.Accepted, &p.Reason); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan merged provenance")
		}
		p.SourceKind = model.SourceKind(kind)
		log = append(log, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: merged provenance iterate")
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM entity_fields WHERE entity_id IN ($1, $2)`, loserID, survivorID,
	); err != nil {
		return eris.Wrap(err, "postgres: clear merged fields")
	}
	for name, st := range rebuildFields(log, locked, decide) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO entity_fields (entity_id, field_name, value, source_kind, source_url, confidence, updated_at, locked)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			survivorID, name, st.Value, string(st.SourceKind), st.SourceURL, st.Confidence, st.UpdatedAt, st.Locked,
		); err != nil {
			return eris.Wrapf(err, "postgres: rebuild field %s", name)
		}
	}
	return nil
}

// pgLockLiveEntity locks id and follows merged_into to the entity that
// absorbed it, locking each row on the way.
func pgLockLiveEntity(ctx context.Context, tx pgx.Tx, id string) (string, error) {
	start := id
	for range maxMergeHops {
		var merged *string
		err := tx.QueryRow(ctx, `SELECT merged_into FROM entities WHERE id = $1 FOR UPDATE`, id).Scan(&merged)
		if noRows(err) {
			return "", eris.Wrapf(ErrNotFound, "postgres: entity %s", id)
		}
		if err != nil {
			return "", eris.Wrapf(err, "postgres: lock entity %s", id)
		}
		if derefText(merged) == "" {
			return id, nil
		}
		id = *merged
	}
	return "", eris.Wrapf(ErrConflict, "postgres: merge chain from %s", start)
}

func prepareProvenance(rec *model.FieldProvenance) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = nowUTC()
	}
}
