package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// RecordObservation appends rec to the provenance log of the entity that
// now holds rec.EntityID, following merged_into, and applies decide.
func (s *SQLiteStore) RecordObservation(ctx context.Context, rec model.FieldProvenance, decide model.AcceptFunc) (model.FieldProvenance, error) {
	prepareProvenance(&rec)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		live, err := sqlLiveEntityID(ctx, tx, rec.EntityID)
		if err != nil {
			return err
		}
		rec.EntityID = live

		var current *model.FieldState
		st := model.FieldState{}
		var kind string
		err = tx.QueryRowContext(ctx,
			`SELECT value, source_kind, source_url, confidence, updated_at, locked
			 FROM entity_fields WHERE entity_id = ? AND field_name = ?`,
			rec.EntityID, rec.FieldName,
		).Scan(&st.Value, &kind, &st.SourceURL, &st.Confidence, &st.UpdatedAt, &st.Locked)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return eris.Wrapf(err, "sqlite: read field %s", rec.FieldName)
		default:
			st.SourceKind = model.SourceKind(kind)
			st.UpdatedAt = st.UpdatedAt.UTC()
			current = &st
		}

		rec.Accepted, rec.Reason = decide(current, rec)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO field_provenance (`+provenanceColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.EntityID, rec.FieldName, rec.Value, string(rec.SourceKind), rec.SourceURL,
			rec.Confidence, rec.ObservedAt.UTC(), rec.Accepted, rec.Reason,
		); err != nil {
			return eris.Wrap(err, "sqlite: append provenance")
		}

		if !rec.Accepted {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entity_fields (entity_id, field_name, value, source_kind, source_url, confidence, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_id, field_name) DO UPDATE SET
			     value = excluded.value, source_kind = excluded.source_kind, source_url = excluded.source_url,
			     confidence = excluded.confidence, updated_at = excluded.updated_at`,
			rec.EntityID, rec.FieldName, rec.Value, string(rec.SourceKind), rec.SourceURL,
			rec.Confidence, rec.ObservedAt.UTC(),
		)
		return eris.Wrap(err, "sqlite: project field")
	})
	return rec, err
}

func (s *SQLiteStore) CurrentFields(ctx context.Context, entityID string) (map[string]model.FieldState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field_name, value, source_kind, source_url, confidence, updated_at, locked
		 FROM entity_fields WHERE entity_id = ?`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: current fields")
	}
	defer rows.Close()

	fields := make(map[string]model.FieldState)
	for rows.Next() {
		var (
			name, kind string
			st         model.FieldState
		)
		if err := rows.Scan(&name, &st.Value, &kind, &st.SourceURL, &st.Confidence, &st.UpdatedAt, &st.Locked); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field")
		}
		st.SourceKind = model.SourceKind(kind)
		st.UpdatedAt = st.UpdatedAt.UTC()
		fields[name] = st
	}
	return fields, eris.Wrap(rows.Err(), "sqlite: current fields iterate")
}

func (s *SQLiteStore) ListProvenance(ctx context.Context, entityID, field string) ([]model.FieldProvenance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+provenanceColumns+` FROM field_provenance
		 WHERE entity_id = ? AND (? = '' OR field_name = ?)
		 ORDER BY rowid`,
		entityID, field, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provenance")
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
			return nil, eris.Wrap(err, "sqlite: scan provenance")
		}
		p.SourceKind = model.SourceKind(kind)
		p.ObservedAt = p.ObservedAt.UTC()
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list provenance iterate")
}

func (s *SQLiteStore) SetFieldLock(ctx context.Context, entityID, field string, locked bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_fields (entity_id, field_name, locked, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_id, field_name) DO UPDATE SET locked = excluded.locked`,
		entityID, field, locked, nowUTC(),
	)
	return eris.Wrapf(err, "sqlite: set lock on %s.%s", entityID, field)
}

// sqlRebuildFields reprojects the survivor's fields from its provenance log,
// which must already include the loser's records.
func sqlRebuildFields(ctx context.Context, tx *sql.Tx, loserID, survivorID string, decide model.AcceptFunc) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT entity_id, field_name, value, source_kind, source_url, confidence, updated_at
		 FROM entity_fields WHERE entity_id IN (?, ?) AND locked = 1`,
		loserID, survivorID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: read locked fields")
	}
	locked := make(map[string]model.FieldState)
	for rows.Next() {
		var (
			id, name, kind string
			st             = model.FieldState{Locked: true}
		)
		if err := rows.Scan(&id, &name, &st.Value, &kind, &st.SourceURL, &st.Confidence, &st.UpdatedAt); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan locked field")
		}
		st.SourceKind = model.SourceKind(kind)
		st.UpdatedAt = st.UpdatedAt.UTC()
		mergeLocks(locked, id, survivorID, name, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: locked fields iterate")
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT `+provenanceColumns+` FROM field_provenance WHERE entity_id = ? ORDER BY rowid`,
		survivorID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: read merged provenance")
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
			return eris.Wrap(err, "sqlite: scan merged provenance")
		}
		p.SourceKind = model.SourceKind(kind)
		p.ObservedAt = p.ObservedAt.UTC()
		log = append(log, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: merged provenance iterate")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_fields WHERE entity_id IN (?, ?)`, loserID, survivorID,
	); err != nil {
		return eris.Wrap(err, "sqlite: clear merged fields")
	}
	for name, st := range rebuildFields(log, locked, decide) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_fields (entity_id, field_name, value, source_kind, source_url, confidence, updated_at, locked)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			survivorID, name, st.Value, string(st.SourceKind), st.SourceURL, st.Confidence, st.UpdatedAt.UTC(), st.Locked,
		); err != nil {
			return eris.Wrapf(err, "sqlite: rebuild field %s", name)
		}
	}
	return nil
}

// sqlLiveEntityID follows merged_into from id to the entity that absorbed it.
func sqlLiveEntityID(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	start := id
	for range maxMergeHops {
		var merged sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT merged_into FROM entities WHERE id = ?`, id).Scan(&merged)
		if errors.Is(err, sql.ErrNoRows) {
			return "", eris.Wrapf(ErrNotFound, "sqlite: entity %s", id)
		}
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: read entity %s", id)
		}
		if merged.String == "" {
			return id, nil
		}
		id = merged.String
	}
	return "", eris.Wrapf(ErrConflict, "sqlite: merge chain from %s", start)
}
