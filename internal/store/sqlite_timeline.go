package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

func (s *SQLiteStore) AppendTimeline(ctx context.Context, ev *model.TimelineEvent) error {
	return sqlAppendTimeline(ctx, s.db, ev)
}

func sqlAppendTimeline(ctx context.Context, q sqlQuerier, ev *model.TimelineEvent) error {
	prepareTimeline(ev)
	payload, err := marshalMetadata(ev.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal timeline payload")
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO timeline_events (id, entity_id, kind, source_url, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EntityID, string(ev.Kind), ev.SourceURL, nullableJSON(payload), ev.OccurredAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append %s event for %s", ev.Kind, ev.EntityID)
}

func (s *SQLiteStore) ListTimeline(ctx context.Context, entityID string, limit int) ([]model.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, kind, source_url, payload, occurred_at FROM timeline_events
		 WHERE entity_id = ? ORDER BY occurred_at, rowid LIMIT ?`,
		entityID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list timeline")
	}
	defer rows.Close()

	var out []model.TimelineEvent
	for rows.Next() {
		var (
			ev      model.TimelineEvent
			kind    string
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EntityID, &kind, &ev.SourceURL, &payload, &ev.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan timeline event")
		}
		ev.Kind = model.TimelineKind(kind)
		ev.OccurredAt = ev.OccurredAt.UTC()
		if ev.Payload, err = unmarshalPayload([]byte(payload.String)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal payload for %s", ev.ID)
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list timeline iterate")
}
