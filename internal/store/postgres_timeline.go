package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

func (s *PostgresStore) AppendTimeline(ctx context.Context, ev *model.TimelineEvent) error {
	return pgAppendTimeline(ctx, s.pool, ev)
}

func pgAppendTimeline(ctx context.Context, q pgQuerier, ev *model.TimelineEvent) error {
	prepareTimeline(ev)
	payload, err := marshalMetadata(ev.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal timeline payload")
	}
	_, err = q.Exec(ctx,
		`INSERT INTO timeline_events (id, entity_id, kind, source_url, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.EntityID, string(ev.Kind), ev.SourceURL, payload, ev.OccurredAt,
	)
	return eris.Wrapf(err, "postgres: append %s event for %s", ev.Kind, ev.EntityID)
}

func (s *PostgresStore) ListTimeline(ctx context.Context, entityID string, limit int) ([]model.TimelineEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, kind, source_url, payload, occurred_at FROM timeline_events
		 WHERE entity_id = $1 ORDER BY occurred_at, seq LIMIT $2`,
		entityID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list timeline")
	}
	defer rows.Close()

	var out []model.TimelineEvent
	for rows.Next() {
		var (
			ev      model.TimelineEvent
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EntityID, &kind, &ev.SourceURL, &payload, &ev.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan timeline event")
		}
		ev.Kind = model.TimelineKind(kind)
		if ev.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal payload for %s", ev.ID)
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list timeline iterate")
}

func prepareTimeline(ev *model.TimelineEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = nowUTC()
	}
}

func unmarshalPayload(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
