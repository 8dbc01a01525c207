package model

import "time"

// TimelineKind names an entity history event.
type TimelineKind string

const (
	EventDiscovered          TimelineKind = "discovered"
	EventSighting            TimelineKind = "sighting"
	EventFieldAccepted       TimelineKind = "field_accepted"
	EventMerged              TimelineKind = "merged"
	EventPublished           TimelineKind = "published"
	EventMediaStored         TimelineKind = "media_stored"
	EventRelationshipChanged TimelineKind = "relationship_changed"
)

// TimelineEvent is one append-only history entry for an entity.
type TimelineEvent struct {
	ID         string         `json:"id"`
	EntityID   string         `json:"entity_id"`
	Kind       TimelineKind   `json:"kind"`
	SourceURL  string         `json:"source_url,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
