package model

import "time"

// SourceKind classifies where an observation came from. Kinds are ordered by
// trust: verified_document > identifier_decode > structured_listing >
// free_text_heuristic > ai_inference.
type SourceKind string

const (
	SourceVerifiedDocument  SourceKind = "verified_document"
	SourceIdentifierDecode  SourceKind = "identifier_decode"
	SourceStructuredListing SourceKind = "structured_listing"
	SourceFreeText          SourceKind = "free_text_heuristic"
	SourceAIInference       SourceKind = "ai_inference"
)

var sourceRank = map[SourceKind]int{
	SourceVerifiedDocument:  5,
	SourceIdentifierDecode:  4,
	SourceStructuredListing: 3,
	SourceFreeText:          2,
	SourceAIInference:       1,
}

// Rank returns the trust rank of the kind; unknown kinds rank 0.
func (k SourceKind) Rank() int {
	return sourceRank[k]
}

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	_, ok := sourceRank[k]
	return ok
}

// Outranks reports whether k is strictly more trusted than other.
func (k SourceKind) Outranks(other SourceKind) bool {
	return k.Rank() > other.Rank()
}

// FieldProvenance is one append-only observation of a field value.
type FieldProvenance struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	FieldName  string     `json:"field_name"`
	Value      string     `json:"value"`
	SourceKind SourceKind `json:"source_kind"`
	SourceURL  string     `json:"source_url,omitempty"`
	Confidence float64    `json:"confidence"`
	ObservedAt time.Time  `json:"observed_at"`
	Accepted   bool       `json:"accepted"`
	Reason     string     `json:"reason,omitempty"`
}

// FieldState is the projected current value of one field.
type FieldState struct {
	Value      string     `json:"value"`
	SourceKind SourceKind `json:"source_kind,omitempty"`
	SourceURL  string     `json:"source_url,omitempty"`
	Confidence float64    `json:"confidence"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Locked     bool       `json:"locked"`
}

// HasValue reports whether the state holds an accepted value.
func (s *FieldState) HasValue() bool {
	return s != nil && s.SourceKind != ""
}

// AcceptFunc decides whether a proposed observation replaces the current
// state. current is nil when the field has never been set or locked. It is
// evaluated by the store while the entity row is locked.
type AcceptFunc func(current *FieldState, proposed FieldProvenance) (accepted bool, reason string)
