package model

import "time"

// Organization is a seller: dealer, auction house, or private party.
type Organization struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Website        string    `json:"website,omitempty"`
	City           string    `json:"city,omitempty"`
	NormalizedCity string    `json:"normalized_city,omitempty"`
	State          string    `json:"state,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RelationshipKind is the role an organization plays for an entity.
type RelationshipKind string

const (
	RelForSale    RelationshipKind = "for_sale"
	RelSold       RelationshipKind = "sold"
	RelConsigned  RelationshipKind = "consigned"
	RelServiced   RelationshipKind = "serviced"
	familyListing                  = "listing"
	familyService                  = "service"
)

// Family groups mutually exclusive kinds: at most one current relationship
// per (organization, entity, family).
func (k RelationshipKind) Family() string {
	switch k {
	case RelConsigned, RelServiced:
		return familyService
	default:
		return familyListing
	}
}

// Valid reports whether k is a known relationship kind.
func (k RelationshipKind) Valid() bool {
	switch k {
	case RelForSale, RelSold, RelConsigned, RelServiced:
		return true
	}
	return false
}

// Relationship links an organization to an entity.
type Relationship struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	EntityID       string           `json:"entity_id"`
	Kind           RelationshipKind `json:"kind"`
	Family         string           `json:"family"`
	IsCurrent      bool             `json:"is_current"`
	CreatedAt      time.Time        `json:"created_at"`
	RetiredAt      *time.Time       `json:"retired_at,omitempty"`
}
