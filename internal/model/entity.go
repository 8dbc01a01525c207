package model

import "time"

// EntityStatus is the publication state of an entity.
type EntityStatus string

const (
	EntityPending EntityStatus = "pending"
	EntityActive  EntityStatus = "active"
)

// Entity is one canonical real-world item (a vehicle).
type Entity struct {
	ID                    string         `json:"id"`
	VIN                   string         `json:"vin,omitempty"`
	DiscoveryURL          string         `json:"discovery_url"`
	Status                EntityStatus   `json:"status"`
	OwnershipVerified     bool           `json:"ownership_verified"`
	IdentifierPlaceholder string         `json:"identifier_placeholder,omitempty"`
	MergedInto            string         `json:"merged_into,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	PublishedAt           *time.Time     `json:"published_at,omitempty"`
}

// Canonical field names carried on entities.
const (
	FieldVIN           = "vin"
	FieldYear          = "year"
	FieldMake          = "make"
	FieldModel         = "model"
	FieldTrim          = "trim"
	FieldPrice         = "price"
	FieldMileage       = "mileage"
	FieldTransmission  = "transmission"
	FieldDrivetrain    = "drivetrain"
	FieldColor         = "color"
	FieldLocation      = "location"
	FieldDescription   = "description"
	FieldTitle         = "title"
	FieldListingStatus = "listing_status"
)

// CriticalFields are identity-bearing fields held to the stricter threshold.
var CriticalFields = map[string]bool{
	FieldVIN:   true,
	FieldYear:  true,
	FieldMake:  true,
	FieldModel: true,
}

// EntityFields lists every field the pipeline proposes, in proposal order.
var EntityFields = []string{
	FieldVIN, FieldYear, FieldMake, FieldModel, FieldTrim, FieldPrice,
	FieldMileage, FieldTransmission, FieldDrivetrain, FieldColor,
	FieldLocation, FieldDescription, FieldTitle, FieldListingStatus,
}

// EntitySnapshot is an entity together with its projected field values and
// stored media, the input of the quality gate.
type EntitySnapshot struct {
	Entity Entity                `json:"entity"`
	Fields map[string]FieldState `json:"fields"`
	Media  []MediaAsset          `json:"media"`
}

// Value returns the current value of a field or "".
func (s *EntitySnapshot) Value(field string) string {
	if st, ok := s.Fields[field]; ok {
		return st.Value
	}
	return ""
}
