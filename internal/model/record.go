package model

import "strconv"

// Observation is one extracted field value with its origin and confidence.
type Observation struct {
	Value      string     `json:"value"`
	Kind       SourceKind `json:"source_kind"`
	Confidence float64    `json:"confidence"`
}

// Seller describes the party offering a listing.
type Seller struct {
	Name    string `json:"name,omitempty"`
	Website string `json:"website,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Empty reports whether no seller information was found.
func (s Seller) Empty() bool {
	return s.Name == "" && s.Website == ""
}

// NormalizedRecord is the output of the extraction orchestrator. Every field
// is optional; absent fields have no entry in Fields.
type NormalizedRecord struct {
	URL      string                 `json:"url"`
	Strategy string                 `json:"strategy"`
	Fields   map[string]Observation `json:"fields"`
	Images   []string               `json:"images,omitempty"`
	Seller   Seller                 `json:"seller"`
}

// NewRecord returns an empty record for url.
func NewRecord(url, strategy string) *NormalizedRecord {
	return &NormalizedRecord{URL: url, Strategy: strategy, Fields: make(map[string]Observation)}
}

// Get returns the value of field or "".
func (r *NormalizedRecord) Get(field string) string {
	if r == nil {
		return ""
	}
	return r.Fields[field].Value
}

// Set stores an observation for field when value is non-empty and the
// field is unset or the new observation is more trusted or more confident.
func (r *NormalizedRecord) Set(field, value string, kind SourceKind, confidence float64) {
	if value == "" {
		return
	}
	if r.Fields == nil {
		r.Fields = make(map[string]Observation)
	}
	cur, ok := r.Fields[field]
	if ok {
		if cur.Kind.Outranks(kind) {
			return
		}
		if cur.Kind == kind && cur.Confidence >= confidence {
			return
		}
	}
	r.Fields[field] = Observation{Value: value, Kind: kind, Confidence: confidence}
}

// Fill sets field only when it is absent.
func (r *NormalizedRecord) Fill(field, value string, kind SourceKind, confidence float64) {
	if value == "" {
		return
	}
	if _, ok := r.Fields[field]; ok {
		return
	}
	r.Set(field, value, kind, confidence)
}

// Year returns the parsed model year or 0.
func (r *NormalizedRecord) Year() int {
	y, err := strconv.Atoi(r.Get(FieldYear))
	if err != nil {
		return 0
	}
	return y
}

// HasIdentity reports whether the record carries enough to identify an
// entity: a VIN, or year and make, or make and model.
func (r *NormalizedRecord) HasIdentity() bool {
	if r == nil {
		return false
	}
	if r.Get(FieldVIN) != "" {
		return true
	}
	if r.Get(FieldMake) == "" {
		return false
	}
	return r.Get(FieldYear) != "" || r.Get(FieldModel) != ""
}

// Merge copies into r every field of other that r lacks, plus images and
// seller details when r has none.
func (r *NormalizedRecord) Merge(other *NormalizedRecord) {
	if other == nil {
		return
	}
	for k, obs := range other.Fields {
		r.Fill(k, obs.Value, obs.Kind, obs.Confidence)
	}
	if len(r.Images) == 0 {
		r.Images = append(r.Images, other.Images...)
	}
	if r.Seller.Empty() {
		r.Seller = other.Seller
	}
}
