package consensus

import (
	"fmt"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// Decision reasons recorded on provenance rows.
const (
	ReasonRecordOnly     = "record only"
	ReasonEmptyValue     = "empty value"
	ReasonLocked         = "field locked"
	ReasonBelowThreshold = "below threshold"
	ReasonNoCurrent      = "no current value"
	ReasonOutranks       = "source outranks current"
	ReasonConfidence     = "confidence not lower than current"
	ReasonOutranked      = "current value is more trusted and more confident"
)

// Decide applies the acceptance rule to one proposal against the current
// state of its field. It is pure: the same inputs always give the same
// answer, and both the live engine and Project use it.
func Decide(cfg *Config, current *model.FieldState, proposed model.FieldProvenance) (bool, string) {
	if proposed.Value == "" {
		return false, ReasonEmptyValue
	}
	if current != nil && current.Locked && proposed.SourceKind != model.SourceVerifiedDocument {
		return false, ReasonLocked
	}
	threshold := cfg.Threshold(proposed.FieldName)
	if proposed.Confidence < threshold {
		return false, fmt.Sprintf("%s %.2f < %.2f", ReasonBelowThreshold, proposed.Confidence, threshold)
	}
	if !current.HasValue() {
		return true, ReasonNoCurrent
	}
	if proposed.SourceKind.Outranks(current.SourceKind) {
		return true, ReasonOutranks
	}
	if proposed.Confidence >= current.Confidence {
		return true, ReasonConfidence
	}
	return false, ReasonOutranked
}

// ReplayFunc returns the acceptance rule for rebuilding current values from
// a stored log. Observations that were recorded only stay recorded only.
func ReplayFunc(cfg *Config) model.AcceptFunc {
	return func(current *model.FieldState, rec model.FieldProvenance) (bool, string) {
		if rec.Reason == ReasonRecordOnly {
			return false, ReasonRecordOnly
		}
		return Decide(cfg, current, rec)
	}
}

// Project replays a provenance log through Decide and returns the resulting
// current values. records must be in append order. Locks are not part of
// the log, so the projection is that of an entity with no locked fields.
func Project(cfg *Config, records []model.FieldProvenance) map[string]model.FieldState {
	decide := ReplayFunc(cfg)
	out := make(map[string]model.FieldState)
	for _, rec := range records {
		var current *model.FieldState
		if st, ok := out[rec.FieldName]; ok {
			current = &st
		}
		if accepted, _ := decide(current, rec); !accepted {
			continue
		}
		out[rec.FieldName] = model.FieldState{
			Value:      rec.Value,
			SourceKind: rec.SourceKind,
			SourceURL:  rec.SourceURL,
			Confidence: rec.Confidence,
			UpdatedAt:  rec.ObservedAt,
		}
	}
	return out
}
