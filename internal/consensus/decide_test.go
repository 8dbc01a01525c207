package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/listing-pipeline/internal/model"
)

func prop(field, value string, kind model.SourceKind, conf float64) model.FieldProvenance {
	return model.FieldProvenance{FieldName: field, Value: value, SourceKind: kind, Confidence: conf}
}

func TestDecide(t *testing.T) {
	cfg := NewDefaultConfig(0.70, 0.80)
	structured := &model.FieldState{Value: "45000", SourceKind: model.SourceStructuredListing, Confidence: 0.9}
	locked := &model.FieldState{Value: "1969", SourceKind: model.SourceIdentifierDecode, Confidence: 0.95, Locked: true}

	tests := []struct {
		name     string
		current  *model.FieldState
		proposed model.FieldProvenance
		want     bool
		reason   string
	}{
		{"empty value", nil, prop("price", "", model.SourceStructuredListing, 0.9), false, ReasonEmptyValue},
		{"first value", nil, prop("price", "45000", model.SourceFreeText, 0.75), true, ReasonNoCurrent},
		{"below default threshold", nil, prop("price", "45000", model.SourceFreeText, 0.69), false, ""},
		{"critical threshold", nil, prop("year", "1969", model.SourceStructuredListing, 0.75), false, ""},
		{"critical threshold met", nil, prop("year", "1969", model.SourceStructuredListing, 0.80), true, ReasonNoCurrent},
		{"outranks with lower confidence", structured, prop("price", "46000", model.SourceIdentifierDecode, 0.8), true, ReasonOutranks},
		{"lower rank higher confidence", structured, prop("price", "47000", model.SourceAIInference, 0.95), true, ReasonConfidence},
		{"lower rank equal confidence", structured, prop("price", "47000", model.SourceFreeText, 0.9), true, ReasonConfidence},
		{"lower rank lower confidence", structured, prop("price", "47000", model.SourceFreeText, 0.8), false, ReasonOutranked},
		{"locked rejects higher confidence", locked, prop("year", "1970", model.SourceIdentifierDecode, 0.99), false, ReasonLocked},
		{"verified document overrides lock", locked, prop("year", "1970", model.SourceVerifiedDocument, 1.0), true, ReasonOutranks},
		{"locked without value", &model.FieldState{Locked: true}, prop("color", "red", model.SourceStructuredListing, 0.9), false, ReasonLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Decide(cfg, tt.current, tt.proposed)
			assert.Equal(t, tt.want, got)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, reason)
			} else {
				assert.Contains(t, reason, ReasonBelowThreshold)
			}
		})
	}
}

func TestDecide_Deterministic(t *testing.T) {
	cfg := NewDefaultConfig(0.70, 0.80)
	cur := &model.FieldState{Value: "Camaro", SourceKind: model.SourceFreeText, Confidence: 0.8}
	p := prop("model", "Camaro SS", model.SourceAIInference, 0.85)
	a, ra := Decide(cfg, cur, p)
	b, rb := Decide(cfg, cur, p)
	assert.Equal(t, a, b)
	assert.Equal(t, ra, rb)
}

func TestProject(t *testing.T) {
	cfg := NewDefaultConfig(0.70, 0.80)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(p model.FieldProvenance, i int) model.FieldProvenance {
		p.ObservedAt = t0.Add(time.Duration(i) * time.Minute)
		return p
	}

	log := []model.FieldProvenance{
		at(prop("price", "45000", model.SourceStructuredListing, 0.9), 0),
		at(prop("price", "99", model.SourceAIInference, 0.7), 1),          // outranked and less confident
		at(prop("year", "1969", model.SourceFreeText, 0.75), 2),           // below critical threshold
		at(prop("year", "1969", model.SourceIdentifierDecode, 0.95), 3),   // accepted
		at(prop("price", "44000", model.SourceStructuredListing, 0.9), 4), // equal confidence wins
	}

	got := Project(cfg, log)
	assert.Len(t, got, 2)
	assert.Equal(t, "44000", got["price"].Value)
	assert.Equal(t, t0.Add(4*time.Minute), got["price"].UpdatedAt)
	assert.Equal(t, "1969", got["year"].Value)
	assert.Equal(t, model.SourceIdentifierDecode, got["year"].SourceKind)

	assert.Empty(t, Project(cfg, nil))
}

func TestProject_SkipsRecordOnly(t *testing.T) {
	cfg := NewDefaultConfig(0.70, 0.80)
	locked := prop("price", "1", model.SourceVerifiedDocument, 1.0)
	locked.Reason = ReasonRecordOnly

	got := Project(cfg, []model.FieldProvenance{
		prop("price", "45000", model.SourceStructuredListing, 0.9),
		locked,
	})
	assert.Equal(t, "45000", got["price"].Value)

	accepted, reason := ReplayFunc(cfg)(nil, locked)
	assert.False(t, accepted)
	assert.Equal(t, ReasonRecordOnly, reason)
}
