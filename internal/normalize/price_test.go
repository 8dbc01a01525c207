package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"labeled asking", "Asking $12,500", "12500"},
		{"labeled no dollar sign", "Price: 12.500", "12500"},
		{"period thousands", "Price: 1.250.000", "1250000"},
		{"cents ignored", "$12,500.00", "12500"},
		{"k suffix", "$15k", "15000"},
		{"fractional k", "$12.5k", "12500"},
		{"bare digits", "12500", "12500"},
		{"html", "<span class=\"price\">$22,900</span>", "22900"},
		{"entity encoded", "Sale Price&#58; $31,000", "31000"},
		{"labeled beats unlabeled", "Was $35,000. Sold for $31,000", "31000"},
		{"small fee ignored", "$25,000 plus $500 doc fee", "25000"},
		{"dominant largest", "$45,000 or hold it with a $1,200 deposit", "45000"},
		{"ambiguous unlabeled", "Was $18,000 now $16,500", ""},
		{"below range", "$500", ""},
		{"above range", "$3,000,000", ""},
		{"no price", "Call for price", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizePrice(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizePrice(got), "idempotent")
		})
	}
}

func TestParsePrice_Range(t *testing.T) {
	t.Parallel()

	amt, ok := ParsePrice("$1,000")
	assert.True(t, ok)
	assert.Equal(t, int64(1000), amt)

	amt, ok = ParsePrice("$2,000,000")
	assert.True(t, ok)
	assert.Equal(t, int64(2_000_000), amt)

	_, ok = ParsePrice("$999")
	assert.False(t, ok)
}
