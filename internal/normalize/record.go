package normalize

import (
	"strconv"
	"unicode/utf8"

	"github.com/sells-group/listing-pipeline/internal/model"
)

const maxDescriptionRunes = 8000

// Record normalizes every field of rec in place, drops values that do not
// survive normalization, derives year/make/model from the title when
// missing, and decodes the model year from a valid VIN.
func Record(rec *model.NormalizedRecord) {
	if rec == nil {
		return
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]model.Observation)
	}

	apply := func(field string, fn func(string) string) {
		obs, ok := rec.Fields[field]
		if !ok {
			return
		}
		v := fn(obs.Value)
		if v == "" {
			delete(rec.Fields, field)
			return
		}
		obs.Value = v
		rec.Fields[field] = obs
	}

	apply(model.FieldVIN, NormalizeVIN)
	apply(model.FieldYear, NormalizeYear)
	apply(model.FieldMake, NormalizeMake)
	apply(model.FieldPrice, NormalizePrice)
	apply(model.FieldMileage, NormalizeMileage)
	apply(model.FieldTitle, CleanText)
	apply(model.FieldTrim, CleanText)
	apply(model.FieldColor, CleanText)
	apply(model.FieldTransmission, CleanText)
	apply(model.FieldDrivetrain, CleanText)
	apply(model.FieldLocation, CleanText)
	apply(model.FieldListingStatus, CleanText)
	apply(model.FieldDescription, func(s string) string {
		s = StripHTML(s)
		if utf8.RuneCountInString(s) > maxDescriptionRunes {
			s = string([]rune(s)[:maxDescriptionRunes])
		}
		return s
	})

	if title := rec.Get(model.FieldTitle); title != "" {
		parts := ParseTitle(title)
		if parts.Year != 0 {
			rec.Fill(model.FieldYear, strconv.Itoa(parts.Year), model.SourceFreeText, 0.75)
		}
		if parts.Make != "" {
			conf := 0.75
			if !parts.KnownMake {
				conf = 0.5
			}
			rec.Fill(model.FieldMake, parts.Make, model.SourceFreeText, conf)
		}
		if parts.Model != "" {
			rec.Fill(model.FieldModel, parts.Model, model.SourceFreeText, 0.7)
		}
	}

	mk, year := rec.Get(model.FieldMake), rec.Get(model.FieldYear)
	apply(model.FieldModel, func(s string) string {
		return StripMakePrefix(StripYearPrefix(CleanModel(s), year), mk)
	})

	if vin := rec.Get(model.FieldVIN); vin != "" {
		decodeYear(rec, vin)
		capUncheckedVIN(rec, vin)
	}

	rec.Images = canonicalImages(rec.Images)
	rec.Seller.Name = CleanText(rec.Seller.Name)
	rec.Seller.Website = CanonicalWebsite(rec.Seller.Website)
	rec.Seller.City = CleanText(rec.Seller.City)
	rec.Seller.State = NormalizeState(rec.Seller.State)
}

// decodeYear reconciles the listed year with the VIN-decoded one. A match
// upgrades the observation to identifier_decode; a missing year is filled
// from the VIN. A conflicting listed year is kept, since the position-7
// cycle rule only holds for North American vehicles.
func decodeYear(rec *model.NormalizedRecord, vin string) {
	y := ModelYearFromVIN(vin)
	if y == 0 || !PlausibleYear(y) {
		return
	}
	listed := rec.Year()
	switch {
	case listed == 0:
		rec.Set(model.FieldYear, strconv.Itoa(y), model.SourceIdentifierDecode, 0.85)
	case listed == y:
		rec.Set(model.FieldYear, strconv.Itoa(y), model.SourceIdentifierDecode, 0.95)
	}
}

// uncheckedVINConfidence caps a VIN whose check digit fails. It stays above
// the critical threshold since many non-North-American VINs skip the digit.
const uncheckedVINConfidence = 0.85

func capUncheckedVIN(rec *model.NormalizedRecord, vin string) {
	if VINCheckDigitValid(vin) {
		return
	}
	obs := rec.Fields[model.FieldVIN]
	if obs.Confidence > uncheckedVINConfidence {
		obs.Confidence = uncheckedVINConfidence
		rec.Fields[model.FieldVIN] = obs
	}
}

func canonicalImages(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		c, err := CanonicalURL(raw)
		if err != nil || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
