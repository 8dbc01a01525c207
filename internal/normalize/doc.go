// Package normalize turns raw listing text into canonical identity values:
// VINs, prices, makes, models, years, mileage, URLs and seller names.
//
// Every exported normalizer is total (never panics, returns the zero value
// when nothing usable is found) and idempotent: f(f(x)) == f(x).
package normalize
