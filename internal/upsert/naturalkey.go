// Package upsert provides the idempotent fact-load engine: natural-key based
// insert/update/skip decisions for the terminal load step, plus the deviation
// math computed on every loaded row.
package upsert

import (
	"math"
	"strings"
)

// NullShiftToken is the literal stored in the natural key when the source row
// carries no shift.
const NullShiftToken = "NULL"

// naturalKeySeparator joins the business dimensions of the natural key.
const naturalKeySeparator = "|"

// NaturalKey derives the deterministic business key for a fact row:
// date|equipment|location|shift, with the shift component defaulting to the
// literal NULL token when absent. The key is unique per organization and is
// never rewritten once a row exists.
func NaturalKey(date, equipment, location, shift string) string {
	if strings.TrimSpace(shift) == "" {
		shift = NullShiftToken
	}

	return strings.Join([]string{date, equipment, location, shift}, naturalKeySeparator)
}

// round2 rounds to 2 decimal places, half away from zero.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Deviation computes the planned-vs-actual deviation for a fact row:
//
//	amount = actual - planned
//	pct    = planned > 0 ? amount/planned*100 : 0
//
// Both are rounded to 2 decimal places, half away from zero.
func Deviation(planned, actual float64) (amount, pct float64) {
	amount = round2(actual - planned)

	if planned > 0 {
		pct = round2((actual - planned) / planned * 100)
	}

	return amount, pct
}
