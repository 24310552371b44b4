package upsert

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRecordInvalid indicates a record rejected by upstream validation was
// offered to the load step.
var ErrRecordInvalid = errors.New("record failed validation")

// Validation is the outcome of the upstream field-validation collaborator:
// either a cleaned record ready for the fact load, or the errors that
// rejected it. Warnings ride along in both cases. Callers cannot reach the
// record without an explicit validity check.
type Validation struct {
	record   Record
	valid    bool
	errors   []string
	warnings []string
}

// Valid constructs the outcome for a record that passed validation.
func Valid(rec Record, warnings ...string) Validation {
	return Validation{record: rec, valid: true, warnings: warnings}
}

// Invalid constructs the outcome for a rejected record.
func Invalid(errs []string, warnings ...string) Validation {
	return Validation{errors: errs, warnings: warnings}
}

// Record returns the cleaned record and true, or (zero, false) when the
// record was rejected.
func (v Validation) Record() (Record, bool) {
	if !v.valid {
		return Record{}, false
	}

	return v.record, true
}

// Errors returns the validation errors for a rejected record.
func (v Validation) Errors() []string {
	return v.errors
}

// Warnings returns the non-fatal findings attached to the outcome.
func (v Validation) Warnings() []string {
	return v.warnings
}

// UpsertValidated consumes a validation outcome directly: rejected records
// fail with ErrRecordInvalid carrying the validation errors, cleaned records
// go through the usual insert/update/skip decision with the validation
// warnings merged into the result.
func (e *Engine) UpsertValidated(ctx context.Context, organizationID string, v Validation, dims Dimensions, sourceFileID string) (*Result, error) {
	rec, ok := v.Record()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordInvalid, strings.Join(v.Errors(), "; "))
	}

	result, err := e.Upsert(ctx, organizationID, rec, dims, sourceFileID)
	if err != nil {
		return nil, err
	}

	result.Warnings = append(result.Warnings, v.Warnings()...)

	return result, nil
}
