// Package etl provides the domain model for the Factline ingestion pipeline:
// the file lifecycle state machine, file and run records, dead-letter entries,
// fact records, and the persistence interfaces the engine consumes.
//
// This package defines interfaces which represent what the domain needs for
// persistence, following the Dependency Inversion Principle. Concrete
// implementations (PostgreSQL, in-memory) live in the internal/storage package.
package etl

import (
	"errors"
	"fmt"
)

// FileState represents the lifecycle state of an uploaded file (and of each
// processing run against it).
type FileState string

const (
	// StateUploaded is the initial state after a file artifact lands.
	StateUploaded FileState = "uploaded"

	// StateParsing indicates the file contents are being parsed.
	StateParsing FileState = "parsing"

	// StateParsed indicates parsing concluded successfully.
	StateParsed FileState = "parsed"

	// StateValidating indicates record-level validation is in progress.
	StateValidating FileState = "validating"

	// StateValidated indicates validation concluded successfully.
	StateValidated FileState = "validated"

	// StateAwaitingApproval indicates the file is parked pending manual approval.
	StateAwaitingApproval FileState = "awaiting_approval"

	// StateApproved indicates an approver released the file for loading.
	StateApproved FileState = "approved"

	// StateLoading indicates fact records are being written.
	StateLoading FileState = "loading"

	// StateLoaded is the terminal success state. No outgoing transitions.
	StateLoaded FileState = "loaded"

	// StateFailed indicates the last processing step failed. A retry re-enters
	// the pipeline at parsing.
	StateFailed FileState = "failed"

	// StateCancelled indicates a manual cancellation. A manual restart
	// re-enters the pipeline at parsing.
	StateCancelled FileState = "cancelled"
)

// ErrInvalidTransition indicates a state transition not present in the
// transition table. The wrapped message carries the rejected (from, to) pair.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the full lifecycle table: each state maps to the set of
// states it may move to. States absent from the table (and unknown states)
// have no outgoing transitions.
//
// failed→parsing and cancelled→parsing deliberately re-enter the pipeline at
// the first processing state: a retry restarts the whole pipeline rather than
// resuming mid-flight.
var transitions = map[FileState][]FileState{
	StateUploaded:         {StateParsing, StateCancelled},
	StateParsing:          {StateParsed, StateFailed},
	StateParsed:           {StateValidating, StateCancelled},
	StateValidating:       {StateValidated, StateFailed},
	StateValidated:        {StateAwaitingApproval, StateLoading, StateCancelled},
	StateAwaitingApproval: {StateApproved, StateCancelled},
	StateApproved:         {StateLoading, StateCancelled},
	StateLoading:          {StateLoaded, StateFailed},
	StateFailed:           {StateParsing},
	StateCancelled:        {StateParsing},
}

// AllStates returns every state in the lifecycle table, including the
// terminal loaded state.
func AllStates() []FileState {
	return []FileState{
		StateUploaded,
		StateParsing,
		StateParsed,
		StateValidating,
		StateValidated,
		StateAwaitingApproval,
		StateApproved,
		StateLoading,
		StateLoaded,
		StateFailed,
		StateCancelled,
	}
}

// IsValid checks if the FileState is a known lifecycle state.
func (s FileState) IsValid() bool {
	for _, valid := range AllStates() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the state has no outgoing transitions.
// Only loaded is terminal; failed and cancelled can re-enter at parsing.
func (s FileState) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// IsValidTransition reports whether to is listed in the transition table
// under from. A pure table lookup: unknown states always return false.
func IsValidTransition(from, to FileState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// ValidNextStates returns a copy of the transition table row for state.
// Returns an empty slice for terminal or unknown states.
func ValidNextStates(state FileState) []FileState {
	row := transitions[state]
	next := make([]FileState, len(row))
	copy(next, row)

	return next
}

// ValidateTransition checks a transition against the table and returns
// ErrInvalidTransition carrying the rejected pair when it is not allowed.
func ValidateTransition(from, to FileState) error {
	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}
