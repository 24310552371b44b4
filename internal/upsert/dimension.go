package upsert

import "strings"

// pendingPrefix tags placeholder identifiers minted for dimensions that were
// absent at load time. The prefix survives persistence so a later resolution
// pass can find rows still pointing at placeholders.
const pendingPrefix = "pending:"

// DimensionRef is a tagged reference to a business dimension: either a
// resolved stable id or a pending placeholder minted by the dimension-lookup
// collaborator. Callers cannot treat a pending reference as resolved without
// an explicit check.
type DimensionRef struct {
	value   string
	pending bool
}

// Resolved constructs a reference to a resolved dimension id.
func Resolved(id string) DimensionRef {
	return DimensionRef{value: id}
}

// Pending constructs a placeholder reference for an unresolved dimension.
func Pending(placeholderKey string) DimensionRef {
	return DimensionRef{value: placeholderKey, pending: true}
}

// ParseDimensionRef reconstructs a reference from its stored form: values
// carrying the pending prefix come back as pending placeholders.
func ParseDimensionRef(stored string) DimensionRef {
	if key, ok := strings.CutPrefix(stored, pendingPrefix); ok {
		return Pending(key)
	}

	return Resolved(stored)
}

// IsPending reports whether the reference is an unresolved placeholder.
func (r DimensionRef) IsPending() bool {
	return r.pending
}

// StoredValue returns the persistable form of the reference: the id for a
// resolved dimension, or the prefixed placeholder key for a pending one.
func (r DimensionRef) StoredValue() string {
	if r.pending {
		return pendingPrefix + r.value
	}

	return r.value
}

// ID returns the resolved id and true, or ("", false) for a pending
// reference.
func (r DimensionRef) ID() (string, bool) {
	if r.pending {
		return "", false
	}

	return r.value, true
}
