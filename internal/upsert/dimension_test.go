package upsert

import "testing"

func TestDimensionRef_Resolved(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ref := Resolved("equip-42")

	if ref.IsPending() {
		t.Error("resolved ref must not be pending")
	}

	if ref.StoredValue() != "equip-42" {
		t.Errorf("StoredValue() = %q, want %q", ref.StoredValue(), "equip-42")
	}

	id, ok := ref.ID()
	if !ok || id != "equip-42" {
		t.Errorf("ID() = (%q, %v), want (equip-42, true)", id, ok)
	}
}

func TestDimensionRef_Pending(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ref := Pending("BAHMAN")

	if !ref.IsPending() {
		t.Error("pending ref must report pending")
	}

	if ref.StoredValue() != "pending:BAHMAN" {
		t.Errorf("StoredValue() = %q, want %q", ref.StoredValue(), "pending:BAHMAN")
	}

	if _, ok := ref.ID(); ok {
		t.Error("pending ref must not expose an id")
	}
}

func TestParseDimensionRef_RoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		stored string
		isPend bool
	}{
		{name: "resolved id", stored: "equip-42", isPend: false},
		{name: "pending placeholder", stored: "pending:BAHMAN", isPend: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := ParseDimensionRef(tt.stored)

			if ref.IsPending() != tt.isPend {
				t.Errorf("IsPending() = %v, want %v", ref.IsPending(), tt.isPend)
			}

			if ref.StoredValue() != tt.stored {
				t.Errorf("round trip lost the stored form: %q vs %q", ref.StoredValue(), tt.stored)
			}
		})
	}
}
