package main

import (
	"fmt"
	"strings"
	"testing"
	"testing/fstest"
)

// validSchemaFiles builds an in-memory migration set matching the expected
// schema, one minimal up/down pair per table.
func validSchemaFiles() fstest.MapFS {
	fsys := fstest.MapFS{}

	for _, m := range expectedSchema {
		base := fmt.Sprintf("%03d_%s", m.Sequence, m.Name)
		fsys[base+".up.sql"] = &fstest.MapFile{
			Data: []byte("CREATE TABLE " + m.Table + " (id TEXT PRIMARY KEY);\n"),
		}
		fsys[base+".down.sql"] = &fstest.MapFile{
			Data: []byte("DROP TABLE IF EXISTS " + m.Table + ";\n"),
		}
	}

	return fsys
}

func TestLoadSchemaSet_EmbeddedSetIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set, err := LoadSchemaSet(nil)
	if err != nil {
		t.Fatalf("embedded schema rejected: %v", err)
	}

	migrations := set.Migrations()
	if len(migrations) != len(expectedSchema) {
		t.Fatalf("migrations = %d, want %d", len(migrations), len(expectedSchema))
	}

	for i, m := range migrations {
		want := expectedSchema[i]
		if m.Sequence != want.Sequence || m.Name != want.Name || m.Table != want.Table {
			t.Errorf("migration %d = %+v, want %+v", i, m, want)
		}

		if len(m.UpChecksum) != 64 || len(m.DownChecksum) != 64 {
			t.Errorf("migration %s checksums not sha256 hex: up=%q down=%q", m.Name, m.UpChecksum, m.DownChecksum)
		}
	}

	if set.MaxVersion() != 5 {
		t.Errorf("max version = %d, want 5", set.MaxVersion())
	}
}

func TestLoadSchemaSet_PendingAfter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set, err := LoadSchemaSet(validSchemaFiles())
	if err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}

	tests := []struct {
		version uint
		want    []string
	}{
		{0, []string{
			"create_etl_files",
			"create_etl_runs",
			"create_etl_dead_letter_queue",
			"create_fact_production_records",
			"create_etl_run_log",
		}},
		{3, []string{"create_fact_production_records", "create_etl_run_log"}},
		{5, []string{}},
	}

	for _, tt := range tests {
		got := set.PendingAfter(tt.version)
		if len(got) != len(tt.want) {
			t.Errorf("pending after %d = %v, want %v", tt.version, got, tt.want)

			continue
		}

		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("pending after %d = %v, want %v", tt.version, got, tt.want)

				break
			}
		}
	}
}

func TestLoadSchemaSet_RejectsBrokenSets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(fsys fstest.MapFS)
		wantErr string
	}{
		{
			name: "missing down script",
			mutate: func(fsys fstest.MapFS) {
				delete(fsys, "002_create_etl_runs.down.sql")
			},
			wantErr: "both an up and a down script",
		},
		{
			name: "missing pair entirely",
			mutate: func(fsys fstest.MapFS) {
				delete(fsys, "005_create_etl_run_log.up.sql")
				delete(fsys, "005_create_etl_run_log.down.sql")
			},
			wantErr: "missing migration 005_create_etl_run_log",
		},
		{
			name: "malformed filename",
			mutate: func(fsys fstest.MapFS) {
				fsys["06_bad.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
			},
			wantErr: "malformed migration filename",
		},
		{
			name: "migration outside the schema set",
			mutate: func(fsys fstest.MapFS) {
				fsys["006_create_extra_table.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE extra ();")}
				fsys["006_create_extra_table.down.sql"] = &fstest.MapFile{Data: []byte("DROP TABLE IF EXISTS extra;")}
			},
			wantErr: "unexpected migrations",
		},
		{
			name: "sequence claimed twice",
			mutate: func(fsys fstest.MapFS) {
				fsys["003_create_something_else.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
			},
			wantErr: "sequence 003 claimed by both",
		},
		{
			name: "up script does not create its table",
			mutate: func(fsys fstest.MapFS) {
				fsys["001_create_etl_files.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
			},
			wantErr: "does not create table etl_files",
		},
		{
			name: "down script does not drop its table",
			mutate: func(fsys fstest.MapFS) {
				fsys["004_create_fact_production_records.down.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
			},
			wantErr: "does not drop table fact_production_records",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := validSchemaFiles()
			tt.mutate(fsys)

			_, err := LoadSchemaSet(fsys)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}

			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestChecksum_IsDeterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := checksum([]byte("CREATE TABLE t ();"))
	b := checksum([]byte("CREATE TABLE t ();"))
	c := checksum([]byte("CREATE TABLE u ();"))

	if a != b {
		t.Error("same content must hash identically")
	}

	if a == c {
		t.Error("different content must hash differently")
	}
}
