// Command factline-migrate manages the factline PostgreSQL schema. The five
// schema migrations ship embedded in the binary and are checked against the
// authoritative set before any database work happens, so a broken build
// (missing pair, stray file, script that does not touch its table) is
// rejected up front instead of half-applied.
package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed *.sql
var schemaFS embed.FS

// expectedSchema is the authoritative migration set. Each entry is one
// up/down pair and the table it owns.
var expectedSchema = []SchemaMigration{
	{Sequence: 1, Name: "create_etl_files", Table: "etl_files"},
	{Sequence: 2, Name: "create_etl_runs", Table: "etl_runs"},
	{Sequence: 3, Name: "create_etl_dead_letter_queue", Table: "etl_dead_letter_queue"},
	{Sequence: 4, Name: "create_fact_production_records", Table: "fact_production_records"},
	{Sequence: 5, Name: "create_etl_run_log", Table: "etl_run_log"},
}

var migrationFilename = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// SchemaMigration describes one up/down pair of the schema.
type SchemaMigration struct {
	Sequence int
	Name     string
	Table    string

	UpChecksum   string
	DownChecksum string
}

// SchemaSet is a validated embedded migration set, ready to feed into the
// migration runner.
type SchemaSet struct {
	fsys       fs.FS
	migrations []SchemaMigration
}

// LoadSchemaSet reads and validates the migration scripts in fsys (nil means
// the embedded set). Validation is strict: the filesystem must contain
// exactly the expected pairs, every up script must create its table and
// every down script must drop it.
func LoadSchemaSet(fsys fs.FS) (*SchemaSet, error) {
	if fsys == nil {
		fsys = schemaFS
	}

	type pair struct {
		up   string
		down string
	}

	found := make(map[int]*pair, len(expectedSchema))
	names := make(map[int]string, len(expectedSchema))

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		m := migrationFilename.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("malformed migration filename %q, want NNN_name.up.sql / NNN_name.down.sql", entry.Name())
		}

		seq, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration sequence in %q: %w", entry.Name(), err)
		}

		if prev, ok := names[seq]; ok && prev != m[2] {
			return nil, fmt.Errorf("sequence %03d claimed by both %q and %q", seq, prev, m[2])
		}

		names[seq] = m[2]

		p := found[seq]
		if p == nil {
			p = &pair{}
			found[seq] = p
		}

		if m[3] == "up" {
			p.up = entry.Name()
		} else {
			p.down = entry.Name()
		}
	}

	migrations := make([]SchemaMigration, 0, len(expectedSchema))

	for _, want := range expectedSchema {
		p, ok := found[want.Sequence]
		if !ok || names[want.Sequence] != want.Name {
			return nil, fmt.Errorf("missing migration %03d_%s", want.Sequence, want.Name)
		}

		if p.up == "" || p.down == "" {
			return nil, fmt.Errorf("migration %03d_%s needs both an up and a down script", want.Sequence, want.Name)
		}

		up, err := fs.ReadFile(fsys, p.up)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.up, err)
		}

		down, err := fs.ReadFile(fsys, p.down)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.down, err)
		}

		if !strings.Contains(string(up), "CREATE TABLE "+want.Table) {
			return nil, fmt.Errorf("%s does not create table %s", p.up, want.Table)
		}

		if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+want.Table) {
			return nil, fmt.Errorf("%s does not drop table %s", p.down, want.Table)
		}

		m := want
		m.UpChecksum = checksum(up)
		m.DownChecksum = checksum(down)
		migrations = append(migrations, m)

		delete(found, want.Sequence)
	}

	if len(found) > 0 {
		extras := make([]string, 0, len(found))
		for seq := range found {
			extras = append(extras, fmt.Sprintf("%03d_%s", seq, names[seq]))
		}

		sort.Strings(extras)

		return nil, fmt.Errorf("unexpected migrations not in the schema set: %s", strings.Join(extras, ", "))
	}

	return &SchemaSet{fsys: fsys, migrations: migrations}, nil
}

// FS exposes the underlying filesystem for the migration source driver.
func (s *SchemaSet) FS() fs.FS {
	return s.fsys
}

// Migrations returns the validated pairs in sequence order.
func (s *SchemaSet) Migrations() []SchemaMigration {
	out := make([]SchemaMigration, len(s.migrations))
	copy(out, s.migrations)

	return out
}

// MaxVersion is the schema version a fully migrated database reports.
func (s *SchemaSet) MaxVersion() uint {
	return uint(s.migrations[len(s.migrations)-1].Sequence)
}

// PendingAfter lists the migration names not yet applied at the given
// database version.
func (s *SchemaSet) PendingAfter(version uint) []string {
	pending := []string{}

	for _, m := range s.migrations {
		if uint(m.Sequence) > version {
			pending = append(pending, m.Name)
		}
	}

	return pending
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
