package ledger

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	statements := splitSQLStatements(`-- header; with semicolon
CREATE TABLE a (id INT);

CREATE TABLE b (id INT);
`)
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(statements), statements)
	}
	if !strings.HasPrefix(statements[1], "CREATE TABLE b") {
		t.Fatalf("unexpected statement: %q", statements[1])
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_more.sql":  {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"README.md":      {Data: []byte("ignored")},
		"0003_empty.sql": {Data: []byte("-- nothing\n")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", files[0].version, files[1].version)
	}
}

func TestEmbeddedMigrationCreatesLedgerTables(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	var joined strings.Builder
	for _, file := range files {
		joined.WriteString(strings.Join(file.statements, "\n"))
	}
	for _, table := range []string{"pof_records", "pof_escrow", "pof_nonces", "pof_uniqueness", "pof_settings"} {
		if !strings.Contains(joined.String(), table) {
			t.Fatalf("embedded migrations missing table %s", table)
		}
	}
}
