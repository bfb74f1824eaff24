package migrate

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	script := `
-- lands catalog
create table lands (id text primary key);
insert into lands(id) values ('MARS;A1');
create index lands_idx on lands(id); -- trailing note
`
	stmts := splitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[1] != "insert into lands(id) values ('MARS;A1');" {
		t.Fatalf("semicolon inside a string literal must not split: %q", stmts[1])
	}
}

func TestSplitStatementsTrailingWithoutSemicolon(t *testing.T) {
	stmts := splitStatements("delete from lands")
	if len(stmts) != 1 || stmts[0] != "delete from lands" {
		t.Fatalf("unexpected statements: %q", stmts)
	}
}

func TestListSQLFilesOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	names, err := listSQLFiles(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0001_a.up.sql", "0002_b.up.sql"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("got %v, want %v", names, want)
	}
}

func TestListSQLFilesMissingDir(t *testing.T) {
	names, err := listSQLFiles(filepath.Join(t.TempDir(), "absent"), ".sql")
	if err != nil {
		t.Fatalf("missing directory should not error: %v", err)
	}
	if names != nil {
		t.Fatalf("expected nil, got %v", names)
	}
}
