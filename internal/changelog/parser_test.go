package changelog

import (
	"strings"
	"testing"
)

const sample = `--liquibase formatted sql

--changeset alice:1
--comment: create people
CREATE TABLE people (
  id INTEGER PRIMARY KEY,
  name TEXT
);
INSERT INTO people (id, name) VALUES (1, '${who}');
--rollback DROP TABLE people;

--changeset bob:2 runOnChange:true failOnError:false context:dev
--tagDatabase: v1
-- just a note
UPDATE people SET name = 'x' WHERE id = 1;
`

func TestParseFormattedSQL(t *testing.T) {
	cs, err := ParseFormattedSQL("db/changelog/p1/generic/a.sql", []byte(sample), map[string]string{"who": "carol"})
	if err != nil {
		t.Fatalf("ParseFormattedSQL: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 changesets, got %d", len(cs))
	}

	first := cs[0]
	if first.Author != "alice" || first.ID != "1" || first.Filename != "db/changelog/p1/generic/a.sql" {
		t.Fatalf("unexpected identity: %+v", first)
	}
	if first.Comment != "create people" {
		t.Fatalf("comment = %q", first.Comment)
	}
	if len(first.Statements) != 2 {
		t.Fatalf("expected 2 statements, got %d: %#v", len(first.Statements), first.Statements)
	}
	if !strings.Contains(first.Statements[1], "'carol'") {
		t.Fatalf("params not expanded: %q", first.Statements[1])
	}
	if first.Rollback != "DROP TABLE people;" {
		t.Fatalf("rollback = %q", first.Rollback)
	}
	if !first.FailOnError || first.RunOnChange {
		t.Fatalf("unexpected defaults: %+v", first)
	}

	second := cs[1]
	if !second.RunOnChange || second.FailOnError {
		t.Fatalf("attributes not parsed: %+v", second)
	}
	if second.Tag != "v1" {
		t.Fatalf("tag = %q", second.Tag)
	}
	if len(second.Statements) != 1 || !strings.HasPrefix(second.Statements[0], "-- just a note") {
		t.Fatalf("statements = %#v", second.Statements)
	}
}

func TestParseFormattedSQL_SplitStatementsFalse(t *testing.T) {
	src := "--liquibase formatted sql\n--changeset a:1 splitStatements:false\nCREATE TRIGGER t AFTER INSERT ON x BEGIN\n  SELECT 1;\nEND;\n"
	cs, err := ParseFormattedSQL("t.sql", []byte(src), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs[0].Statements) != 1 {
		t.Fatalf("expected a single statement, got %#v", cs[0].Statements)
	}
}

func TestParseFormattedSQL_SQLOutsideChangeset(t *testing.T) {
	if _, err := ParseFormattedSQL("bad.sql", []byte("--liquibase formatted sql\nSELECT 1;\n"), nil); err == nil {
		t.Fatal("expected error for sql before the first changeset")
	}
}

func TestParseFormattedSQL_InvalidAttribute(t *testing.T) {
	src := "--changeset a:1 runAlways:maybe\nSELECT 1;\n"
	if _, err := ParseFormattedSQL("bad.sql", []byte(src), nil); err == nil {
		t.Fatal("expected error for invalid boolean attribute")
	}
}

func TestChecksum(t *testing.T) {
	a := Checksum("CREATE TABLE x (\n  id INT\n);")
	b := Checksum("CREATE   TABLE x ( id INT );")
	if a != b {
		t.Fatalf("whitespace must not change the checksum: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "9:") || len(a) != 34 {
		t.Fatalf("unexpected checksum format %q", a)
	}
	if a == Checksum("CREATE TABLE y (id INT);") {
		t.Fatal("different sql must produce a different checksum")
	}
}
