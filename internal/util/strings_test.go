package util

import "testing"

func TestTrimHelpers(t *testing.T) {
	if v, ok := TrimEmptyCheck("  x "); !ok || v != "x" {
		t.Fatalf("TrimEmptyCheck = %q,%v", v, ok)
	}
	if _, ok := TrimEmptyCheck("   "); ok {
		t.Fatal("blank input must report empty")
	}
	if got := TrimWithDefault(" ", "DATABASECHANGELOG"); got != "DATABASECHANGELOG" {
		t.Fatalf("TrimWithDefault = %q", got)
	}
	if got := TrimAndLower(" P1 "); got != "p1" {
		t.Fatalf("TrimAndLower = %q", got)
	}
}

func TestTrimStructFields(t *testing.T) {
	s := struct {
		Name  string
		Count int
		inner string
	}{Name: "  a  ", Count: 2, inner: " b "}
	TrimStructFields(&s)
	if s.Name != "a" || s.inner != " b " {
		t.Fatalf("unexpected trim result: %+v", s)
	}
}

func TestIsSQLIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"DATABASECHANGELOG", true},
		{"app.DATABASECHANGELOG", true},
		{"_ledger1", true},
		{"", false},
		{"1table", false},
		{"t; DROP TABLE x", false},
		{"a.b.c", false},
		{`"quoted"`, false},
	}
	for _, tt := range tests {
		if got := IsSQLIdentifier(tt.in); got != tt.want {
			t.Errorf("IsSQLIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
