package util

import "testing"

func TestExpandParams(t *testing.T) {
	params := map[string]string{"project": "p1", "db.type": "postgresql"}

	tests := []struct {
		in   string
		want string
	}{
		{"db/changelog/${project}/${db.type}", "db/changelog/p1/postgresql"},
		{"no params here", "no params here"},
		{"${missing}/x", "${missing}/x"},
		{"$project", "$project"},
	}
	for _, tt := range tests {
		if got := ExpandParams(tt.in, params); got != tt.want {
			t.Errorf("ExpandParams(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
