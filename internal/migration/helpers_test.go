package migration

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/changerun/internal/store"
)

type memProfiles map[string]store.Profile

func (m memProfiles) FindByProjectKey(_ context.Context, key string) (*store.Profile, bool, error) {
	p, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (m memProfiles) FindAllActive(_ context.Context) ([]store.Profile, error) {
	var out []store.Profile
	for _, p := range m {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

// fixedOpener hands out a prepared handle, e.g. one backed by sqlmock.
type fixedOpener struct {
	db    *sql.DB
	opens int
}

func (o *fixedOpener) OpenDedicated(context.Context, store.Profile) (*sql.DB, error) {
	o.opens++
	return o.db, nil
}

func sqliteProfile(t *testing.T, key string) store.Profile {
	t.Helper()
	return store.Profile{
		ProjectKey: key,
		Driver:     "sqlite",
		URL:        filepath.Join(t.TempDir(), "target.db"),
		Active:     true,
	}
}

func writeScript(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
