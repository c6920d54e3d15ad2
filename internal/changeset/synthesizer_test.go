package changeset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/changelog"
	"github.com/loykin/changerun/internal/store"
	"github.com/stretchr/testify/require"
)

type memProfiles map[string]store.Profile

func (m memProfiles) FindByProjectKey(_ context.Context, key string) (*store.Profile, bool, error) {
	p, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (m memProfiles) FindAllActive(context.Context) ([]store.Profile, error) { return nil, nil }

func fixedClock() time.Time {
	return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
}

func newTestSynthesizer(t *testing.T) *Synthesizer {
	t.Helper()
	s := NewSynthesizer(memProfiles{
		"P1": {ProjectKey: "P1", Driver: "org.postgresql.Driver"},
	}, t.TempDir())
	s.Now = fixedClock
	return s
}

func readRef(t *testing.T, s *Synthesizer, ref *Ref) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(ref.Path)))
	require.NoError(t, err)
	return string(b)
}

func TestSynthesize_RoundTripSingleTerminator(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"without terminator", "UPDATE t SET x = 1"},
		{"with terminator", "UPDATE t SET x = 1;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSynthesizer(t)
			ref, err := s.Synthesize(context.Background(), "P1", tt.sql, "alice", "fix data", nil)
			require.NoError(t, err)
			require.Len(t, ref.ID, 8)
			require.Equal(t, "db/changelog/p1/postgresql/p1-20240305-140709.sql", ref.Path)

			body := readRef(t, s, ref)
			want := "--liquibase formatted sql\n\n" +
				"--changeset alice:" + ref.ID + "\n" +
				"--comment: fix data\n" +
				"UPDATE t SET x = 1;\n"
			require.Equal(t, want, body)
			require.Equal(t, 1, strings.Count(body, ";"))
		})
	}
}

func TestSynthesize_TagDirective(t *testing.T) {
	s := newTestSynthesizer(t)
	tag := "release-1"
	ref, err := s.Synthesize(context.Background(), "P1", "DELETE FROM t", "system", "Auto-generated changeset", &tag)
	require.NoError(t, err)
	require.Equal(t, &tag, ref.Tag)
	require.Contains(t, readRef(t, s, ref), "--tagDatabase: release-1\n")
}

func TestSynthesize_SameSecondGetsSuffix(t *testing.T) {
	s := newTestSynthesizer(t)
	ctx := context.Background()
	first, err := s.Synthesize(ctx, "P1", "INSERT INTO t VALUES (1)", "a", "d", nil)
	require.NoError(t, err)
	second, err := s.Synthesize(ctx, "P1", "INSERT INTO t VALUES (2)", "a", "d", nil)
	require.NoError(t, err)

	require.NotEqual(t, first.Path, second.Path)
	require.True(t, strings.HasSuffix(second.Path, "p1-20240305-140709_002.sql"))
	require.Less(t, first.Path, second.Path)
	require.Contains(t, readRef(t, s, first), "VALUES (1)")
}

func TestSynthesize_UnknownProject(t *testing.T) {
	s := newTestSynthesizer(t)
	_, err := s.Synthesize(context.Background(), "NOPE", "SELECT 1", "a", "d", nil)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSynthesize_IOFailure(t *testing.T) {
	s := newTestSynthesizer(t)
	blocker := filepath.Join(s.Root, "db")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	_, err := s.Synthesize(context.Background(), "P1", "UPDATE t SET x = 1", "a", "d", nil)
	require.True(t, apperr.Is(err, apperr.KindIO))
}

func TestEnsureManifest_Idempotent(t *testing.T) {
	s := newTestSynthesizer(t)
	require.NoError(t, s.EnsureManifest())

	p := filepath.Join(s.Root, filepath.FromSlash(ManifestPath()))
	first, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Contains(t, string(first), "path: db/changelog/${project}/${db.type}")

	require.NoError(t, os.WriteFile(p, []byte("databaseChangeLog: []\n"), 0o644))
	require.NoError(t, s.EnsureManifest())
	after, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "databaseChangeLog: []\n", string(after))
}

func TestSynthesize_DiscoverableThroughManifest(t *testing.T) {
	s := newTestSynthesizer(t)
	ref, err := s.Synthesize(context.Background(), "P1", "CREATE TABLE t (id INT)", "alice", "create t", nil)
	require.NoError(t, err)

	loader := &changelog.Loader{Root: s.Root, Params: map[string]string{"project": "p1", "db.type": "postgresql"}}
	changesets, err := loader.Load(ManifestPath())
	require.NoError(t, err)
	require.Len(t, changesets, 1)
	require.Equal(t, ref.ID, changesets[0].ID)
	require.Equal(t, "alice", changesets[0].Author)
	require.Equal(t, ref.Path, changesets[0].Filename)
}

func TestSynthesize_ParsesBackToSubmittedStatements(t *testing.T) {
	s := newTestSynthesizer(t)
	tag := "v2"
	ref, err := s.Synthesize(context.Background(), "P1", "UPDATE t SET x=1", "alice", "fix rows", &tag)
	require.NoError(t, err)

	changesets, err := changelog.ParseFormattedSQL(ref.Path, []byte(readRef(t, s, ref)), nil)
	require.NoError(t, err)
	require.Len(t, changesets, 1)
	cs := changesets[0]
	require.Equal(t, []string{"UPDATE t SET x=1"}, cs.Statements)
	require.Equal(t, "fix rows", cs.Comment)
	require.Equal(t, "v2", cs.Tag)
	require.Equal(t, "alice", cs.Author)
	require.Equal(t, ref.ID, cs.ID)
}

func TestSynthesize_RejectsMetadataBreakingDirectives(t *testing.T) {
	multiline := "v1\nDROP TABLE users;"
	tests := []struct {
		name        string
		author      string
		description string
		tag         *string
	}{
		{"newline in description", "alice", "fix rows\nDROP TABLE users;", nil},
		{"carriage return in description", "alice", "fix rows\rDROP TABLE users;", nil},
		{"newline in tag", "alice", "fix rows", &multiline},
		{"newline in author", "alice\nDROP TABLE users;", "fix rows", nil},
		{"space in author", "alice smith", "fix rows", nil},
		{"colon in author", "alice:evil", "fix rows", nil},
		{"empty author", "", "fix rows", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSynthesizer(t)
			_, err := s.Synthesize(context.Background(), "P1", "UPDATE t SET x=1", tt.author, tt.description, tt.tag)
			require.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

			entries, err := os.ReadDir(s.Root)
			require.NoError(t, err)
			require.Empty(t, entries, "nothing may be written for rejected metadata")
		})
	}
}

func TestSynthesize_ProjectKeyCannotLeaveRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "scripts")
	require.NoError(t, os.MkdirAll(root, 0o755))
	s := NewSynthesizer(memProfiles{
		"../../../escaped": {ProjectKey: "../../../escaped", Driver: "org.postgresql.Driver"},
		`..\up`:            {ProjectKey: `..\up`, Driver: "org.postgresql.Driver"},
	}, root)
	s.Now = fixedClock

	for _, key := range []string{"../../../escaped", `..\up`} {
		_, err := s.Synthesize(context.Background(), key, "UPDATE t SET x=1", "alice", "d", nil)
		require.True(t, apperr.Is(err, apperr.KindValidation), "key %q: got %v", key, err)
	}

	var written []string
	require.NoError(t, filepath.WalkDir(parent, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			written = append(written, p)
		}
		return err
	}))
	require.Empty(t, written)
}
