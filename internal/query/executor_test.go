package query

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/loykin/changerun/internal/changeset"
	"github.com/loykin/changerun/internal/connector"
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

type mockOpener struct{ db *sql.DB }

func (o mockOpener) OpenDedicated(context.Context, store.Profile) (*sql.DB, error) { return o.db, nil }

func TestClassify(t *testing.T) {
	tests := []struct {
		stmt string
		want Kind
	}{
		{"SELECT 1", KindQuery},
		{"  insert into t values (1)", KindDataMutation},
		{"UPDATE t SET x=1", KindDataMutation},
		{"delete from t", KindDataMutation},
		{"MERGE INTO t USING s ON (1=1)", KindDataMutation},
		{"CREATE TABLE t (id int)", KindSchemaMutation},
		{"alter table t add c int", KindSchemaMutation},
		{"DROP TABLE t", KindSchemaMutation},
		{"TRUNCATE TABLE t", KindSchemaMutation},
		{"WITH x AS (SELECT 1) SELECT * FROM x", KindQuery},
		{"", KindQuery},
	}
	for _, tt := range tests {
		if got := Classify(tt.stmt); got != tt.want {
			t.Fatalf("Classify(%q) = %v, want %v", tt.stmt, got, tt.want)
		}
	}
}

func TestTrimStatement(t *testing.T) {
	if got := TrimStatement("  SELECT 1;  \n"); got != "SELECT 1" {
		t.Fatalf("unexpected %q", got)
	}
	if got := TrimStatement("SELECT ';'"); got != "SELECT ';'" {
		t.Fatalf("unexpected %q", got)
	}
}

func sqliteExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	profiles := memProfiles{"P1": {
		ProjectKey: "P1",
		Driver:     "sqlite",
		URL:        filepath.Join(t.TempDir(), "p1.db"),
		Active:     true,
	}}
	return &Executor{
		Profiles:    profiles,
		Connector:   connector.New(),
		Synthesizer: changeset.NewSynthesizer(profiles, root),
	}, root
}

func TestExecute_SelectReturnsRows(t *testing.T) {
	e, _ := sqliteExecutor(t)
	rep := e.Execute(context.Background(), "P1", "SELECT 1 AS one;", false, nil)
	require.True(t, rep.Success, rep.Message)
	require.Nil(t, rep.RowsAffected)
	require.Nil(t, rep.Artifact)
	require.Equal(t, []string{"one"}, rep.Columns)
	require.Len(t, rep.Rows, 1)
	require.EqualValues(t, 1, rep.Rows[0]["one"])
	require.GreaterOrEqual(t, rep.ElapsedMs, int64(0))
}

func TestExecute_MutationWithCapture(t *testing.T) {
	e, root := sqliteExecutor(t)
	ctx := context.Background()

	rep := e.Execute(ctx, "P1", "CREATE TABLE t (x INTEGER)", false, nil)
	require.True(t, rep.Success, rep.Message)
	rep = e.Execute(ctx, "P1", "INSERT INTO t VALUES (0), (0)", false, nil)
	require.True(t, rep.Success, rep.Message)
	require.EqualValues(t, 2, *rep.RowsAffected)

	rep = e.Execute(ctx, "P1", "UPDATE t SET x=1", true, nil)
	require.True(t, rep.Success, rep.Message)
	require.EqualValues(t, 2, *rep.RowsAffected)
	require.NotNil(t, rep.Artifact)

	entries, err := os.ReadDir(filepath.Join(root, "db", "changelog", "p1", "generic"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	body, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rep.Artifact.Path)))
	require.NoError(t, err)
	require.NotContains(t, string(body), "--tagDatabase")
	require.Contains(t, string(body), "--changeset system:"+rep.Artifact.ID)
	require.Contains(t, string(body), "--comment: Auto-generated changeset")
	require.True(t, strings.HasSuffix(string(body), "UPDATE t SET x=1;\n"))
}

func TestExecute_CapturePostgresLayout(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	root := t.TempDir()
	profiles := memProfiles{"P1": {ProjectKey: "P1", Driver: "org.postgresql.Driver", URL: "x"}}
	e := &Executor{Profiles: profiles, Connector: mockOpener{db: db}, Synthesizer: changeset.NewSynthesizer(profiles, root)}

	mock.ExpectExec("UPDATE t SET x=1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	rep := e.Execute(context.Background(), "P1", "UPDATE t SET x=1;", true, nil)
	require.True(t, rep.Success, rep.Message)
	require.EqualValues(t, 3, *rep.RowsAffected)
	require.True(t, strings.HasPrefix(rep.Artifact.Path, "db/changelog/p1/postgresql/p1-"))

	entries, err := os.ReadDir(filepath.Join(root, "db", "changelog", "p1", "postgresql"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_FailuresFoldIntoReport(t *testing.T) {
	e, _ := sqliteExecutor(t)
	ctx := context.Background()

	rep := e.Execute(ctx, "NOPE", "SELECT 1", false, nil)
	require.False(t, rep.Success)
	require.Equal(t, "database connection not found for project: NOPE", rep.Message)

	rep = e.Execute(ctx, "P1", "SELECT * FROM missing_table", false, nil)
	require.False(t, rep.Success)
	require.True(t, strings.HasPrefix(rep.Message, "error executing query: "), rep.Message)

	rep = e.Execute(ctx, "P1", "UPDATE missing_table SET x=1", true, nil)
	require.False(t, rep.Success)
	require.Nil(t, rep.Artifact)
}

func TestExecute_MultilineCaptureTagRejectedBeforeExecution(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	root := t.TempDir()
	profiles := memProfiles{"P1": {ProjectKey: "P1", Driver: "org.postgresql.Driver", URL: "x"}}
	e := &Executor{Profiles: profiles, Connector: mockOpener{db: db}, Synthesizer: changeset.NewSynthesizer(profiles, root)}

	tag := "v1\nDROP TABLE users;"
	rep := e.Execute(context.Background(), "P1", "UPDATE t SET x=1", true, &tag)
	require.False(t, rep.Success)
	require.Contains(t, rep.Message, "line breaks")
	require.Nil(t, rep.RowsAffected)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, mock.ExpectationsWereMet())
}
