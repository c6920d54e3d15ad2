package migration

import (
	"context"
	"strings"
	"testing"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/changelog"
	"github.com/loykin/changerun/internal/connector"
	"github.com/loykin/changerun/internal/registry"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/internal/testutil"
	"github.com/stretchr/testify/require"
)

const master = `databaseChangeLog:
  - includeAll:
      path: db/changelog/${project}/${db.type}
`

func newRunner(root string, profiles memProfiles) *Runner {
	return &Runner{
		Profiles:    profiles,
		Connector:   connector.New(),
		Engine:      changelog.NewEngine(),
		ScriptsRoot: root,
	}
}

func TestRunner_SqliteApplyTagAndList(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "db/changelog/db.changelog-master.yaml", master)
	writeScript(t, root, "db/changelog/shop/generic/shop-20240101-000000.sql", `--liquibase formatted sql

--changeset alice:a1b2c3d4
--comment: create orders
CREATE TABLE orders (id INTEGER PRIMARY KEY, total INTEGER);
`)
	p := sqliteProfile(t, "SHOP")
	profiles := memProfiles{"SHOP": p}
	r := newRunner(root, profiles)
	ctx := context.Background()

	rep, err := r.Run(ctx, "SHOP", "db/changelog/db.changelog-master.yaml", "")
	require.NoError(t, err)
	require.True(t, rep.Success)
	require.Equal(t, "changelog executed successfully", rep.Message)
	require.Len(t, rep.Executed, 1)
	require.True(t, strings.HasPrefix(rep.Executed[0], "a1b2c3d4::alice::"))
	require.Empty(t, rep.TagApplied)

	// nothing pending, tag the current state
	rep, err = r.Run(ctx, "SHOP", "db/changelog/db.changelog-master.yaml", "v1")
	require.NoError(t, err)
	require.True(t, rep.Success)
	require.Equal(t, "changelog executed and tagged: v1", rep.Message)
	require.Equal(t, "v1", rep.TagApplied)
	require.Empty(t, rep.Executed)
	require.Equal(t, 1, rep.Skipped)

	handles := registry.New(profiles, connector.New())
	defer func() { _ = handles.Close() }()
	lister := &Lister{Handles: handles}
	rows, err := lister.List(ctx, "SHOP")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a1b2c3d4", rows[0]["ID"])
	require.Equal(t, "v1", rows[0]["TAG"])

	editor := &TagEditor{Profiles: profiles, Connector: connector.New()}
	tr, err := editor.SetTag(ctx, "SHOP", "a1b2c3d4", nil)
	require.NoError(t, err)
	require.True(t, tr.Success)
	require.Equal(t, "tag removed", tr.Message)

	rows, err = lister.List(ctx, "SHOP")
	require.NoError(t, err)
	require.Nil(t, rows[0]["TAG"])
}

func TestRunner_Errors(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "broken.sql", `--liquibase formatted sql
--changeset a:1
CREATE TABLE;
`)
	profiles := memProfiles{"P1": sqliteProfile(t, "P1")}
	r := newRunner(root, profiles)
	ctx := context.Background()

	tests := []struct {
		name   string
		key    string
		script string
		kind   apperr.Kind
	}{
		{"unknown project", "NOPE", "broken.sql", apperr.KindNotFound},
		{"missing script", "P1", "missing.sql", apperr.KindNotFound},
		{"escaping script", "P1", "../outside.sql", apperr.KindValidation},
		{"engine failure", "P1", "broken.sql", apperr.KindEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := r.Run(ctx, tt.key, tt.script, "")
			require.Error(t, err)
			require.Nil(t, rep)
			require.True(t, apperr.Is(err, tt.kind), err.Error())
		})
	}
}

func TestRunner_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	pg := testutil.StartPostgres(t)
	root := t.TempDir()
	writeScript(t, root, "db/changelog/db.changelog-master.yaml", master)
	writeScript(t, root, "db/changelog/billing/postgresql/billing-20240101-000000.sql", `--liquibase formatted sql

--changeset bob:0badf00d
CREATE TABLE invoices (id SERIAL PRIMARY KEY, amount NUMERIC(10,2));
INSERT INTO invoices (amount) VALUES (10.50);
`)
	profiles := memProfiles{"BILLING": store.Profile{
		ProjectKey: "BILLING",
		Driver:     "org.postgresql.Driver",
		URL:        pg.JDBCURL(),
		Username:   pg.User,
		Password:   pg.Password,
		Active:     true,
	}}
	r := newRunner(root, profiles)
	ctx := context.Background()

	rep, err := r.Run(ctx, "BILLING", "db/changelog/db.changelog-master.yaml", "")
	require.NoError(t, err)
	require.Len(t, rep.Executed, 1)

	rep, err = r.Run(ctx, "BILLING", "db/changelog/db.changelog-master.yaml", "v1")
	require.NoError(t, err)
	require.True(t, rep.Success)
	require.Equal(t, "v1", rep.TagApplied)

	editor := &TagEditor{Profiles: profiles, Connector: connector.New()}
	tr, err := editor.SetTag(ctx, "BILLING", "0badf00d", strPtr("v2"))
	require.NoError(t, err)
	require.Equal(t, "tag changed: v1 → v2", tr.Message)
}

func TestLister_UsesRegistryHandle(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "one.sql", `--liquibase formatted sql
--changeset alice:l1
CREATE TABLE t (id INTEGER);
`)
	profiles := memProfiles{"P1": sqliteProfile(t, "P1")}
	ctx := context.Background()
	_, err := newRunner(root, profiles).Run(ctx, "P1", "one.sql", "")
	require.NoError(t, err)

	handles := registry.New(profiles, connector.New())
	defer func() { _ = handles.Close() }()
	lister := &Lister{Handles: handles}

	rows, err := lister.List(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"P1"}, handles.Keys(), "listing caches the project handle")

	_, err = lister.List(ctx, "NOPE")
	require.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}
