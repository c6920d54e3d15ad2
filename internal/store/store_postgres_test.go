package store

import (
	"context"
	"testing"

	"github.com/loykin/changerun/internal/store/postgresql"
	"github.com/loykin/changerun/internal/testutil"
)

func TestPostgresStore_ProfileCRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pg := testutil.StartPostgres(t)

	st, err := Open(Config{Driver: DriverPostgres, Postgres: postgresql.Config{DSN: pg.DSN()}})
	if err != nil {
		t.Fatalf("Open(postgres): %v", err)
	}
	defer func() { _ = st.Close() }()

	// ensure is idempotent
	if err := st.ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	ctx := context.Background()
	p := &Profile{Name: "one", ProjectKey: "P1", URL: pg.JDBCURL(), Driver: "org.postgresql.Driver", Active: true}
	if err := st.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == 0 {
		t.Fatal("expected generated id")
	}

	got, ok, err := st.FindByProjectKey(ctx, "P1")
	if err != nil || !ok {
		t.Fatalf("FindByProjectKey => %v,%v", ok, err)
	}
	if !got.Active || got.ChangelogTable != "DATABASECHANGELOG" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected profile: %+v", got)
	}

	got.Active = false
	if err := st.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	active, err := st.FindAllActive(ctx)
	if err != nil {
		t.Fatalf("FindAllActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active profiles, got %d", len(active))
	}

	if err := st.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, p.ID); ok {
		t.Fatal("profile still present after Delete")
	}
}
