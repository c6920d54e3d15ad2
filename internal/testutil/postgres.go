// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// waitForPostgresDSN pings the DSN until it responds or timeout elapses (pgx stdlib).
func waitForPostgresDSN(dsn string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			pingErr := db.Ping()
			_ = db.Close()
			if pingErr == nil {
				return nil
			}
			lastErr = pingErr
		} else {
			lastErr = err
		}
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for postgres")
	}
	return lastErr
}

// Postgres describes a throwaway postgres:16 container.
type Postgres struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DSN returns a pgx URL for the container.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.DBName)
}

// JDBCURL returns the same endpoint in JDBC form.
func (p Postgres) JDBCURL() string {
	return fmt.Sprintf("jdbc:postgresql://%s:%s/%s?sslmode=disable", p.Host, p.Port, p.DBName)
}

// StartPostgres runs postgres:16 and terminates it when the test ends.
// The test is skipped when containers cannot be started.
func StartPostgres(t *testing.T) Postgres {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	pgInfo := Postgres{User: "test", Password: "test", DBName: "changerun_test"}
	req := tc.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgInfo.User,
			"POSTGRES_PASSWORD": pgInfo.Password,
			"POSTGRES_DB":       pgInfo.DBName,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		),
	}
	pg, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		// Skip on CI envs that cannot run containers, rather than failing whole suite
		t.Skipf("skipping Postgres container test: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	pgInfo.Host, pgInfo.Port = host, port.Port()

	if err := waitForPostgresDSN(pgInfo.DSN(), 30*time.Second); err != nil {
		t.Fatalf("postgres not ready: %v", err)
	}
	return pgInfo
}
