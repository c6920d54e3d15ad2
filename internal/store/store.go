// Package store persists connection profiles: the project key to database
// credentials mapping consumed by the registry and the migration core.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/constants"
	"github.com/loykin/changerun/internal/retry"
	"github.com/loykin/changerun/internal/store/postgresql"
	"github.com/loykin/changerun/internal/store/sqlite"
	"github.com/loykin/changerun/internal/util"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

// Profile holds the coordinates of one project's target database.
type Profile struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name" mapstructure:"name"`
	ProjectKey         string    `json:"projectKey" mapstructure:"project_key"`
	URL                string    `json:"url" mapstructure:"url"`
	Username           string    `json:"username" mapstructure:"username"`
	Password           string    `json:"password,omitempty" mapstructure:"password"`
	Driver             string    `json:"driverClassName" mapstructure:"driver"`
	ChangelogTable     string    `json:"changelogTable" mapstructure:"changelog_table"`
	ChangelogLockTable string    `json:"changelogLockTable" mapstructure:"changelog_lock_table"`
	Active             bool      `json:"active" mapstructure:"active"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Normalize trims string fields and fills in ledger table defaults.
func (p *Profile) Normalize() {
	util.TrimStructFields(p)
	p.ChangelogTable = util.TrimWithDefault(p.ChangelogTable, constants.DefaultChangelogTable)
	p.ChangelogLockTable = util.TrimWithDefault(p.ChangelogLockTable, constants.DefaultChangelogLockTable)
}

// IsSafeProjectKey reports whether key can name a changelog directory:
// no path separators and no ".." element.
func IsSafeProjectKey(key string) bool {
	return key != "" && key != "." && !strings.ContainsAny(key, `/\`) && !strings.Contains(key, "..")
}

// Validate checks the fields the core relies on.
func (p *Profile) Validate() error {
	var missing []string
	if p.ProjectKey == "" {
		missing = append(missing, "projectKey")
	}
	if p.URL == "" {
		missing = append(missing, "url")
	}
	if p.Driver == "" {
		missing = append(missing, "driverClassName")
	}
	if len(missing) > 0 {
		return apperr.New(apperr.KindValidation, "profile is missing required fields: %s", strings.Join(missing, ", "))
	}
	if !IsSafeProjectKey(p.ProjectKey) {
		return apperr.New(apperr.KindValidation, "invalid project key %q: must not contain '/', '\\' or '..'", p.ProjectKey)
	}
	for _, tbl := range []string{p.ChangelogTable, p.ChangelogLockTable} {
		if !util.IsSQLIdentifier(tbl) {
			return apperr.New(apperr.KindValidation, "invalid table name %q", tbl)
		}
	}
	return nil
}

// ProfileStore is the read side the core consumes.
type ProfileStore interface {
	FindByProjectKey(ctx context.Context, projectKey string) (*Profile, bool, error)
	FindAllActive(ctx context.Context) ([]Profile, error)
}

// Repository adds the CRUD operations used by the HTTP and CLI layers.
type Repository interface {
	ProfileStore
	List(ctx context.Context) ([]Profile, error)
	Get(ctx context.Context, id int64) (*Profile, bool, error)
	Create(ctx context.Context, p *Profile) error
	Update(ctx context.Context, p *Profile) error
	Delete(ctx context.Context, id int64) error
}

// Dialect abstracts the storage differences between the supported backends.
type Dialect interface {
	GetPlaceholder(index int) string
	ConvertBoolToStorage(b bool) interface{}
	ConvertBoolFromStorage(val interface{}) bool
	ConvertTimeToStorage(t time.Time) interface{}
	ConvertTimeFromStorage(val interface{}) time.Time
	Connect(dsn string) (*sql.DB, error)
	GetEnsureStatements(profiles string) []string
	GetDriverName() string
}

// Config selects and configures the backend.
type Config struct {
	Driver   string            `mapstructure:"type" yaml:"type"`
	Table    string            `mapstructure:"table" yaml:"table"`
	SQLite   sqlite.Config     `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres postgresql.Config `mapstructure:"postgres" yaml:"postgres"`
	// Retry repeats a failed connect or schema ensure on transient errors,
	// e.g. while a postgres store container is still starting. Nil tries once.
	Retry *retry.Policy `mapstructure:"-" yaml:"-"`
}

// Store is the database/sql backed Repository.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

var _ Repository = (*Store)(nil)

// Open connects to the configured backend and ensures the profile table.
func Open(cfg Config) (*Store, error) {
	driver := util.TrimWithDefault(util.TrimAndLower(cfg.Driver), DriverSqlite)
	table := util.TrimWithDefault(cfg.Table, constants.DefaultProfilesTable)
	if !util.IsSQLIdentifier(table) {
		return nil, fmt.Errorf("invalid profile table name %q", table)
	}

	var (
		dialect Dialect
		dsn     string
	)
	switch driver {
	case DriverSqlite:
		dialect, dsn = sqlite.NewDialect(), cfg.SQLite.DSN()
	case DriverPostgres, "postgresql", "pgx":
		dialect, dsn = postgresql.NewDialect(), cfg.Postgres.BuildDSN()
		if dsn == "" {
			return nil, fmt.Errorf("postgres store requires dsn or host")
		}
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Driver)
	}

	var st *Store
	err := retry.Do(context.Background(), cfg.Retry, "open profile store", func(context.Context) error {
		db, err := dialect.Connect(dsn)
		if err != nil {
			return err
		}
		candidate := &Store{db: db, dialect: dialect, table: table}
		if err := candidate.ensure(); err != nil {
			_ = db.Close()
			return err
		}
		st = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	common.GetLogger().WithStore(dialect.GetDriverName()).Info("profile store ready", "table", table)
	return st, nil
}

// OpenSqlite is a convenience for tests and single-binary deployments.
func OpenSqlite(path string) (*Store, error) {
	return Open(Config{Driver: DriverSqlite, SQLite: sqlite.Config{Path: path}})
}

func (s *Store) ensure() error {
	logger := common.GetLogger().WithStore(s.dialect.GetDriverName())
	for i, q := range s.dialect.GetEnsureStatements(s.table) {
		if _, err := s.db.Exec(q); err != nil {
			logger.Error("failed to ensure profile schema", "error", err, "statement_index", i+1)
			return fmt.Errorf("failed to ensure profile schema (statement %d): %w", i+1, err)
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
