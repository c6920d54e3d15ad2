package constants

import "time"

// Database Constants
const (
	// PostgreSQL defaults
	DefaultPostgresPort    = 5432
	DefaultPostgresSSLMode = "disable"

	// Connection pool settings for the profile store
	DefaultPostgresMaxConnections = 25
	DefaultPostgresMaxIdleConns   = 5
	DefaultSQLiteMaxConnections   = 1 // SQLite allows only one writer
	DefaultSQLiteMaxIdleConns     = 1

	// Profile store
	DefaultProfilesTable = "connection_profiles"
	DefaultStoreFileName = "changerun.db"

	// Liquibase-compatible ledger defaults
	DefaultChangelogTable     = "DATABASECHANGELOG"
	DefaultChangelogLockTable = "DATABASECHANGELOGLOCK"
)

// Time and Duration Constants
const (
	// Connection pool lifetimes
	DefaultMaxConnLifetime = 5 * time.Minute
	DefaultMaxIdleTime     = 1 * time.Minute
	DefaultSQLiteLifetime  = 10 * time.Minute
	DefaultSQLiteIdleTime  = 5 * time.Minute

	// Dedicated per-operation connections
	DefaultPingTimeout = 10 * time.Second
)

// Changeset synthesis
const (
	ChangelogDir        = "db/changelog"
	MasterChangelogFile = "db.changelog-master.yaml"
	FormattedSQLHeader  = "--liquibase formatted sql"
	SystemAuthor        = "system"
	AutoDescription     = "Auto-generated changeset"
	ChangesetTimeLayout = "20060102-150405"
	ChangesetIDLength   = 8
)

// HTTP server
const (
	DefaultServerAddr  = ":8080"
	DefaultCORSOrigin  = "http://localhost:3000"
	DefaultScriptsRoot = "."
)
