// Package migration runs changelogs against project databases and edits the
// tags recorded in their ledgers.
package migration

import (
	"context"
	"database/sql"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/store"
)

// DedicatedOpener opens a connection owned by a single operation.
type DedicatedOpener interface {
	OpenDedicated(ctx context.Context, p store.Profile) (*sql.DB, error)
}

func resolveProfile(ctx context.Context, profiles store.ProfileStore, projectKey string) (*store.Profile, error) {
	p, ok, err := profiles.FindByProjectKey(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "database connection not found for project: %s", projectKey)
	}
	p.Normalize()
	return p, nil
}
