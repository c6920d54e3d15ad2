package migration

import (
	"context"
	"fmt"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/registry"
	"github.com/loykin/changerun/internal/util"
)

// HandleSource leases cached per-project handles.
type HandleSource interface {
	Acquire(ctx context.Context, projectKey string) (*registry.Lease, bool, error)
}

// Lister reads a project's ledger, newest first, through the shared registry
// handle. A lease keeps the handle open if the profile is evicted mid-read.
type Lister struct {
	Handles HandleSource
}

// List returns every ledger row as a column-name keyed map.
func (l *Lister) List(ctx context.Context, projectKey string) ([]map[string]any, error) {
	lease, ok, err := l.Handles.Acquire(ctx, projectKey)
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "database connection not found for project: %s", projectKey)
	}
	defer lease.Release()

	p := lease.Profile
	p.Normalize()
	if !util.IsSQLIdentifier(p.ChangelogTable) {
		return nil, apperr.New(apperr.KindValidation, "invalid changelog table name %q", p.ChangelogTable)
	}

	// #nosec G201 -- table name validated above
	rows, err := lease.DB.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY DATEEXECUTED DESC", p.ChangelogTable))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngine, "list changelog", err)
	}
	defer func() { _ = rows.Close() }()
	_, out, err := util.ScanRows(rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngine, "list changelog", err)
	}
	return out, nil
}
