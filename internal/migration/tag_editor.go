package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/internal/util"
	"github.com/loykin/changerun/pkg/dbtype"
)

// TagReport is the outcome of a tag edit.
type TagReport struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Tag     *string `json:"tag"`
}

// TagEditor sets, replaces or clears the tag of one applied changeset.
type TagEditor struct {
	Profiles  store.ProfileStore
	Connector DedicatedOpener
}

// SetTag writes newTag to the ledger row of changesetID. A nil or blank
// newTag clears the tag. A missing row is reported, not returned as error.
func (e *TagEditor) SetTag(ctx context.Context, projectKey, changesetID string, newTag *string) (*TagReport, error) {
	verb := "tag update failed"
	if newTag != nil {
		if t := strings.TrimSpace(*newTag); t != "" {
			newTag = &t
		} else {
			newTag = nil
		}
	}
	if newTag == nil {
		verb = "tag removal failed"
	}

	p, err := resolveProfile(ctx, e.Profiles, projectKey)
	if err != nil {
		return nil, err
	}
	table := p.ChangelogTable
	if !util.IsSQLIdentifier(table) {
		return nil, apperr.New(apperr.KindValidation, "invalid changelog table name %q", table)
	}
	dialect := dbtype.FromProfile(p.Driver)
	logger := common.GetLogger().WithComponent("tag-editor").WithProject(projectKey).WithChangeset(changesetID)

	db, err := e.Connector.OpenDedicated(ctx, *p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", verb, err)
	}
	defer func() { _ = db.Close() }()

	current, found, err := currentTag(ctx, db, table, dialect, changesetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngine, verb, err)
	}
	if !found {
		return &TagReport{Success: false, Message: "changeset not found"}, nil
	}

	var (
		q    string
		args []any
	)
	// #nosec G201 -- table name validated above
	if newTag == nil {
		q = fmt.Sprintf("UPDATE %s SET TAG = NULL WHERE ID = %s", table, dialect.Placeholder(1))
		args = []any{changesetID}
	} else {
		q = fmt.Sprintf("UPDATE %s SET TAG = %s WHERE ID = %s", table, dialect.Placeholder(1), dialect.Placeholder(2))
		args = []any{*newTag, changesetID}
	}
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngine, verb, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngine, verb, err)
	}
	if n == 0 {
		return &TagReport{Success: false, Message: "tag update failed", Tag: current}, nil
	}
	if n > 1 {
		logger.Warn("tag update touched more than one ledger row", "rows", n)
	}

	report := &TagReport{Success: true, Tag: newTag}
	switch {
	case newTag == nil:
		report.Message = "tag removed"
	case current != nil && *current != "":
		report.Message = fmt.Sprintf("tag changed: %s → %s", *current, *newTag)
	default:
		report.Message = "tag applied: " + *newTag
	}
	logger.Info(report.Message)
	return report, nil
}

// currentTag distinguishes a missing row (found=false) from a NULL tag.
func currentTag(ctx context.Context, db *sql.DB, table string, dialect dbtype.Type, id string) (*string, bool, error) {
	// #nosec G201 -- table name validated by the caller
	q := fmt.Sprintf("SELECT TAG FROM %s WHERE ID = %s", table, dialect.Placeholder(1))
	rows, err := db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var tag sql.NullString
	if err := rows.Scan(&tag); err != nil {
		return nil, false, err
	}
	if !tag.Valid {
		return nil, true, nil
	}
	return &tag.String, true, nil
}
