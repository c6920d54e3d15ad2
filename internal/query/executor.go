// Package query runs ad-hoc SQL against a project's database and optionally
// captures mutations as changesets.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/changerun/internal/changeset"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/constants"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/internal/util"
)

// Kind is the statement class derived from the leading keyword.
type Kind int

const (
	KindQuery Kind = iota
	KindDataMutation
	KindSchemaMutation
)

func (k Kind) String() string {
	switch k {
	case KindDataMutation:
		return "dml"
	case KindSchemaMutation:
		return "ddl"
	default:
		return "query"
	}
}

// IsMutation reports whether statements of this kind change the database.
func (k Kind) IsMutation() bool { return k != KindQuery }

var (
	dataKeywords   = []string{"INSERT", "UPDATE", "DELETE", "MERGE"}
	schemaKeywords = []string{"CREATE", "ALTER", "DROP", "TRUNCATE"}
)

// Classify inspects the leading keyword of stmt.
func Classify(stmt string) Kind {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	for _, kw := range dataKeywords {
		if strings.HasPrefix(upper, kw) {
			return KindDataMutation
		}
	}
	for _, kw := range schemaKeywords {
		if strings.HasPrefix(upper, kw) {
			return KindSchemaMutation
		}
	}
	return KindQuery
}

// TrimStatement strips surrounding whitespace and one trailing terminator.
func TrimStatement(s string) string {
	s = strings.TrimSpace(s)
	return strings.TrimSuffix(s, ";")
}

// Report is the outcome of an ad-hoc execution. Failures are carried in
// Success and Message rather than returned as errors.
type Report struct {
	Success      bool             `json:"success"`
	Message      string           `json:"message"`
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"result,omitempty"`
	RowsAffected *int64           `json:"rowsAffected,omitempty"`
	Artifact     *changeset.Ref   `json:"generatedChangeset,omitempty"`
	ElapsedMs    int64            `json:"executionTimeMs"`
}

// Opener opens a connection owned by a single call.
type Opener interface {
	OpenDedicated(ctx context.Context, p store.Profile) (*sql.DB, error)
}

// Synthesizer persists captured statements.
type Synthesizer interface {
	Synthesize(ctx context.Context, projectKey, sql, author, description string, tag *string) (*changeset.Ref, error)
}

// Executor runs ad-hoc statements on dedicated connections.
type Executor struct {
	Profiles    store.ProfileStore
	Connector   Opener
	Synthesizer Synthesizer
}

// Execute runs rawSQL for projectKey. When capture is set and the statement
// is a mutation, the original text is saved as a changeset tagged with tag.
func (e *Executor) Execute(ctx context.Context, projectKey, rawSQL string, capture bool, tag *string) *Report {
	start := time.Now()
	logger := common.GetLogger().WithComponent("query").WithProject(projectKey)
	report := &Report{}
	defer func() { report.ElapsedMs = time.Since(start).Milliseconds() }()

	p, ok, err := e.Profiles.FindByProjectKey(ctx, projectKey)
	if err != nil {
		return fail(report, err)
	}
	if !ok {
		report.Message = "database connection not found for project: " + projectKey
		return report
	}

	stmt := TrimStatement(rawSQL)
	if stmt == "" {
		report.Message = "error executing query: empty statement"
		return report
	}
	kind := Classify(stmt)
	if capture && kind.IsMutation() {
		if err := changeset.ValidateMetadata(constants.SystemAuthor, constants.AutoDescription, tag); err != nil {
			return fail(report, err)
		}
	}

	db, err := e.Connector.OpenDedicated(ctx, *p)
	if err != nil {
		logger.Error("failed to open connection", "error", err)
		return fail(report, err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("error closing connection", "error", cerr)
		}
	}()

	if !kind.IsMutation() {
		rows, err := db.QueryContext(ctx, stmt)
		if err != nil {
			logger.Error("query failed", "error", err)
			return fail(report, err)
		}
		defer func() { _ = rows.Close() }()
		cols, out, err := util.ScanRows(rows)
		if err != nil {
			return fail(report, err)
		}
		if out == nil {
			out = []map[string]any{}
		}
		report.Success = true
		report.Columns = cols
		report.Rows = out
		report.Message = fmt.Sprintf("query executed successfully. Returned %d rows.", len(out))
		return report
	}

	res, err := db.ExecContext(ctx, stmt)
	if err != nil {
		logger.Error("statement failed", "kind", kind.String(), "error", err)
		return fail(report, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail(report, err)
	}
	report.Success = true
	report.RowsAffected = &n
	report.Message = fmt.Sprintf("query executed successfully. Rows affected: %d", n)

	if capture {
		if e.Synthesizer == nil {
			return fail(report, fmt.Errorf("changeset capture is not configured"))
		}
		ref, err := e.Synthesizer.Synthesize(ctx, projectKey, rawSQL, constants.SystemAuthor, constants.AutoDescription, tag)
		if err != nil {
			logger.Error("changeset capture failed", "error", err)
			return fail(report, err)
		}
		report.Artifact = ref
	}
	logger.Info("statement executed", "kind", kind.String(), "rows_affected", n, "captured", report.Artifact != nil)
	return report
}

func fail(r *Report, err error) *Report {
	r.Success = false
	r.Message = "error executing query: " + err.Error()
	return r
}
