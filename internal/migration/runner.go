package migration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/changelog"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/pkg/dbtype"
)

// Substitution parameters bound for every run.
const (
	ParamProject = "project"
	ParamDBType  = "db.type"
)

// ExecutionReport is the outcome of a changelog run.
type ExecutionReport struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	ElapsedMs  int64    `json:"executionTimeMs"`
	TagApplied string   `json:"tagApplied,omitempty"`
	Executed   []string `json:"executed,omitempty"`
	Skipped    int      `json:"skipped"`
}

// Runner applies pending changesets of a project's changelog.
type Runner struct {
	Profiles    store.ProfileStore
	Connector   DedicatedOpener
	Engine      changelog.Engine
	ScriptsRoot string
}

// Run resolves projectKey, applies every pending changeset reachable from
// scriptPath on a dedicated connection and, when tag is set, tags the
// resulting ledger state. Faults are returned, never retried.
func (r *Runner) Run(ctx context.Context, projectKey, scriptPath, tag string) (*ExecutionReport, error) {
	p, err := resolveProfile(ctx, r.Profiles, projectKey)
	if err != nil {
		return nil, err
	}
	dialect := dbtype.FromProfile(p.Driver)
	logger := common.GetLogger().WithComponent("runner").WithProject(projectKey).WithDialect(dialect.String())

	abs, err := changelog.ResolveUnder(r.ScriptsRoot, scriptPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "changelog execution failed", err)
	}
	if st, err := os.Stat(abs); err != nil || st.IsDir() {
		return nil, apperr.New(apperr.KindNotFound, "changelog file not found: %s", scriptPath)
	}

	start := time.Now()
	db, err := r.Connector.OpenDedicated(ctx, *p)
	if err != nil {
		return nil, fmt.Errorf("changelog execution failed: %w", err)
	}
	defer func() { _ = db.Close() }()

	target := changelog.Target{Type: dialect, ChangelogTable: p.ChangelogTable, LockTable: p.ChangelogLockTable}
	res, err := r.Engine.ApplyPending(ctx, db, changelog.ApplyOptions{
		Target:        target,
		Root:          r.ScriptsRoot,
		ChangelogPath: scriptPath,
		Params: map[string]string{
			ParamProject: strings.ToLower(projectKey),
			ParamDBType:  dialect.String(),
		},
	})
	if err != nil {
		logger.Error("changelog execution failed", "script", scriptPath, "error", err)
		return nil, apperr.Wrap(apperr.KindEngine, "changelog execution failed", err)
	}

	report := &ExecutionReport{Success: true, Message: "changelog executed successfully"}
	if res != nil {
		report.Executed = res.Executed
		report.Skipped = res.Skipped
	}
	if tag = strings.TrimSpace(tag); tag != "" {
		if err := r.Engine.TagLatest(ctx, db, target, tag); err != nil {
			logger.Error("tagging failed", "tag", tag, "error", err)
			return nil, apperr.Wrap(apperr.KindEngine, "changelog tagging failed", err)
		}
		report.TagApplied = tag
		report.Message = "changelog executed and tagged: " + tag
	}
	report.ElapsedMs = time.Since(start).Milliseconds()

	logger.Info(report.Message, "script", scriptPath, "elapsed_ms", report.ElapsedMs)
	return report, nil
}
