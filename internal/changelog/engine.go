// Package changelog is a Liquibase-compatible migration engine: it reads
// formatted SQL and YAML master changelogs, applies pending changesets and
// keeps the DATABASECHANGELOG ledger and its lock table.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/changerun/internal/common"
)

// Engine is the migration capability consumed by the runner.
type Engine interface {
	ApplyPending(ctx context.Context, db *sql.DB, opts ApplyOptions) (*ApplyResult, error)
	TagLatest(ctx context.Context, db *sql.DB, target Target, tag string) error
}

// ApplyOptions describes one ApplyPending run.
type ApplyOptions struct {
	Target
	// Root is the scripts root every changelog path is confined to.
	Root string
	// ChangelogPath is relative to Root.
	ChangelogPath string
	// Params are the ${name} substitution parameters.
	Params map[string]string
	// LockedBy overrides the lock owner identity.
	LockedBy string
}

// ApplyResult summarizes a run.
type ApplyResult struct {
	DeploymentID string
	Executed     []string
	Reran        []string
	Skipped      int
	Failed       []string
}

// SQLEngine implements Engine on database/sql.
type SQLEngine struct {
	now func() time.Time
}

var _ Engine = (*SQLEngine)(nil)

// NewEngine returns the default engine.
func NewEngine() *SQLEngine {
	return &SQLEngine{now: func() time.Time { return time.Now().UTC() }}
}

func newDeploymentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// ApplyPending runs every changeset reachable from opts.ChangelogPath that
// the ledger does not yet record. Each changeset runs in its own
// transaction together with its ledger row.
func (e *SQLEngine) ApplyPending(ctx context.Context, db *sql.DB, opts ApplyOptions) (*ApplyResult, error) {
	logger := common.GetLogger().WithComponent("changelog").WithDialect(opts.Type.String())

	ledger, err := NewLedger(opts.Target)
	if err != nil {
		return nil, err
	}
	locker, err := NewLocker(opts.Target, opts.LockedBy)
	if err != nil {
		return nil, err
	}

	loader := &Loader{Root: opts.Root, Params: opts.Params}
	changesets, err := loader.Load(opts.ChangelogPath)
	if err != nil {
		return nil, err
	}
	if err := checkDuplicates(changesets); err != nil {
		return nil, err
	}

	if err := ledger.Ensure(ctx, db); err != nil {
		return nil, err
	}
	if err := locker.Ensure(ctx, db); err != nil {
		return nil, err
	}
	if err := locker.Acquire(ctx, db); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := locker.Release(context.WithoutCancel(ctx), db); rerr != nil {
			logger.Error("failed to release changelog lock", "error", rerr)
		}
	}()

	records, err := ledger.Records(ctx, db)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]Record, len(records))
	for _, r := range records {
		applied[r.key()] = r
	}
	order, err := ledger.maxOrder(ctx, db)
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{DeploymentID: newDeploymentID()}
	for _, cs := range changesets {
		csLogger := logger.WithChangeset(cs.ID)
		rec, seen := applied[cs.Key()]
		execType := ExecTypeExecuted
		if seen {
			switch {
			case checksumMatches(rec.MD5Sum, cs):
				if !cs.RunAlways {
					if rec.MD5Sum == nil || *rec.MD5Sum != cs.Checksum {
						if err := ledger.updateChecksum(ctx, db, cs); err != nil {
							return res, fmt.Errorf("update checksum of %s: %w", cs.Key(), err)
						}
					}
					res.Skipped++
					continue
				}
			case cs.RunOnChange || cs.RunAlways:
			default:
				return res, fmt.Errorf("validation failed: checksum of changeset %s changed from %s to %s", cs.Key(), deref(rec.MD5Sum), cs.Checksum)
			}
			execType = ExecTypeReran
		}

		order++
		if err := e.execute(ctx, db, ledger, cs, execType, order, res.DeploymentID); err != nil {
			if !cs.FailOnError {
				csLogger.Warn("changeset failed, continuing (failOnError=false)", "error", err)
				res.Failed = append(res.Failed, cs.Key())
				order--
				continue
			}
			return res, fmt.Errorf("changeset %s failed: %w", cs.Key(), err)
		}
		if execType == ExecTypeReran {
			res.Reran = append(res.Reran, cs.Key())
		} else {
			res.Executed = append(res.Executed, cs.Key())
		}
		csLogger.Info("changeset applied", "exec_type", execType, "statements", len(cs.Statements))
	}

	logger.Info("changelog update complete",
		"executed", len(res.Executed), "reran", len(res.Reran), "skipped", res.Skipped, "failed", len(res.Failed))
	return res, nil
}

func (e *SQLEngine) execute(ctx context.Context, db *sql.DB, ledger *Ledger, cs *Changeset, execType string, order int, deploymentID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range cs.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	now := e.now()
	if execType == ExecTypeReran {
		err = ledger.rerun(ctx, tx, cs, order, deploymentID, now)
	} else {
		err = ledger.insert(ctx, tx, cs, execType, order, deploymentID, now)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// TagLatest tags the most recent ledger row.
func (e *SQLEngine) TagLatest(ctx context.Context, db *sql.DB, target Target, tag string) error {
	ledger, err := NewLedger(target)
	if err != nil {
		return err
	}
	if err := ledger.Ensure(ctx, db); err != nil {
		return err
	}
	return ledger.TagLatest(ctx, db, tag)
}

// Records returns the ledger rows of target, oldest first.
func (e *SQLEngine) Records(ctx context.Context, db *sql.DB, target Target) ([]Record, error) {
	ledger, err := NewLedger(target)
	if err != nil {
		return nil, err
	}
	return ledger.Records(ctx, db)
}

func checksumMatches(stored *string, cs *Changeset) bool {
	if stored == nil || *stored == "" || !strings.HasPrefix(*stored, "9:") {
		// cleared or written by an older checksum version
		return true
	}
	if *stored == cs.Checksum {
		return true
	}
	return slices.ContainsFunc(cs.ValidChecksums, func(v string) bool {
		return strings.EqualFold(v, "ANY") || v == *stored
	})
}

func checkDuplicates(changesets []*Changeset) error {
	seen := make(map[string]bool, len(changesets))
	for _, cs := range changesets {
		if seen[cs.Key()] {
			return fmt.Errorf("duplicate changeset %s", cs.Key())
		}
		seen[cs.Key()] = true
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "<null>"
	}
	return *s
}
