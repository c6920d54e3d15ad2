package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loykin/changerun/internal/util"
	"github.com/loykin/changerun/pkg/dbtype"
)

// Exec types recorded in the ledger.
const (
	ExecTypeExecuted = "EXECUTED"
	ExecTypeReran    = "RERAN"
)

// Internal row inserted when a tag is applied to an empty ledger.
const (
	emptyTableID       = "emptyTable"
	emptyTableAuthor   = "liquibase"
	emptyTableFilename = "liquibase-internal"
)

// Record is one row of the changelog table.
type Record struct {
	ID            string    `json:"id"`
	Author        string    `json:"author"`
	Filename      string    `json:"filename"`
	DateExecuted  time.Time `json:"dateExecuted"`
	OrderExecuted int       `json:"orderExecuted"`
	ExecType      string    `json:"execType"`
	MD5Sum        *string   `json:"md5sum"`
	Description   *string   `json:"description"`
	Comments      *string   `json:"comments"`
	Tag           *string   `json:"tag"`
	DeploymentID  *string   `json:"deploymentId"`
}

func (r *Record) key() string {
	return r.ID + "::" + r.Author + "::" + r.Filename
}

// Target names the ledger tables of one database.
type Target struct {
	Type           dbtype.Type
	ChangelogTable string
	LockTable      string
}

func (t Target) validate() error {
	for _, tbl := range []string{t.ChangelogTable, t.LockTable} {
		if !util.IsSQLIdentifier(tbl) {
			return fmt.Errorf("invalid ledger table name %q", tbl)
		}
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger reads and writes the changelog table.
type Ledger struct {
	t Target
}

// NewLedger validates the table names of t.
func NewLedger(t Target) (*Ledger, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &Ledger{t: t}, nil
}

func (l *Ledger) ph(i int) string { return l.t.Type.Placeholder(i) }

// Ensure creates the changelog table when missing.
func (l *Ledger) Ensure(ctx context.Context, db execer) error {
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ID VARCHAR(255) NOT NULL,
		AUTHOR VARCHAR(255) NOT NULL,
		FILENAME VARCHAR(255) NOT NULL,
		DATEEXECUTED %s NOT NULL,
		ORDEREXECUTED INT NOT NULL,
		EXECTYPE VARCHAR(10) NOT NULL,
		MD5SUM VARCHAR(35),
		DESCRIPTION VARCHAR(255),
		COMMENTS VARCHAR(255),
		TAG VARCHAR(255),
		DEPLOYMENT_ID VARCHAR(10)
	)`, l.t.ChangelogTable, l.t.Type.TimestampType())
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure %s: %w", l.t.ChangelogTable, err)
	}
	return nil
}

const recordColumns = "ID, AUTHOR, FILENAME, DATEEXECUTED, ORDEREXECUTED, EXECTYPE, MD5SUM, DESCRIPTION, COMMENTS, TAG, DEPLOYMENT_ID"

// Records returns every row ordered by execution order.
func (l *Ledger) Records(ctx context.Context, db execer) ([]Record, error) {
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY DATEEXECUTED ASC, ORDEREXECUTED ASC", recordColumns, l.t.ChangelogTable)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.t.ChangelogTable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Author, &r.Filename, &r.DateExecuted, &r.OrderExecuted, &r.ExecType,
			&r.MD5Sum, &r.Description, &r.Comments, &r.Tag, &r.DeploymentID); err != nil {
			return nil, fmt.Errorf("scan %s: %w", l.t.ChangelogTable, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Ledger) maxOrder(ctx context.Context, db execer) (int, error) {
	var n sql.NullInt64
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf("SELECT MAX(ORDEREXECUTED) FROM %s", l.t.ChangelogTable)
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("read order from %s: %w", l.t.ChangelogTable, err)
	}
	return int(n.Int64), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (l *Ledger) insert(ctx context.Context, db execer, cs *Changeset, execType string, order int, deploymentID string, now time.Time) error {
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)",
		l.t.ChangelogTable, recordColumns,
		l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6), l.ph(7), l.ph(8), l.ph(9), l.ph(10), l.ph(11))
	_, err := db.ExecContext(ctx, q, cs.ID, cs.Author, cs.Filename, now, order, execType,
		nullable(cs.Checksum), "sql", nullable(cs.Comment), nullable(cs.Tag), deploymentID)
	if err != nil {
		return fmt.Errorf("record changeset %s: %w", cs.Key(), err)
	}
	return nil
}

func (l *Ledger) rerun(ctx context.Context, db execer, cs *Changeset, order int, deploymentID string, now time.Time) error {
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf("UPDATE %s SET DATEEXECUTED = %s, ORDEREXECUTED = %s, EXECTYPE = %s, MD5SUM = %s, DEPLOYMENT_ID = %s WHERE ID = %s AND AUTHOR = %s AND FILENAME = %s",
		l.t.ChangelogTable, l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6), l.ph(7), l.ph(8))
	if _, err := db.ExecContext(ctx, q, now, order, ExecTypeReran, cs.Checksum, deploymentID, cs.ID, cs.Author, cs.Filename); err != nil {
		return fmt.Errorf("update changeset %s: %w", cs.Key(), err)
	}
	if cs.Tag != "" {
		return l.setTag(ctx, db, cs.ID, cs.Author, cs.Filename, cs.Tag)
	}
	return nil
}

func (l *Ledger) updateChecksum(ctx context.Context, db execer, cs *Changeset) error {
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf("UPDATE %s SET MD5SUM = %s WHERE ID = %s AND AUTHOR = %s AND FILENAME = %s",
		l.t.ChangelogTable, l.ph(1), l.ph(2), l.ph(3), l.ph(4))
	_, err := db.ExecContext(ctx, q, cs.Checksum, cs.ID, cs.Author, cs.Filename)
	return err
}

func (l *Ledger) setTag(ctx context.Context, db execer, id, author, filename, tag string) error {
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf("UPDATE %s SET TAG = %s WHERE ID = %s AND AUTHOR = %s AND FILENAME = %s",
		l.t.ChangelogTable, l.ph(1), l.ph(2), l.ph(3), l.ph(4))
	if _, err := db.ExecContext(ctx, q, tag, id, author, filename); err != nil {
		return fmt.Errorf("tag changeset %s: %w", id, err)
	}
	return nil
}

// TagLatest sets tag on the most recently executed row. An empty ledger gets
// an internal placeholder row carrying the tag.
func (l *Ledger) TagLatest(ctx context.Context, db execer, tag string) error {
	// #nosec G201 -- table name validated in NewLedger
	q := fmt.Sprintf("SELECT ID, AUTHOR, FILENAME FROM %s ORDER BY DATEEXECUTED DESC, ORDEREXECUTED DESC", l.t.ChangelogTable)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("read %s: %w", l.t.ChangelogTable, err)
	}
	var id, author, filename string
	found := rows.Next()
	if found {
		err = rows.Scan(&id, &author, &filename)
	}
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = rows.Err()
	}
	if err != nil {
		return fmt.Errorf("read latest changeset: %w", err)
	}
	if found {
		return l.setTag(ctx, db, id, author, filename, tag)
	}

	placeholder := &Changeset{ID: emptyTableID, Author: emptyTableAuthor, Filename: emptyTableFilename, Tag: tag}
	return l.insert(ctx, db, placeholder, ExecTypeExecuted, 1, "", time.Now().UTC())
}
