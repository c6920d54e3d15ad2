package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

const lockRowID = 1

// LockInfo describes the current holder of the changelog lock.
type LockInfo struct {
	Locked      bool
	LockGranted *time.Time
	LockedBy    string
}

// Locker guards ApplyPending runs with the single-row lock table.
type Locker struct {
	t        Target
	identity string
}

// NewLocker returns a Locker identifying itself as identity (defaults to
// hostname and pid).
func NewLocker(t Target, identity string) (*Locker, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if identity == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "unknown"
		}
		identity = fmt.Sprintf("%s (%d)", host, os.Getpid())
	}
	return &Locker{t: t, identity: identity}, nil
}

func (l *Locker) ph(i int) string { return l.t.Type.Placeholder(i) }

// Ensure creates the lock table and its single row.
func (l *Locker) Ensure(ctx context.Context, db execer) error {
	// #nosec G201 -- table name validated in NewLocker
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ID INT NOT NULL PRIMARY KEY,
		LOCKED BOOLEAN NOT NULL,
		LOCKGRANTED %s,
		LOCKEDBY VARCHAR(255)
	)`, l.t.LockTable, l.t.Type.TimestampType())
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure %s: %w", l.t.LockTable, err)
	}

	var n int
	// #nosec G201 -- table name validated in NewLocker
	count := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE ID = %s", l.t.LockTable, l.ph(1))
	if err := db.QueryRowContext(ctx, count, lockRowID).Scan(&n); err != nil {
		return fmt.Errorf("read %s: %w", l.t.LockTable, err)
	}
	if n > 0 {
		return nil
	}
	// #nosec G201 -- table name validated in NewLocker
	ins := fmt.Sprintf("INSERT INTO %s (ID, LOCKED) VALUES (%s, %s)", l.t.LockTable, l.ph(1), l.ph(2))
	if _, err := db.ExecContext(ctx, ins, lockRowID, false); err != nil {
		// another process may have inserted the row concurrently
		if err2 := db.QueryRowContext(ctx, count, lockRowID).Scan(&n); err2 == nil && n > 0 {
			return nil
		}
		return fmt.Errorf("initialize %s: %w", l.t.LockTable, err)
	}
	return nil
}

// Acquire takes the lock or fails immediately when another process holds it.
func (l *Locker) Acquire(ctx context.Context, db execer) error {
	// #nosec G201 -- table name validated in NewLocker
	q := fmt.Sprintf("UPDATE %s SET LOCKED = %s, LOCKGRANTED = %s, LOCKEDBY = %s WHERE ID = %s AND LOCKED = %s",
		l.t.LockTable, l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5))
	res, err := db.ExecContext(ctx, q, true, time.Now().UTC(), l.identity, lockRowID, false)
	if err != nil {
		return fmt.Errorf("acquire changelog lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	info, err := l.Info(ctx, db)
	if err != nil {
		return fmt.Errorf("changelog locked: %w", err)
	}
	since := "unknown time"
	if info.LockGranted != nil {
		since = info.LockGranted.Format(time.RFC3339)
	}
	return fmt.Errorf("changelog locked by %s since %s", info.LockedBy, since)
}

// Release clears the lock if this process holds it.
func (l *Locker) Release(ctx context.Context, db execer) error {
	// #nosec G201 -- table name validated in NewLocker
	q := fmt.Sprintf("UPDATE %s SET LOCKED = %s, LOCKGRANTED = NULL, LOCKEDBY = NULL WHERE ID = %s AND LOCKEDBY = %s",
		l.t.LockTable, l.ph(1), l.ph(2), l.ph(3))
	if _, err := db.ExecContext(ctx, q, false, lockRowID, l.identity); err != nil {
		return fmt.Errorf("release changelog lock: %w", err)
	}
	return nil
}

// Info reads the lock row.
func (l *Locker) Info(ctx context.Context, db execer) (LockInfo, error) {
	var (
		info    LockInfo
		granted sql.NullTime
		by      sql.NullString
	)
	// #nosec G201 -- table name validated in NewLocker
	q := fmt.Sprintf("SELECT LOCKED, LOCKGRANTED, LOCKEDBY FROM %s WHERE ID = %s", l.t.LockTable, l.ph(1))
	if err := db.QueryRowContext(ctx, q, lockRowID).Scan(&info.Locked, &granted, &by); err != nil {
		return LockInfo{}, err
	}
	if granted.Valid {
		t := granted.Time
		info.LockGranted = &t
	}
	info.LockedBy = by.String
	return info, nil
}
