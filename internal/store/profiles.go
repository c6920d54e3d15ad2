package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/common"
)

const profileColumns = "id, name, project_key, url, username, password, driver, changelog_table, changelog_lock_table, active, created_at, updated_at"

func (s *Store) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = s.dialect.GetPlaceholder(i + 1)
	}
	return strings.Join(ph, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanProfile(r rowScanner) (Profile, error) {
	var (
		p                  Profile
		active, created, u any
	)
	if err := r.Scan(&p.ID, &p.Name, &p.ProjectKey, &p.URL, &p.Username, &p.Password, &p.Driver,
		&p.ChangelogTable, &p.ChangelogLockTable, &active, &created, &u); err != nil {
		return Profile{}, err
	}
	p.Active = s.dialect.ConvertBoolFromStorage(active)
	p.CreatedAt = s.dialect.ConvertTimeFromStorage(created)
	p.UpdatedAt = s.dialect.ConvertTimeFromStorage(u)
	return p, nil
}

func (s *Store) queryProfiles(ctx context.Context, q string, args ...any) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Profile
	for rows.Next() {
		p, err := s.scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return out, nil
}

func (s *Store) queryOne(ctx context.Context, q string, arg any) (*Profile, bool, error) {
	p, err := s.scanProfile(s.db.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load profile: %w", err)
	}
	return &p, true, nil
}

// FindByProjectKey returns the profile for projectKey; ok is false when none exists.
func (s *Store) FindByProjectKey(ctx context.Context, projectKey string) (*Profile, bool, error) {
	// #nosec G201 -- table name validated at Open
	q := fmt.Sprintf("SELECT %s FROM %s WHERE project_key = %s", profileColumns, s.table, s.dialect.GetPlaceholder(1))
	return s.queryOne(ctx, q, projectKey)
}

// FindAllActive returns every profile flagged active, ordered by id.
func (s *Store) FindAllActive(ctx context.Context) ([]Profile, error) {
	// #nosec G201 -- table name validated at Open
	q := fmt.Sprintf("SELECT %s FROM %s WHERE active = %s ORDER BY id", profileColumns, s.table, s.dialect.GetPlaceholder(1))
	return s.queryProfiles(ctx, q, s.dialect.ConvertBoolToStorage(true))
}

// List returns all profiles ordered by id.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	// #nosec G201 -- table name validated at Open
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", profileColumns, s.table)
	return s.queryProfiles(ctx, q)
}

// Get returns the profile with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Profile, bool, error) {
	// #nosec G201 -- table name validated at Open
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", profileColumns, s.table, s.dialect.GetPlaceholder(1))
	return s.queryOne(ctx, q, id)
}

// Create inserts p and sets its ID and timestamps.
func (s *Store) Create(ctx context.Context, p *Profile) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	// #nosec G201 -- table name validated at Open
	q := fmt.Sprintf(`INSERT INTO %s (name, project_key, url, username, password, driver, changelog_table, changelog_lock_table, active, created_at, updated_at)
		VALUES (%s) RETURNING id`, s.table, s.placeholders(11))
	err := s.db.QueryRowContext(ctx, q, p.Name, p.ProjectKey, p.URL, p.Username, p.Password, p.Driver,
		p.ChangelogTable, p.ChangelogLockTable, s.dialect.ConvertBoolToStorage(p.Active),
		s.dialect.ConvertTimeToStorage(now), s.dialect.ConvertTimeToStorage(now)).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create profile %s: %w", p.ProjectKey, err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	common.GetLogger().WithStore(s.dialect.GetDriverName()).WithProject(p.ProjectKey).Info("profile created", "id", p.ID)
	return nil
}

// Update overwrites every mutable field of the profile identified by p.ID.
func (s *Store) Update(ctx context.Context, p *Profile) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	ph := s.dialect.GetPlaceholder
	// #nosec G201 -- table name validated at Open
	q := fmt.Sprintf(`UPDATE %s SET name = %s, project_key = %s, url = %s, username = %s, password = %s, driver = %s,
		changelog_table = %s, changelog_lock_table = %s, active = %s, updated_at = %s WHERE id = %s`,
		s.table, ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), ph(8), ph(9), ph(10), ph(11))
	res, err := s.db.ExecContext(ctx, q, p.Name, p.ProjectKey, p.URL, p.Username, p.Password, p.Driver,
		p.ChangelogTable, p.ChangelogLockTable, s.dialect.ConvertBoolToStorage(p.Active),
		s.dialect.ConvertTimeToStorage(now), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update profile %d: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.KindNotFound, "connection profile not found: %d", p.ID)
	}
	p.UpdatedAt = now
	return nil
}

// Delete removes the profile with the given id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	// #nosec G201 -- table name validated at Open
	q := fmt.Sprintf("DELETE FROM %s WHERE id = %s", s.table, s.dialect.GetPlaceholder(1))
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("failed to delete profile %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.KindNotFound, "connection profile not found: %d", id)
	}
	return nil
}
