// Package changerun applies, tracks and tags formatted SQL changelogs against
// per-project databases and captures ad-hoc statements as new changesets.
package changerun

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/changelog"
	"github.com/loykin/changerun/internal/changeset"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/connector"
	"github.com/loykin/changerun/internal/constants"
	"github.com/loykin/changerun/internal/migration"
	"github.com/loykin/changerun/internal/query"
	"github.com/loykin/changerun/internal/registry"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/internal/util"
)

// Re-export the types callers exchange with the Service.

type Profile = store.Profile

type Repository = store.Repository

type ExecutionReport = migration.ExecutionReport

type TagReport = migration.TagReport

type QueryReport = query.Report

type ChangesetRef = changeset.Ref

// Store is the database/sql backed profile repository.
type Store = store.Store

type StoreConfig = store.Config

// OpenStore opens (and initializes) the profile store described by cfg.
func OpenStore(cfg StoreConfig) (*Store, error) { return store.Open(cfg) }

// ConnectionTestReport is the outcome of TestConnection.
type ConnectionTestReport struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ChangelogCount *int64 `json:"changelogCount,omitempty"`
}

// ChangelogContent is a changelog file read from the scripts root.
type ChangelogContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Options configure a Service. Zero values select the defaults.
type Options struct {
	ScriptsRoot string
	Connector   *connector.Connector
	Engine      changelog.Engine
}

// Service wires the registry, runner, tag editor, executor and synthesizer
// around one profile repository.
type Service struct {
	profiles  store.Repository
	connector *connector.Connector
	registry  *registry.Registry
	runner    *migration.Runner
	tags      *migration.TagEditor
	lister    *migration.Lister
	executor  *query.Executor
	synth     *changeset.Synthesizer
	root      string
}

// New builds a Service. The registry starts empty; call InitializeAll to
// open handles for every active profile.
func New(profiles store.Repository, opts Options) *Service {
	root := util.TrimWithDefault(opts.ScriptsRoot, constants.DefaultScriptsRoot)
	conn := opts.Connector
	if conn == nil {
		conn = connector.New()
	}
	engine := opts.Engine
	if engine == nil {
		engine = changelog.NewEngine()
	}
	synth := changeset.NewSynthesizer(profiles, root)
	handles := registry.New(profiles, conn)
	return &Service{
		profiles:  profiles,
		connector: conn,
		registry:  handles,
		runner:    &migration.Runner{Profiles: profiles, Connector: conn, Engine: engine, ScriptsRoot: root},
		tags:      &migration.TagEditor{Profiles: profiles, Connector: conn},
		lister:    &migration.Lister{Handles: handles},
		executor:  &query.Executor{Profiles: profiles, Connector: conn, Synthesizer: synth},
		synth:     synth,
		root:      root,
	}
}

// ScriptsRoot returns the directory changelog paths are resolved against.
func (s *Service) ScriptsRoot() string { return s.root }

// Registry exposes the handle cache.
func (s *Service) Registry() *registry.Registry { return s.registry }

// InitializeAll opens a registry handle for every active profile.
func (s *Service) InitializeAll(ctx context.Context) (int, error) {
	return s.registry.InitializeAll(ctx)
}

// Close releases every cached handle.
func (s *Service) Close() error { return s.registry.Close() }

// RunMigration applies the pending changesets of scriptPath and optionally
// tags the result.
func (s *Service) RunMigration(ctx context.Context, projectKey, scriptPath, tag string) (*ExecutionReport, error) {
	return s.runner.Run(ctx, projectKey, scriptPath, tag)
}

// SetChangesetTag sets or, with remove, clears the tag of one changeset.
// Removal with a tag and assignment without one are rejected before any
// database access.
func (s *Service) SetChangesetTag(ctx context.Context, projectKey, changesetID, tag string, remove bool) (*TagReport, error) {
	tag = strings.TrimSpace(tag)
	switch {
	case strings.TrimSpace(changesetID) == "":
		return nil, apperr.New(apperr.KindValidation, "changeset id is required")
	case remove && tag != "":
		return nil, apperr.New(apperr.KindValidation, "tag must be empty when removing a tag")
	case !remove && tag == "":
		return nil, apperr.New(apperr.KindValidation, "tag is required")
	}
	if remove {
		return s.tags.SetTag(ctx, projectKey, changesetID, nil)
	}
	return s.tags.SetTag(ctx, projectKey, changesetID, &tag)
}

// ExecuteAdHocQuery runs one statement. Failures are reported, not returned.
func (s *Service) ExecuteAdHocQuery(ctx context.Context, projectKey, sql string, capture bool, tag *string) *QueryReport {
	return s.executor.Execute(ctx, projectKey, sql, capture, tag)
}

// SaveAsChangeset writes sql as a new changeset without executing it.
func (s *Service) SaveAsChangeset(ctx context.Context, projectKey, sql, author, description string, tag *string) (*ChangesetRef, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, apperr.New(apperr.KindValidation, "sql is required")
	}
	author = util.TrimWithDefault(author, constants.SystemAuthor)
	description = util.TrimWithDefault(description, constants.AutoDescription)
	if tag != nil && strings.TrimSpace(*tag) == "" {
		tag = nil
	}
	return s.synth.Synthesize(ctx, projectKey, sql, author, description, tag)
}

// ListChangelogEntries returns the ledger rows of a project, newest first,
// read through the cached registry handle.
func (s *Service) ListChangelogEntries(ctx context.Context, projectKey string) ([]map[string]any, error) {
	return s.lister.List(ctx, projectKey)
}

// ReadChangelogContent reads a changelog file below the scripts root.
func (s *Service) ReadChangelogContent(path string) (*ChangelogContent, error) {
	abs, err := changelog.ResolveUnder(s.root, path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "read changelog", err)
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() {
		return nil, apperr.New(apperr.KindNotFound, "changelog file not found: %s", path)
	}
	b, err := os.ReadFile(abs) // #nosec G304 -- confined to the scripts root
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "read changelog", err)
	}
	return &ChangelogContent{Path: path, Content: string(b)}, nil
}

// TestConnection pings the database of profile id and counts its ledger rows.
// Connection failures are reported in the result.
func (s *Service) TestConnection(ctx context.Context, id int64) (*ConnectionTestReport, error) {
	p, err := s.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	db, err := s.connector.OpenDedicated(ctx, *p)
	if err != nil {
		return &ConnectionTestReport{Message: "connection failed: " + err.Error()}, nil
	}
	defer func() { _ = db.Close() }()

	if !util.IsSQLIdentifier(p.ChangelogTable) {
		return &ConnectionTestReport{Success: true, Message: "connected, but the changelog table name is invalid"}, nil
	}
	var n int64
	// #nosec G201 -- table name validated above
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.ChangelogTable)).Scan(&n); err != nil {
		return &ConnectionTestReport{Success: true, Message: "connected, but the changelog table was not found"}, nil
	}
	return &ConnectionTestReport{
		Success:        true,
		Message:        fmt.Sprintf("connection successful: %d changelog entries found", n),
		ChangelogCount: &n,
	}, nil
}

// ListProfiles returns every stored profile.
func (s *Service) ListProfiles(ctx context.Context) ([]Profile, error) {
	return s.profiles.List(ctx)
}

// GetProfile returns profile id or a NotFound error.
func (s *Service) GetProfile(ctx context.Context, id int64) (*Profile, error) {
	p, ok, err := s.profiles.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "connection profile not found: %d", id)
	}
	return p, nil
}

// CreateProfile stores p and, when active, opens its registry handle.
func (s *Service) CreateProfile(ctx context.Context, p *Profile) error {
	if err := s.profiles.Create(ctx, p); err != nil {
		return err
	}
	if p.Active {
		if _, err := s.registry.Create(ctx, *p); err != nil {
			return err
		}
	}
	return nil
}

// UpdateProfile overwrites profile p.ID and rebuilds its registry handle.
// A changed project key evicts the handle of the old key as well.
func (s *Service) UpdateProfile(ctx context.Context, p *Profile) error {
	old, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := s.profiles.Update(ctx, p); err != nil {
		return err
	}
	s.registry.Remove(old.ProjectKey)
	s.registry.Remove(p.ProjectKey)
	if p.Active {
		if _, err := s.registry.Create(ctx, *p); err != nil {
			return err
		}
	}
	return nil
}

// DeleteProfile removes profile id and evicts its registry handle.
func (s *Service) DeleteProfile(ctx context.Context, id int64) error {
	p, err := s.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	if err := s.profiles.Delete(ctx, id); err != nil {
		return err
	}
	s.registry.Remove(p.ProjectKey)
	return nil
}

// SyncProfiles upserts seed profiles by project key. Registry handles of new
// or changed projects are rebuilt; unchanged ones are left alone. It
// returns the number of profiles created or updated.
func (s *Service) SyncProfiles(ctx context.Context, seeds []Profile) (int, error) {
	logger := common.GetLogger().WithComponent("sync")
	changed := 0
	for i := range seeds {
		seed := seeds[i]
		seed.Normalize()
		if err := seed.Validate(); err != nil {
			return changed, fmt.Errorf("profile seed %d: %w", i+1, err)
		}
		existing, ok, err := s.profiles.FindByProjectKey(ctx, seed.ProjectKey)
		if err != nil {
			return changed, err
		}
		if !ok {
			if err := s.CreateProfile(ctx, &seed); err != nil {
				return changed, err
			}
			changed++
			logger.Info("profile seeded", "project", seed.ProjectKey)
			continue
		}
		seed.ID = existing.ID
		if sameCoordinates(*existing, seed) {
			continue
		}
		if err := s.UpdateProfile(ctx, &seed); err != nil {
			return changed, err
		}
		changed++
		logger.Info("profile reseeded", "project", seed.ProjectKey)
	}
	return changed, nil
}

func sameCoordinates(a, b Profile) bool {
	return a.Name == b.Name && a.URL == b.URL && a.Username == b.Username && a.Password == b.Password &&
		a.Driver == b.Driver && a.ChangelogTable == b.ChangelogTable &&
		a.ChangelogLockTable == b.ChangelogLockTable && a.Active == b.Active
}
