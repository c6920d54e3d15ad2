// Package changeset writes ad-hoc SQL statements as formatted SQL changelog
// files discoverable through the master changelog.
package changeset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/changelog"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/constants"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/pkg/dbtype"
)

// maxNameAttempts bounds the disambiguating suffixes tried when a file for
// the same project and second already exists.
const maxNameAttempts = 100

// Ref points at a written changeset file.
type Ref struct {
	ID   string  `json:"changesetId"`
	Path string  `json:"changelogPath"`
	Tag  *string `json:"tag"`
}

// Artifact is the content of one synthesized changeset.
type Artifact struct {
	ID          string
	Author      string
	Description string
	Tag         *string
	SQL         string
	Dialect     dbtype.Type
	Project     string
}

// Render returns the formatted SQL body of a.
func (a Artifact) Render() string {
	var sb strings.Builder
	sb.WriteString(constants.FormattedSQLHeader)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "--changeset %s:%s\n", a.Author, a.ID)
	fmt.Fprintf(&sb, "--comment: %s\n", a.Description)
	if a.Tag != nil {
		fmt.Fprintf(&sb, "--tagDatabase: %s\n", *a.Tag)
	}
	sb.WriteString(a.SQL)
	if !strings.HasSuffix(strings.TrimSpace(a.SQL), ";") {
		sb.WriteString(";")
	}
	sb.WriteString("\n")
	return sb.String()
}

// Synthesizer turns SQL into changeset files under Root.
type Synthesizer struct {
	Profiles store.ProfileStore
	Root     string
	// Now is the clock used for file names; time.Now when nil.
	Now func() time.Time
}

// NewSynthesizer returns a Synthesizer writing below root.
func NewSynthesizer(profiles store.ProfileStore, root string) *Synthesizer {
	return &Synthesizer{Profiles: profiles, Root: root}
}

func newID() string {
	return uuid.NewString()[:constants.ChangesetIDLength]
}

// ValidateMetadata rejects values that would break the directive lines of a
// rendered changeset: an author must be one token without ':', description
// and tag must stay on a single line.
func ValidateMetadata(author, description string, tag *string) error {
	if author == "" || strings.ContainsAny(author, ": \t\r\n\v\f") {
		return apperr.New(apperr.KindValidation, "invalid changeset author %q: must be a single word without ':'", author)
	}
	if strings.ContainsAny(description, "\r\n") {
		return apperr.New(apperr.KindValidation, "changeset description must not contain line breaks")
	}
	if tag != nil && strings.ContainsAny(*tag, "\r\n") {
		return apperr.New(apperr.KindValidation, "changeset tag must not contain line breaks")
	}
	return nil
}

// Synthesize writes sql as a new changeset of projectKey and makes sure the
// master changelog exists. The returned path is relative to Root.
func (s *Synthesizer) Synthesize(ctx context.Context, projectKey, sql, author, description string, tag *string) (*Ref, error) {
	if err := ValidateMetadata(author, description, tag); err != nil {
		return nil, err
	}
	p, ok, err := s.Profiles.FindByProjectKey(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "database connection not found for project: %s", projectKey)
	}

	a := Artifact{
		ID:          newID(),
		Author:      author,
		Description: description,
		Tag:         tag,
		SQL:         sql,
		Dialect:     dbtype.FromProfile(p.Driver),
		Project:     strings.ToLower(strings.TrimSpace(projectKey)),
	}
	logger := common.GetLogger().WithComponent("synthesizer").WithProject(projectKey).WithChangeset(a.ID)

	logicalDir := path.Join(constants.ChangelogDir, a.Project, a.Dialect.String())
	dir, err := changelog.ResolveUnder(s.Root, logicalDir)
	if err != nil || !store.IsSafeProjectKey(a.Project) {
		return nil, apperr.New(apperr.KindValidation, "project key %q is not usable as a changelog directory", projectKey)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "create changelog directory", err)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	base := a.Project + "-" + now().UTC().Format(constants.ChangesetTimeLayout)
	name, err := writeExclusive(dir, base, []byte(a.Render()))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "write changeset", err)
	}

	if err := s.EnsureManifest(); err != nil {
		return nil, err
	}

	ref := &Ref{ID: a.ID, Path: path.Join(logicalDir, name), Tag: tag}
	logger.Info("changeset saved", "path", ref.Path)
	return ref, nil
}

// writeExclusive creates base.sql, falling back to base_NNN.sql when a file
// written within the same second already exists. Suffixed names sort after
// the unsuffixed one.
func writeExclusive(dir, base string, body []byte) (string, error) {
	for i := 1; i <= maxNameAttempts; i++ {
		name := base + ".sql"
		if i > 1 {
			name = fmt.Sprintf("%s_%03d.sql", base, i)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(body); err != nil {
			_ = f.Close()
			return "", err
		}
		return name, f.Close()
	}
	return "", fmt.Errorf("no free file name for %s after %d attempts", base, maxNameAttempts)
}
