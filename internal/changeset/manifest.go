package changeset

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/constants"
	"gopkg.in/yaml.v3"
)

type includeAll struct {
	Path string `yaml:"path"`
}

type manifestEntry struct {
	IncludeAll includeAll `yaml:"includeAll"`
}

type manifest struct {
	DatabaseChangeLog []manifestEntry `yaml:"databaseChangeLog"`
}

// ManifestPath is the master changelog location relative to the scripts root.
func ManifestPath() string {
	return constants.ChangelogDir + "/" + constants.MasterChangelogFile
}

// renderManifest produces the master changelog including every
// project/dialect subtree through substitution parameters.
func renderManifest() ([]byte, error) {
	m := manifest{DatabaseChangeLog: []manifestEntry{{
		IncludeAll: includeAll{Path: constants.ChangelogDir + "/${project}/${db.type}"},
	}}}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EnsureManifest creates the master changelog when it does not exist. An
// existing file is never rewritten.
func (s *Synthesizer) EnsureManifest() error {
	p := filepath.Join(s.Root, filepath.FromSlash(ManifestPath()))
	if _, err := os.Stat(p); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.KindIO, "stat master changelog", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apperr.Wrap(apperr.KindIO, "create master changelog directory", err)
	}
	body, err := renderManifest()
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "render master changelog", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "create master changelog", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return apperr.Wrap(apperr.KindIO, "write master changelog", err)
	}
	if err := f.Close(); err != nil {
		return apperr.Wrap(apperr.KindIO, "write master changelog", err)
	}
	common.GetLogger().WithComponent("synthesizer").Info("created master changelog", "path", ManifestPath())
	return nil
}
