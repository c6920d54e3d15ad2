package changelog

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/util"
	"gopkg.in/yaml.v3"
)

type includeEntry struct {
	File                    string `yaml:"file"`
	RelativeToChangelogFile bool   `yaml:"relativeToChangelogFile"`
}

type includeAllEntry struct {
	Path                    string `yaml:"path"`
	RelativeToChangelogFile bool   `yaml:"relativeToChangelogFile"`
	ErrorIfMissingOrEmpty   bool   `yaml:"errorIfMissingOrEmpty"`
}

type propertyEntry struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type masterEntry struct {
	Include    *includeEntry    `yaml:"include"`
	IncludeAll *includeAllEntry `yaml:"includeAll"`
	Property   *propertyEntry   `yaml:"property"`
}

type masterDoc struct {
	DatabaseChangeLog []masterEntry `yaml:"databaseChangeLog"`
}

// Loader resolves a changelog (formatted SQL or YAML master) into an ordered
// list of changesets. Every path stays confined to Root.
type Loader struct {
	Root   string
	Params map[string]string

	seen map[string]bool
}

// Load returns the changesets reachable from rel, a path relative to Root.
func (l *Loader) Load(rel string) ([]*Changeset, error) {
	l.seen = map[string]bool{}
	params := make(map[string]string, len(l.Params))
	for k, v := range l.Params {
		params[k] = v
	}
	return l.load(path.Clean(filepath.ToSlash(rel)), params)
}

func (l *Loader) load(logical string, params map[string]string) ([]*Changeset, error) {
	abs, err := ResolveUnder(l.Root, logical)
	if err != nil {
		return nil, err
	}
	if l.seen[abs] {
		return nil, fmt.Errorf("changelog %s included more than once", logical)
	}
	l.seen[abs] = true

	data, err := os.ReadFile(abs) // #nosec G304 -- confined to the scripts root
	if err != nil {
		return nil, fmt.Errorf("read changelog %s: %w", logical, err)
	}
	switch strings.ToLower(path.Ext(logical)) {
	case ".sql":
		return ParseFormattedSQL(logical, data, params)
	case ".yaml", ".yml":
		return l.loadMaster(logical, data, params)
	default:
		return nil, fmt.Errorf("unsupported changelog format: %s", logical)
	}
}

func (l *Loader) loadMaster(logical string, data []byte, params map[string]string) ([]*Changeset, error) {
	var doc masterDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", logical, err)
	}
	logger := common.GetLogger().WithComponent("changelog")

	var out []*Changeset
	for i, e := range doc.DatabaseChangeLog {
		switch {
		case e.Property != nil:
			if _, exists := params[e.Property.Name]; !exists {
				params[e.Property.Name] = util.ExpandParams(e.Property.Value, params)
			}
		case e.Include != nil:
			target := l.relative(logical, util.ExpandParams(e.Include.File, params), e.Include.RelativeToChangelogFile)
			cs, err := l.load(target, params)
			if err != nil {
				return nil, err
			}
			out = append(out, cs...)
		case e.IncludeAll != nil:
			dir := l.relative(logical, util.ExpandParams(e.IncludeAll.Path, params), e.IncludeAll.RelativeToChangelogFile)
			files, err := l.listDir(dir)
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				if e.IncludeAll.ErrorIfMissingOrEmpty {
					return nil, fmt.Errorf("includeAll path %s is missing or empty", dir)
				}
				logger.Debug("includeAll path has no changelogs", "path", dir)
				continue
			}
			for _, f := range files {
				cs, err := l.load(f, params)
				if err != nil {
					return nil, err
				}
				out = append(out, cs...)
			}
		default:
			return nil, fmt.Errorf("%s: unsupported databaseChangeLog entry #%d", logical, i+1)
		}
	}
	return out, nil
}

func (l *Loader) relative(from, target string, relativeToFile bool) string {
	target = filepath.ToSlash(target)
	if relativeToFile {
		return path.Clean(path.Join(path.Dir(from), target))
	}
	return path.Clean(strings.TrimPrefix(target, "/"))
}

// listDir returns the logical paths of *.sql and *.yaml files below dir in
// lexical order. A missing directory yields no files.
func (l *Loader) listDir(dir string) ([]string, error) {
	abs, err := ResolveUnder(l.Root, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == abs {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".sql", ".yaml", ".yml":
		default:
			return nil
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// ResolveUnder joins root and rel and rejects results escaping root.
func ResolveUnder(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path %s must be relative to the scripts root", rel)
	}
	joined := filepath.Join(absRoot, clean)
	r, err := filepath.Rel(absRoot, joined)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the scripts root", rel)
	}
	return joined, nil
}
