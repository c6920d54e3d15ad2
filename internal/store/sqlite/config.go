package sqlite

import "fmt"

// SQLite configuration constants
const (
	busyTimeoutMS    = 5000 // 5 seconds in milliseconds
	foreignKeysParam = "_fk=1"
)

type Config struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DSN returns the modernc sqlite DSN for Path. An empty path opens an
// in-memory database.
func (c *Config) DSN() string {
	if c == nil || c.Path == "" {
		return ":memory:"
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&%s", c.Path, busyTimeoutMS, foreignKeysParam)
}
