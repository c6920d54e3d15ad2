package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/loykin/changerun"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/connector"
	"github.com/loykin/changerun/internal/constants"
	"github.com/loykin/changerun/internal/httpc"
	"github.com/loykin/changerun/internal/retry"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/internal/store/postgresql"
	"github.com/loykin/changerun/internal/store/sqlite"
	"github.com/loykin/changerun/internal/util"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Profile is a connection profile seed.
type Profile = store.Profile

func loggerFor(component string) *common.Logger {
	return common.GetLogger().WithComponent(component)
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	Mode        string   `mapstructure:"mode" yaml:"mode"` // debug, release, test
}

type SQLiteStoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type StoreConfig struct {
	Type     string            `mapstructure:"type" yaml:"type"` // sqlite (default), postgres
	Table    string            `mapstructure:"table" yaml:"table"`
	SQLite   SQLiteStoreConfig `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres postgresql.Config `mapstructure:"postgres" yaml:"postgres"`
	// ConnectRetries retries opening the profile store; 0 tries once.
	ConnectRetries int    `mapstructure:"connect_retries" yaml:"connect_retries"`
	RetryDelay     string `mapstructure:"retry_delay" yaml:"retry_delay"`
}

func (c StoreConfig) retryPolicy() *retry.Policy {
	if c.ConnectRetries <= 0 {
		return nil
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = c.ConnectRetries
	if d, err := time.ParseDuration(strings.TrimSpace(c.RetryDelay)); err == nil && d > 0 {
		policy.InitialDelay = d
	}
	return policy
}

// ToStoreConfig resolves defaults; a relative sqlite path is taken relative
// to baseDir.
func (c StoreConfig) ToStoreConfig(baseDir string) store.Config {
	path := util.TrimWithDefault(c.SQLite.Path, constants.DefaultStoreFileName)
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	return store.Config{
		Driver:   util.TrimWithDefault(util.TrimAndLower(c.Type), store.DriverSqlite),
		Table:    c.Table,
		SQLite:   sqlite.Config{Path: path},
		Postgres: c.Postgres,
		Retry:    c.retryPolicy(),
	}
}

type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`                   // error, warn, info, debug
	Format        string `mapstructure:"format" yaml:"format"`                 // text, json, color
	MaskSensitive *bool  `mapstructure:"mask_sensitive" yaml:"mask_sensitive"` // enable/disable sensitive data masking
	Color         *bool  `mapstructure:"color" yaml:"color"`                   // enable/disable colorized output
}

// ConnectConfig tunes how target databases are reached. Target connections
// are never retried.
type ConnectConfig struct {
	PingTimeout string `mapstructure:"ping_timeout" yaml:"ping_timeout"`
}

// Connector builds the target database connector.
func (c ConnectConfig) Connector() *connector.Connector {
	conn := connector.New()
	if d, err := time.ParseDuration(strings.TrimSpace(c.PingTimeout)); err == nil && d > 0 {
		conn.PingTimeout = d
	}
	return conn
}

type ClientConfig struct {
	Insecure      bool   `mapstructure:"insecure" yaml:"insecure"`
	MinTLSVersion string `mapstructure:"min_tls_version" yaml:"min_tls_version"`
	MaxTLSVersion string `mapstructure:"max_tls_version" yaml:"max_tls_version"`
	Timeout       string `mapstructure:"timeout" yaml:"timeout"`
}

type ConfigDoc struct {
	Server      ServerConfig  `mapstructure:"server" yaml:"server"`
	ScriptsRoot string        `mapstructure:"scripts_root" yaml:"scripts_root"`
	Store       StoreConfig   `mapstructure:"store" yaml:"store"`
	Logging     LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Client      ClientConfig  `mapstructure:"client" yaml:"client"`
	Connect     ConnectConfig `mapstructure:"connect" yaml:"connect"`
	// Profiles seeds connection profiles at startup. Entries are decoded
	// with DecodeProfiles so both snake_case and camelCase keys work.
	Profiles []map[string]any `mapstructure:"profiles" yaml:"profiles"`

	dir string
}

func (c *ConfigDoc) Load(path string) error {
	clean := filepath.Clean(path)
	// Ensure path points to a regular file to avoid opening directories/special files
	if info, statErr := os.Stat(clean); statErr != nil || !info.Mode().IsRegular() {
		if statErr != nil {
			return statErr
		}
		return fmt.Errorf("not a regular file: %s", clean)
	}
	// #nosec G304 -- config path is provided intentionally by the user/CI; cleaned and validated above
	f, err := os.Open(clean)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", clean, err)
	}
	c.dir = filepath.Dir(clean)
	return nil
}

// ApplyOverrides copies values set through CHANGERUN_* environment variables
// or flags bound to v over the loaded document.
func (c *ConfigDoc) ApplyOverrides(v *viper.Viper) {
	if s := strings.TrimSpace(v.GetString("scripts_root")); s != "" {
		c.ScriptsRoot = s
	}
	if s := strings.TrimSpace(v.GetString("addr")); s != "" {
		c.Server.Addr = s
	}
	if s := strings.TrimSpace(v.GetString("log_level")); s != "" {
		c.Logging.Level = s
	}
	if s := strings.TrimSpace(v.GetString("store_type")); s != "" {
		c.Store.Type = s
	}
	if s := strings.TrimSpace(v.GetString("store_dsn")); s != "" {
		c.Store.Postgres.DSN = s
	}
}

// Dir is the directory of the loaded config file ("." when none was loaded).
func (c *ConfigDoc) Dir() string {
	if c.dir == "" {
		return "."
	}
	return c.dir
}

// ScriptsDir resolves scripts_root relative to the config file.
func (c *ConfigDoc) ScriptsDir() string {
	root := util.TrimWithDefault(c.ScriptsRoot, constants.DefaultScriptsRoot)
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(c.Dir(), root)
}

// ServerAddr returns the listen address with its default applied.
func (c *ConfigDoc) ServerAddr() string {
	return util.TrimWithDefault(c.Server.Addr, constants.DefaultServerAddr)
}

// DecodeProfiles converts the profiles section into store profiles. Active
// defaults to true.
func (c *ConfigDoc) DecodeProfiles() ([]Profile, error) {
	out := make([]Profile, 0, len(c.Profiles))
	for i, raw := range c.Profiles {
		p := store.Profile{Active: true}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &p,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			MatchName: func(mapKey, fieldName string) bool {
				return normalizeKey(mapKey) == normalizeKey(fieldName)
			},
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("profiles[%d]: %w", i, err)
		}
		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profiles[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

// ParseTLSVersion converts "1.2", "tls12" and similar to a crypto/tls constant.
// Returns 0 if the version string is not recognized.
func ParseTLSVersion(version string) uint16 {
	switch util.TrimAndLower(version) {
	case "1.0", "10", "tls1.0", "tls10":
		return tls.VersionTLS10
	case "1.1", "11", "tls1.1", "tls11":
		return tls.VersionTLS11
	case "1.2", "12", "tls1.2", "tls12":
		return tls.VersionTLS12
	case "1.3", "13", "tls1.3", "tls13":
		return tls.VersionTLS13
	default:
		return 0
	}
}

// HTTPClient builds the settings for talking to a remote server.
func (c *ClientConfig) HTTPClient() *httpc.Httpc {
	h := &httpc.Httpc{}
	if d, err := time.ParseDuration(strings.TrimSpace(c.Timeout)); err == nil {
		h.Timeout = d
	}
	minV, maxV := ParseTLSVersion(c.MinTLSVersion), ParseTLSVersion(c.MaxTLSVersion)
	if c.Insecure || minV != 0 || maxV != 0 {
		// #nosec G402 -- InsecureSkipVerify is opt-in via config
		h.TlsConfig = &tls.Config{InsecureSkipVerify: c.Insecure, MinVersion: minV, MaxVersion: maxV}
	}
	return h
}

// SetupLogging configures the global logger based on config settings
func (c *ConfigDoc) SetupLogging() error {
	level, ok := common.ParseLogLevel(c.Logging.Level)
	if !ok {
		return fmt.Errorf("invalid logging level: %s (valid: error, warn, info, debug)", c.Logging.Level)
	}

	format := util.TrimAndLower(c.Logging.Format)
	useColor := false
	if c.Logging.Color != nil {
		useColor = *c.Logging.Color
	} else if format == "color" || format == "colour" {
		useColor = true
	}

	var logger *common.Logger
	switch format {
	case "json":
		logger = common.NewJSONLogger(level)
	case "color", "colour":
		logger = common.NewColorLogger(level)
	case "text", "":
		if useColor {
			logger = common.NewColorLogger(level)
		} else {
			logger = common.NewLogger(level)
		}
	default:
		return fmt.Errorf("invalid logging format: %s (valid: text, json, color)", c.Logging.Format)
	}

	maskingEnabled := true
	if c.Logging.MaskSensitive != nil {
		maskingEnabled = *c.Logging.MaskSensitive
	}
	common.EnableMasking(maskingEnabled)
	common.SetDefaultLogger(logger)

	logger.Info("logging configured",
		"level", level.String(),
		"format", util.TrimWithDefault(format, "text"),
		"color", useColor,
		"mask_sensitive", maskingEnabled)
	return nil
}

// OpenService opens the profile store, builds the service and seeds the
// configured profiles. The returned closer releases both.
func (c *ConfigDoc) OpenService(ctx context.Context) (*changerun.Service, func(), error) {
	seeds, err := c.DecodeProfiles()
	if err != nil {
		return nil, nil, err
	}
	st, err := changerun.OpenStore(c.Store.ToStoreConfig(c.Dir()))
	if err != nil {
		return nil, nil, fmt.Errorf("open profile store: %w", err)
	}
	svc := changerun.New(st, changerun.Options{ScriptsRoot: c.ScriptsDir(), Connector: c.Connect.Connector()})
	closer := func() {
		_ = svc.Close()
		_ = st.Close()
	}
	if _, err := svc.SyncProfiles(ctx, seeds); err != nil {
		closer()
		return nil, nil, err
	}
	return svc, closer, nil
}
