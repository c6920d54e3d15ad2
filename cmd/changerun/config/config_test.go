package config

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `server:
  addr: ":9090"
  cors_origins: ["http://ui.example"]
scripts_root: scripts
store:
  type: sqlite
  sqlite:
    path: profiles.db
logging:
  level: debug
  format: json
profiles:
  - name: shop
    projectKey: SHOP
    url: jdbc:postgresql://db:5432/shop
    username: app
    password: secret
    driver: org.postgresql.Driver
  - project_key: BILLING
    url: /tmp/billing.db
    driver: sqlite
    changelog_table: CUSTOM_LOG
    active: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestConfigDoc_Load_NotRegularFile(t *testing.T) {
	d := t.TempDir()
	var c ConfigDoc
	if err := c.Load(d); err == nil {
		t.Fatalf("expected error for directory path (not a regular file)")
	}
}

func TestConfigDoc_LoadAndDecodeProfiles(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	var doc ConfigDoc
	require.NoError(t, doc.Load(path))

	require.Equal(t, ":9090", doc.ServerAddr())
	require.Equal(t, filepath.Join(filepath.Dir(path), "scripts"), doc.ScriptsDir())
	sc := doc.Store.ToStoreConfig(doc.Dir())
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, filepath.Join(filepath.Dir(path), "profiles.db"), sc.SQLite.Path)

	profiles, err := doc.DecodeProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	require.Equal(t, "SHOP", profiles[0].ProjectKey)
	require.Equal(t, "org.postgresql.Driver", profiles[0].Driver)
	require.Equal(t, "secret", profiles[0].Password)
	require.True(t, profiles[0].Active)
	require.Equal(t, "DATABASECHANGELOG", profiles[0].ChangelogTable)

	require.Equal(t, "BILLING", profiles[1].ProjectKey)
	require.Equal(t, "CUSTOM_LOG", profiles[1].ChangelogTable)
	require.False(t, profiles[1].Active)
}

func TestConfigDoc_DecodeProfiles_Errors(t *testing.T) {
	tests := []struct {
		name    string
		profile map[string]any
	}{
		{"unknown key", map[string]any{"projectKey": "P", "url": "u", "driver": "sqlite", "bogus": 1}},
		{"missing url", map[string]any{"projectKey": "P", "driver": "sqlite"}},
		{"bad table", map[string]any{"projectKey": "P", "url": "u", "driver": "sqlite", "changelogTable": "a b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := ConfigDoc{Profiles: []map[string]any{tt.profile}}
			if _, err := doc.DecodeProfiles(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestConfigDoc_Defaults(t *testing.T) {
	var doc ConfigDoc
	require.Equal(t, ":8080", doc.ServerAddr())
	require.Equal(t, ".", doc.ScriptsDir())
	sc := doc.Store.ToStoreConfig("")
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, "changerun.db", sc.SQLite.Path)
}

func TestConfigDoc_ApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("scripts_root", "/srv/scripts")
	v.Set("addr", ":7000")
	v.Set("store_type", "postgres")
	v.Set("store_dsn", "postgres://u:p@h/db")

	doc := ConfigDoc{ScriptsRoot: "local"}
	doc.ApplyOverrides(v)
	require.Equal(t, "/srv/scripts", doc.ScriptsDir())
	require.Equal(t, ":7000", doc.ServerAddr())
	require.Equal(t, "postgres", doc.Store.Type)
	require.Equal(t, "postgres://u:p@h/db", doc.Store.Postgres.DSN)
}

func TestConfigDoc_SetupLogging(t *testing.T) {
	tests := []struct {
		name    string
		logging LoggingConfig
		wantErr bool
	}{
		{"defaults", LoggingConfig{}, false},
		{"json debug", LoggingConfig{Level: "debug", Format: "json"}, false},
		{"color", LoggingConfig{Format: "color"}, false},
		{"bad level", LoggingConfig{Level: "loud"}, true},
		{"bad format", LoggingConfig{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := ConfigDoc{Logging: tt.logging}
			err := doc.SetupLogging()
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetupLogging() err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTLSVersion(t *testing.T) {
	cases := map[string]uint16{
		"1.2":   tls.VersionTLS12,
		"tls13": tls.VersionTLS13,
		" 1.0 ": tls.VersionTLS10,
		"":      0,
		"2.0":   0,
	}
	for in, want := range cases {
		if got := ParseTLSVersion(in); got != want {
			t.Fatalf("ParseTLSVersion(%q) = %x, want %x", in, got, want)
		}
	}

	c := ClientConfig{Insecure: true, Timeout: "3s"}
	h := c.HTTPClient()
	require.Equal(t, 3*time.Second, h.Timeout)
	require.NotNil(t, h.TlsConfig)
	require.True(t, h.TlsConfig.InsecureSkipVerify)

	require.Nil(t, (&ClientConfig{}).HTTPClient().TlsConfig)
}

func TestConnectConfig_Connector(t *testing.T) {
	require.Equal(t, 2*time.Second, ConnectConfig{PingTimeout: "2s"}.Connector().PingTimeout)
	require.Positive(t, ConnectConfig{PingTimeout: "bogus"}.Connector().PingTimeout)
}

func TestStoreConfig_RetryPolicy(t *testing.T) {
	require.Nil(t, StoreConfig{}.ToStoreConfig("").Retry)

	cfg := StoreConfig{ConnectRetries: 4, RetryDelay: "50ms"}.ToStoreConfig("")
	require.NotNil(t, cfg.Retry)
	require.Equal(t, 4, cfg.Retry.MaxRetries)
	require.Equal(t, 50*time.Millisecond, cfg.Retry.InitialDelay)
}

func TestConfigDoc_OpenService(t *testing.T) {
	path := writeConfig(t, `store:
  sqlite:
    path: profiles.db
profiles:
  - projectKey: LOCAL
    url: `+filepath.Join(t.TempDir(), "local.db")+`
    driver: sqlite
`)
	var doc ConfigDoc
	require.NoError(t, doc.Load(path))
	svc, closer, err := doc.OpenService(context.Background())
	require.NoError(t, err)
	defer closer()

	list, err := svc.ListProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{"LOCAL"}, svc.Registry().Keys())
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls [][]Profile
}

func (r *recordingSyncer) SyncProfiles(_ context.Context, seeds []Profile) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, seeds)
	return len(seeds), nil
}

func (r *recordingSyncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s := &recordingSyncer{}
	w := NewWatcher(path, s)

	w.Reload(context.Background())
	runs, err := w.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, runs)
	require.Len(t, s.calls[0], 2)

	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - projectKey: X\n"), 0o644))
	w.Reload(context.Background())
	runs, err = w.Stats()
	require.Error(t, err)
	require.Equal(t, 2, runs)
	require.Equal(t, 1, s.count())
}

func TestWatcher_PicksUpFileChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test skipped in short mode")
	}
	path := writeConfig(t, sampleConfig)
	s := &recordingSyncer{}
	w := NewWatcher(path, s)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(sampleConfig+"\n# touched\n"), 0o644))
	require.Eventually(t, func() bool { return s.count() > 0 }, 10*time.Second, 50*time.Millisecond)
}
