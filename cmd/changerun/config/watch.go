package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProfileSyncer receives the re-decoded profile seeds after a config change.
type ProfileSyncer interface {
	SyncProfiles(ctx context.Context, seeds []Profile) (int, error)
}

// Watcher re-reads the config file when it changes and re-syncs the seeded
// profiles. Only the profiles section is reloaded; the other sections need a
// restart.
type Watcher struct {
	path   string
	syncer ProfileSyncer
	v      *viper.Viper

	mu   sync.Mutex
	last error
	runs int
}

// NewWatcher watches path on behalf of syncer.
func NewWatcher(path string, syncer ProfileSyncer) *Watcher {
	return &Watcher{path: path, syncer: syncer, v: viper.New()}
}

// Start begins watching. Changes are applied with ctx.
func (w *Watcher) Start(ctx context.Context) error {
	w.v.SetConfigFile(w.path)
	if err := w.v.ReadInConfig(); err != nil {
		return err
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.Reload(ctx)
	})
	w.v.WatchConfig()
	return nil
}

// Reload decodes the file again and hands its profiles to the syncer.
func (w *Watcher) Reload(ctx context.Context) {
	logger := loggerFor("watch")
	var doc ConfigDoc
	err := doc.Load(w.path)
	var seeds []Profile
	if err == nil {
		seeds, err = doc.DecodeProfiles()
	}
	changed := 0
	if err == nil {
		changed, err = w.syncer.SyncProfiles(ctx, seeds)
	}

	w.mu.Lock()
	w.last = err
	w.runs++
	w.mu.Unlock()

	if err != nil {
		logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	logger.Info("config reloaded", "path", w.path, "profiles_changed", changed)
}

// Stats returns how often Reload ran and its last error.
func (w *Watcher) Stats() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs, w.last
}
