// Package registry caches one live database handle per project key.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/connector"
	"github.com/loykin/changerun/internal/store"
)

// maxBuildAttempts bounds how often Get rebuilds when the registry changed
// underneath an in-flight creation.
const maxBuildAttempts = 3

type entry struct {
	db        *sql.DB
	profile   store.Profile
	createdAt time.Time
	// refs counts outstanding leases; a retired entry is closed when the
	// last lease is released.
	refs    int
	retired bool
}

// Lease is a checked-out handle. The handle stays open until Release even
// when the entry is evicted in the meantime.
type Lease struct {
	DB *sql.DB
	// Profile is the snapshot the handle was built from.
	Profile store.Profile

	r    *Registry
	e    *entry
	once sync.Once
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.r.release(l.e) })
}

// Registry maps project keys to handles built from the profile as of
// creation time. Handles are never refreshed implicitly: profile updates
// must Remove (and optionally Create) explicitly.
type Registry struct {
	profiles store.ProfileStore
	opener   connector.Opener

	mu      sync.RWMutex
	entries map[string]*entry
	// gen changes on every Create and Remove so that a lookup racing with
	// either does not publish a handle built from a stale profile.
	gen uint64
}

// New creates an empty registry.
func New(profiles store.ProfileStore, opener connector.Opener) *Registry {
	return &Registry{
		profiles: profiles,
		opener:   opener,
		entries:  make(map[string]*entry),
	}
}

func (r *Registry) logger() *common.Logger {
	return common.GetLogger().WithComponent("registry")
}

// Create opens a handle for p and stores it under p.ProjectKey, replacing
// any cached handle. The replaced handle is not closed: callers that already
// hold it may keep using it until they finish.
func (r *Registry) Create(ctx context.Context, p store.Profile) (*sql.DB, error) {
	db, err := r.opener.Open(ctx, p)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "create handle for "+p.ProjectKey, err)
	}
	r.mu.Lock()
	_, replaced := r.entries[p.ProjectKey]
	r.entries[p.ProjectKey] = &entry{db: db, profile: p, createdAt: time.Now()}
	r.gen++
	r.mu.Unlock()

	r.logger().WithProject(p.ProjectKey).Info("handle created", "replaced", replaced)
	return db, nil
}

// Get returns the cached handle for projectKey, creating it from the stored
// profile on first use. ok is false when no profile exists. The handle is
// not leased: a concurrent Remove closes it, so callers that must survive
// eviction use Acquire.
func (r *Registry) Get(ctx context.Context, projectKey string) (*sql.DB, bool, error) {
	e, ok, err := r.lookup(ctx, projectKey, false)
	if err != nil || !ok {
		return nil, ok, err
	}
	return e.db, true, nil
}

// Acquire is Get plus a lease that keeps the handle open until released.
func (r *Registry) Acquire(ctx context.Context, projectKey string) (*Lease, bool, error) {
	e, ok, err := r.lookup(ctx, projectKey, true)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &Lease{DB: e.db, Profile: e.profile, r: r, e: e}, true, nil
}

func (r *Registry) lookup(ctx context.Context, projectKey string, lease bool) (*entry, bool, error) {
	for attempt := 1; ; attempt++ {
		r.mu.Lock()
		if e, hit := r.entries[projectKey]; hit {
			if lease {
				e.refs++
			}
			r.mu.Unlock()
			return e, true, nil
		}
		gen := r.gen
		r.mu.Unlock()

		p, found, err := r.profiles.FindByProjectKey(ctx, projectKey)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		db, err := r.opener.Open(ctx, *p)
		if err != nil {
			return nil, false, apperr.Wrap(apperr.KindConnectivity, "create handle for "+projectKey, err)
		}

		r.mu.Lock()
		if winner, exists := r.entries[projectKey]; exists {
			if lease {
				winner.refs++
			}
			r.mu.Unlock()
			_ = db.Close()
			return winner, true, nil
		}
		if r.gen != gen && attempt < maxBuildAttempts {
			r.mu.Unlock()
			_ = db.Close()
			continue
		}
		e := &entry{db: db, profile: *p, createdAt: time.Now()}
		if lease {
			e.refs = 1
		}
		r.entries[projectKey] = e
		r.mu.Unlock()

		r.logger().WithProject(projectKey).Debug("handle created lazily")
		return e, true, nil
	}
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.refs--
	closeNow := e.retired && e.refs == 0
	r.mu.Unlock()
	if closeNow {
		r.closeEntry(e)
	}
}

// retire marks e evicted and reports whether it can be closed right away.
// Callers hold r.mu.
func (e *entry) retire() bool {
	e.retired = true
	return e.refs == 0
}

func (r *Registry) closeEntry(e *entry) {
	// Close blocks new queries and waits for in-flight ones to finish.
	if err := e.db.Close(); err != nil {
		r.logger().WithProject(e.profile.ProjectKey).Warn("closing evicted handle failed", "error", err)
	}
}

// Remove evicts the handle for projectKey. It is closed immediately, or
// when the last outstanding lease is released. Missing keys are a no-op.
func (r *Registry) Remove(projectKey string) {
	r.mu.Lock()
	e, ok := r.entries[projectKey]
	delete(r.entries, projectKey)
	r.gen++
	var closeNow bool
	var leases int
	if ok {
		closeNow = e.retire()
		leases = e.refs
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	logger := r.logger().WithProject(projectKey)
	if !closeNow {
		logger.Info("handle removed, closing after outstanding leases", "leases", leases)
		return
	}
	r.closeEntry(e)
	logger.Info("handle removed")
}

// InitializeAll eagerly creates handles for every active profile. A profile
// that cannot be reached does not stop the others; all failures are joined
// into the returned error alongside the number of handles created.
func (r *Registry) InitializeAll(ctx context.Context) (int, error) {
	profiles, err := r.profiles.FindAllActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, p := range profiles {
		if _, err := r.Create(ctx, p); err != nil {
			r.logger().WithProject(p.ProjectKey).Warn("handle creation failed", "error", err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	r.logger().Info("registry initialized", "handles", n, "failed", len(errs))
	return n, errors.Join(errs...)
}

// Profile returns the profile snapshot a cached handle was built from.
func (r *Registry) Profile(projectKey string) (store.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[projectKey]
	if !ok {
		return store.Profile{}, false
	}
	return e.profile, true
}

// Len returns the number of cached handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns the cached project keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Close evicts every cached handle. Leased handles are closed on release.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.gen++
	var idle []*entry
	for _, e := range entries {
		if e.retire() {
			idle = append(idle, e)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range idle {
		errs = append(errs, e.db.Close())
	}
	return errors.Join(errs...)
}
