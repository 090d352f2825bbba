package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"auradrive/internal/callback"
	"auradrive/internal/logging"
	"auradrive/internal/store"
)

// ModuleStore persists module flags.
type ModuleStore interface {
	SetModule(ctx context.Context, pkg string, enabled bool) error
	Modules(ctx context.Context) ([]store.ModuleRecord, []string, error)
}

// Broadcaster fans a notification out to subscribed callbacks.
type Broadcaster interface {
	Broadcast(n callback.Notification) int
}

// Modules tracks the enable flag of every known module package. A package
// is known if it is listed in configuration or has been persisted.
type Modules struct {
	mu         sync.RWMutex
	state      map[string]bool
	configured map[string]struct{}
	persisted  map[string]struct{}

	db     ModuleStore
	notify Broadcaster
	log    *logging.Logger
}

// NewModules creates an empty module table. notify may be nil.
func NewModules(db ModuleStore, notify Broadcaster, log *logging.Logger) *Modules {
	if log == nil {
		log = logging.Discard()
	}
	return &Modules{
		state:      make(map[string]bool),
		configured: make(map[string]struct{}),
		persisted:  make(map[string]struct{}),
		db:         db,
		notify:     notify,
		log:        log.WithComponent("modules"),
	}
}

// Load reads persisted flags and merges the configured package list.
// Configured packages that were never toggled start disabled. Rows that
// fail their integrity check are ignored.
func (m *Modules) Load(ctx context.Context, known []string) error {
	recs, tampered, err := m.db.Modules(ctx)
	if err != nil {
		return fmt.Errorf("load modules: %w", err)
	}
	for _, pkg := range tampered {
		m.log.Error("module record failed integrity check", "package", pkg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.state[r.Package] = r.Enabled
		m.persisted[r.Package] = struct{}{}
	}
	m.setKnownLocked(known)
	return nil
}

// SetKnown replaces the configured package list. Persisted packages stay.
func (m *Modules) SetKnown(known []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setKnownLocked(known)
}

func (m *Modules) setKnownLocked(known []string) {
	for pkg := range m.configured {
		if _, ok := m.persisted[pkg]; !ok {
			delete(m.state, pkg)
		}
	}
	m.configured = make(map[string]struct{}, len(known))
	for _, pkg := range known {
		m.configured[pkg] = struct{}{}
		if _, ok := m.state[pkg]; !ok {
			m.state[pkg] = false
		}
	}
}

// Toggle sets the enable flag of pkg, persists it and broadcasts
// ModuleStateChanged. Unknown packages return ErrModuleNotFound.
func (m *Modules) Toggle(ctx context.Context, pkg string, enable bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state[pkg]; !ok {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, pkg)
	}
	if err := m.db.SetModule(ctx, pkg, enable); err != nil {
		return "", fmt.Errorf("%w: persist module %s: %v", ErrCommandFailed, pkg, err)
	}
	m.state[pkg] = enable
	m.persisted[pkg] = struct{}{}

	// Broadcast under the lock so notification order follows toggle order.
	if m.notify != nil {
		m.notify.Broadcast(callback.ModuleStateChanged(pkg, enable))
	}
	m.log.Info("module toggled", "package", pkg, "enabled", enable)
	return toggleStatus(pkg, enable), nil
}

func toggleStatus(pkg string, enabled bool) string {
	if enabled {
		return fmt.Sprintf("module %s enabled", pkg)
	}
	return fmt.Sprintf("module %s disabled", pkg)
}

// State returns the flag of pkg and whether it is known.
func (m *Modules) State(pkg string) (enabled, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	enabled, ok = m.state[pkg]
	return enabled, ok
}

// Snapshot copies the module table.
func (m *Modules) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

// Packages lists known packages, sorted.
func (m *Modules) Packages() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.state))
	for k := range m.state {
		out = append(out, k)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Counts returns the number of known and enabled modules.
func (m *Modules) Counts() (known, enabled int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, on := range m.state {
		if on {
			enabled++
		}
	}
	return len(m.state), enabled
}
