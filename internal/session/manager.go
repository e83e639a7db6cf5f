package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
)

// Manager is the session registry: the single source of truth for
// which sessions are live in memory. It also owns the broadcast bus
// every connection subscribes to.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	root   string
	cfg    *config.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewManager creates a registry rooted at dir (each session gets a
// subdirectory). The directory is created up front; failure here is
// fatal to startup.
func NewManager(dir string, cfg *config.Store, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session storage root: %w", err)
	}
	return &Manager{
		sessions: make(map[string]*Session),
		root:     dir,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
	}, nil
}

// Bus returns the shared broadcast bus.
func (m *Manager) Bus() *events.Bus { return m.bus }

// GetOrCreate returns the live session for id, materializing it from
// disk (or empty) on first reference. modelOverride, when non-empty,
// sets the session's model instead of the configured default; it has
// no effect on a session that is already live.
func (m *Manager) GetOrCreate(id, modelOverride string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	snap := m.cfg.Snapshot()
	model := modelOverride
	if model == "" {
		model = snap.DefaultModel
	}

	s, err := Open(filepath.Join(m.root, id), id, model, snap.InitialSkills, m.logger)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	return s, nil
}

// Live returns the ids of sessions currently loaded in memory, sorted.
func (m *Manager) Live() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns every known session id: the union of on-disk
// directories and in-memory entries, deduplicated and sorted.
func (m *Manager) List() ([]string, error) {
	seen := make(map[string]bool)

	entries, err := os.ReadDir(m.root)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read session storage root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			seen[e.Name()] = true
		}
	}

	m.mu.RLock()
	for id := range m.sessions {
		seen[id] = true
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the session from memory first, then deletes its
// on-disk storage. Idempotent when the session is already absent.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	dir := filepath.Join(m.root, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session storage: %w", err)
	}
	return nil
}
