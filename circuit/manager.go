package circuit

import (
	"log/slog"
	"sort"
	"sync"
)

// Manager holds one breaker per dependency name and hands out the same
// instance to every caller.
type Manager struct {
	defaults Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates a registry. defaults seeds every breaker created through
// Get; Name and OnStateChange are filled per breaker.
func NewManager(defaults Config) *Manager {
	return &Manager{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker registered under name, creating it from the
// manager defaults on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}

	cfg := m.defaults
	cfg.Name = name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = logStateChange
	}
	b = New(cfg)
	m.breakers[name] = b
	return b
}

// Register installs a breaker built from an explicit config, replacing any
// existing breaker under the same name.
func (m *Manager) Register(cfg Config) *Breaker {
	b := New(cfg)
	m.mu.Lock()
	m.breakers[cfg.Name] = b
	m.mu.Unlock()
	return b
}

// Lookup returns the breaker under name without creating one.
func (m *Manager) Lookup(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// All returns stats for every registered breaker, sorted by name.
func (m *Manager) All() []Stats {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

func logStateChange(name string, from, to State) {
	slog.Warn("circuit breaker state changed",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}
