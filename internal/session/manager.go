package session

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Manager holds one Session per identity and closes sessions that have been
// idle longer than the configured TTL.
type Manager struct {
	deps  Deps
	cache *cache.Cache
	mu    sync.Mutex
}

// NewManager creates a manager. Expired sessions are swept every idleTTL/2.
func NewManager(deps Deps, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	sweep := idleTTL / 2
	if sweep < time.Second {
		sweep = time.Second
	}

	m := &Manager{
		deps:  deps,
		cache: cache.New(idleTTL, sweep),
	}
	m.cache.OnEvicted(func(identity string, v interface{}) {
		if s, ok := v.(*Session); ok {
			s.Close()
			m.deps.Metrics.SessionClosed()
			if m.deps.Logger != nil {
				m.deps.Logger.Debug("Session evicted", "user_id", identity, "session_id", s.ID())
			}
		}
	})
	return m
}

// Get returns the session for identity, creating and attaching it on first
// use. Each call resets the idle timer. A failed subscription leaves the
// session usable without persistence.
func (m *Manager) Get(ctx context.Context, identity string) *Session {
	m.mu.Lock()
	if v, ok := m.cache.Get(identity); ok {
		s := v.(*Session)
		m.cache.SetDefault(identity, s)
		m.mu.Unlock()
		return s
	}
	// An expired entry not yet swept is invisible to Get; delete it so it is
	// closed rather than overwritten.
	m.cache.Delete(identity)
	s := New(m.deps)
	m.cache.SetDefault(identity, s)
	m.mu.Unlock()

	m.deps.Metrics.SessionOpened()
	if identity != "" {
		// Errors are logged by Attach; the session keeps working locally.
		_ = s.Attach(ctx, identity)
	}
	return s
}

// Touch resets the idle timer for identity if it has a session.
func (m *Manager) Touch(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.cache.Get(identity); ok {
		m.cache.SetDefault(identity, v)
	}
}

// Remove closes and forgets the session for identity.
func (m *Manager) Remove(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(identity)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	return m.cache.ItemCount()
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for identity := range m.cache.Items() {
		m.cache.Delete(identity)
	}
}
