package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Factory builds a fresh, uninitialized provider.
type Factory func() Provider

type entry struct {
	provider     Provider
	createdAt    time.Time
	lastAccessed atomic.Int64
}

func newEntry(p Provider, now time.Time) *entry {
	e := &entry{provider: p, createdAt: now}
	e.lastAccessed.Store(now.UnixNano())
	return e
}

func (e *entry) touch(now time.Time) {
	e.lastAccessed.Store(now.UnixNano())
}

func (e *entry) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastAccessed.Load()))
}

// Entry is a point-in-time view of a registry entry.
type Entry struct {
	SandboxID    string
	CreatedAt    time.Time
	LastAccessed time.Time
	Active       bool
}

// Manager is the process-wide registry of live providers keyed by sandbox
// id, with at most one active id.
type Manager struct {
	newProvider Factory
	now         func() time.Time

	entries *xsync.MapOf[string, *entry]

	// mu orders writes to entries with updates to activeID.
	mu       sync.Mutex
	activeID string
}

type ManagerOption func(*Manager)

// WithClock overrides time.Now for access tracking.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty registry. factory is used to build providers
// for reconnection and may be nil.
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		newProvider: factory,
		now:         time.Now,
		entries:     xsync.NewMapOf[string, *entry](),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrCreateProvider returns the registered provider for id or tries to
// reconnect a new one. It returns nil without error when the sandbox cannot
// be used, and only propagates unexpected backend faults.
func (m *Manager) GetOrCreateProvider(ctx context.Context, id string) (Provider, error) {
	if e, ok := m.entries.Load(id); ok {
		e.touch(m.now())
		return e.provider, nil
	}
	if m.newProvider == nil {
		return nil, nil
	}

	p := m.newProvider()
	rc, ok := p.(Reconnector)
	if !ok {
		return nil, nil
	}
	ok, err := rc.Reconnect(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	m.mu.Lock()
	e, loaded := m.entries.LoadOrStore(id, newEntry(p, m.now()))
	if loaded {
		e.touch(m.now())
	}
	m.activeID = id
	m.mu.Unlock()

	slog.Info("sandbox registered after reconnect", "sandbox_id", id)
	return e.provider, nil
}

// RegisterSandbox stores a freshly created provider under id and marks it
// active, replacing any previous entry.
func (m *Manager) RegisterSandbox(id string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Store(id, newEntry(p, m.now()))
	m.activeID = id
	slog.Debug("sandbox registered", "sandbox_id", id)
}

func (m *Manager) GetActiveProvider() Provider {
	m.mu.Lock()
	id := m.activeID
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.GetProvider(id)
}

// GetProvider looks up id without changing the active id.
func (m *Manager) GetProvider(id string) Provider {
	e, ok := m.entries.Load(id)
	if !ok {
		return nil
	}
	e.touch(m.now())
	return e.provider
}

// SetActiveSandbox marks a registered id active. Unknown ids are ignored.
func (m *Manager) SetActiveSandbox(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries.Load(id); !ok {
		return false
	}
	m.activeID = id
	return true
}

// ActiveID returns the active sandbox id, or "".
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// TerminateSandbox removes id and terminates its provider. It is a no-op for
// unknown ids.
func (m *Manager) TerminateSandbox(ctx context.Context, id string) {
	m.mu.Lock()
	e, ok := m.entries.LoadAndDelete(id)
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()

	if ok {
		e.provider.Terminate(ctx)
	}
}

// TerminateAll empties the registry and terminates every provider
// concurrently.
func (m *Manager) TerminateAll(ctx context.Context) {
	m.mu.Lock()
	var victims []*entry
	m.entries.Range(func(_ string, e *entry) bool {
		victims = append(victims, e)
		return true
	})
	m.entries.Clear()
	m.activeID = ""
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range victims {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			p.Terminate(ctx)
		}(e.provider)
	}
	wg.Wait()
	slog.Info("all sandboxes terminated", "count", len(victims))
}

// Cleanup terminates every entry idle for longer than maxAge and returns
// their ids.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) []string {
	now := m.now()

	var stale []string
	m.entries.Range(func(id string, e *entry) bool {
		if e.idle(now) > maxAge {
			stale = append(stale, id)
		}
		return true
	})

	var removed []string
	for _, id := range stale {
		m.mu.Lock()
		e, ok := m.entries.Load(id)
		if !ok || e.idle(now) <= maxAge {
			m.mu.Unlock()
			continue
		}
		m.entries.Delete(id)
		if m.activeID == id {
			m.activeID = ""
		}
		m.mu.Unlock()

		slog.Info("terminating idle sandbox", "sandbox_id", id, "idle", e.idle(now).Round(time.Second))
		e.provider.Terminate(ctx)
		removed = append(removed, id)
	}
	return removed
}

// Len returns the number of registered sandboxes.
func (m *Manager) Len() int {
	return m.entries.Size()
}

// Entries returns a snapshot of the registry.
func (m *Manager) Entries() []Entry {
	active := m.ActiveID()
	var out []Entry
	m.entries.Range(func(id string, e *entry) bool {
		out = append(out, Entry{
			SandboxID:    id,
			CreatedAt:    e.createdAt,
			LastAccessed: time.Unix(0, e.lastAccessed.Load()),
			Active:       id == active,
		})
		return true
	})
	return out
}
