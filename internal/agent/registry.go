package agent

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cnrmurphy/sentinel/internal/event"
	"github.com/cnrmurphy/sentinel/internal/store"
)

// Registry manages the set of known agents. It caches in memory and writes
// through to the store so registry operations never block event ingress on
// a query. Thread-safe — the proxy calls Touch concurrently from multiple
// HTTP handler goroutines.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*store.Agent
	store  *store.Store

	// idleAfter holds the liveness threshold as nanoseconds so a config
	// reload can retune it without touching the registry lock.
	idleAfter atomic.Int64
}

// NewRegistry loads the known agents from the store into the cache.
func NewRegistry(st *store.Store, idleAfter time.Duration) (*Registry, error) {
	r := &Registry{
		agents: make(map[string]*store.Agent),
		store:  st,
	}
	r.idleAfter.Store(int64(idleAfter))

	agents, err := st.ListAgents()
	if err != nil {
		return nil, err
	}
	for i := range agents {
		a := agents[i]
		r.agents[a.Name] = &a
	}

	slog.Info("agent registry loaded", "agents", len(r.agents))
	return r, nil
}

// Touch records activity for the identified agent: auto-registers on first
// observation, advances last_seen_at, and writes through to the store.
// Store failures are logged and never fail the caller — the cache stays
// authoritative for the running process.
func (r *Registry) Touch(id Identity) {
	now := time.Now().UTC().Format(event.TimestampFormat)

	r.mu.Lock()
	a, ok := r.agents[id.Name]
	if !ok {
		a = &store.Agent{
			ID:        uuid.NewString(),
			Name:      id.Name,
			CreatedAt: now,
			Status:    store.StatusActive,
		}
		r.agents[id.Name] = a
		slog.Info("new agent registered", "agent", id.Name, "session", id.SessionID)
	}

	a.LastSeenAt = now
	a.Status = store.StatusActive
	if id.SessionID != "" {
		a.SessionID = id.SessionID
	}
	if id.WorkingDirectory != "" {
		a.WorkingDirectory = id.WorkingDirectory
	}
	snapshot := *a
	r.mu.Unlock()

	if err := r.store.UpsertAgent(snapshot); err != nil {
		slog.Error("agent write-through failed", "agent", id.Name, "error", err)
	}
}

// Get returns the agent with the given name and whether it is known.
// Status reflects the idle threshold at read time.
func (r *Registry) Get(name string) (store.Agent, bool) {
	r.mu.RLock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.RUnlock()
		return store.Agent{}, false
	}
	snapshot := *a
	r.mu.RUnlock()

	snapshot.Status = r.effectiveStatus(snapshot)
	return snapshot, true
}

// List returns all known agents sorted by name, with status computed
// against the idle threshold.
func (r *Registry) List() []store.Agent {
	r.mu.RLock()
	agents := make([]store.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, *a)
	}
	r.mu.RUnlock()

	for i := range agents {
		agents[i].Status = r.effectiveStatus(agents[i])
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Name < agents[j].Name
	})
	return agents
}

// SetIdleAfter retunes the liveness threshold. Called by the config
// reload callback.
func (r *Registry) SetIdleAfter(d time.Duration) {
	r.idleAfter.Store(int64(d))
}

// effectiveStatus degrades an agent to inactive once last_seen_at is older
// than the idle threshold.
func (r *Registry) effectiveStatus(a store.Agent) string {
	seen, err := time.Parse(event.TimestampFormat, a.LastSeenAt)
	if err != nil {
		slog.Warn("agent has unparsable last_seen_at", "agent", a.Name, "last_seen_at", a.LastSeenAt, "error", err)
		return store.StatusInactive
	}
	if time.Since(seen) > time.Duration(r.idleAfter.Load()) {
		return store.StatusInactive
	}
	return store.StatusActive
}
