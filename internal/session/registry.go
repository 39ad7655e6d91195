package session

import (
	"sort"
	"sync"

	"github.com/codespacesh/blink-tunnel/internal/metrics"
)

// Registry tracks every session this edge node has seen. Sessions are
// never forgotten while the process lives so stream watermarks survive
// reconnects; all other state is rebuilt on the next connect.
type Registry struct {
	store   StreamIDStore    // optional
	metrics *metrics.Metrics // optional

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. Both store and m may be nil.
func NewRegistry(store StreamIDStore, m *metrics.Metrics) *Registry {
	return &Registry{
		store:    store,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for id, or nil if the id has never connected.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// GetOrCreate returns the session for id, creating it on first use.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r.store, r.metrics)
		r.sessions[id] = s
	}
	return s
}

// ConnectedCount returns the number of sessions with a live control
// socket.
func (r *Registry) ConnectedCount() int {
	n := 0
	for _, s := range r.snapshot() {
		if s.IsConnected() {
			n++
		}
	}
	return n
}

// Info is a point-in-time view of one session for the ops surface.
type Info struct {
	ID                string `json:"id"`
	Connected         bool   `json:"connected"`
	ProxiedWebSockets int    `json:"proxied_websockets"`
	NextStreamID      uint32 `json:"next_stream_id"`
}

// Snapshot lists every known session, ordered by id.
func (r *Registry) Snapshot() []Info {
	sessions := r.snapshot()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, Info{
			ID:                s.ID(),
			Connected:         s.IsConnected(),
			ProxiedWebSockets: s.ProxiedWebSocketCount(),
			NextStreamID:      s.NextStreamID(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Shutdown closes every live control socket and bridged peer. Used by
// the edge drain path.
func (r *Registry) Shutdown(reason string) {
	for _, s := range r.snapshot() {
		s.Shutdown(reason)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
