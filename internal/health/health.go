package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/codespacesh/blink-tunnel/internal/edge"
	"github.com/codespacesh/blink-tunnel/internal/session"
)

// Response is the JSON document served on the ops listener's /health.
type Response struct {
	Status            string  `json:"status"`
	Uptime            string  `json:"uptime"`
	ConnectedSessions int     `json:"connected_sessions"`
	KnownSessions     int     `json:"known_sessions"`
	Version           string  `json:"version"`
	Timestamp         string  `json:"timestamp"`
	Details           Details `json:"details"`
}

// Details contains extended counters.
type Details struct {
	ControlConnections int64   `json:"control_connections"`
	RequestsProxied    int64   `json:"requests_proxied"`
	WebSocketsBridged  int64   `json:"websockets_bridged"`
	ActiveWebSockets   int64   `json:"active_websockets"`
	MemoryMB           float64 `json:"memory_mb"`
}

// Handler serves the ops-listener health document and session listing.
type Handler struct {
	startTime time.Time
	registry  *session.Registry
	stats     *edge.Stats
	version   string
}

// NewHandler creates the ops health handler.
func NewHandler(registry *session.Registry, stats *edge.Stats, version string) *Handler {
	return &Handler{
		startTime: time.Now(),
		registry:  registry,
		stats:     stats,
		version:   version,
	}
}

// ServeHTTP reports process health. The edge is healthy as long as it
// runs; sessions without clients are normal operation, not degradation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	infos := h.registry.Snapshot()
	resp := Response{
		Status:            "ok",
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ConnectedSessions: h.registry.ConnectedCount(),
		KnownSessions:     len(infos),
		Version:           h.version,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		Details: Details{
			ControlConnections: h.stats.ControlConnections(),
			RequestsProxied:    h.stats.RequestsProxied(),
			WebSocketsBridged:  h.stats.WebSocketsBridged(),
			ActiveWebSockets:   h.stats.ActiveWebSockets(),
			MemoryMB:           float64(memStats.Alloc) / 1024 / 1024,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Sessions serves the live session listing for operator tooling.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.registry.Snapshot())
}
