package edge

import "sync/atomic"

// Stats tracks front-door activity for the ops surface.
type Stats struct {
	controlConnections atomic.Int64
	requestsProxied    atomic.Int64
	websocketsBridged  atomic.Int64
	activeWebSockets   atomic.Int64
}

// NewStats creates a zeroed Stats.
func NewStats() *Stats {
	return &Stats{}
}

// ControlConnections returns the number of control sockets accepted
// since start.
func (s *Stats) ControlConnections() int64 { return s.controlConnections.Load() }

// RequestsProxied returns the number of public HTTP requests relayed
// since start.
func (s *Stats) RequestsProxied() int64 { return s.requestsProxied.Load() }

// WebSocketsBridged returns the number of public WebSockets bridged
// since start.
func (s *Stats) WebSocketsBridged() int64 { return s.websocketsBridged.Load() }

// ActiveWebSockets returns the number of public WebSockets currently
// bridged.
func (s *Stats) ActiveWebSockets() int64 { return s.activeWebSockets.Load() }

func (s *Stats) recordControlConnection() {
	s.controlConnections.Add(1)
}

func (s *Stats) recordRequest() {
	s.requestsProxied.Add(1)
}

func (s *Stats) websocketOpened() {
	s.websocketsBridged.Add(1)
	s.activeWebSockets.Add(1)
}

func (s *Stats) websocketClosed() {
	s.activeWebSockets.Add(-1)
}
