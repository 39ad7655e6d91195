// Package session owns the per-tunnel-id state on the edge: the single
// live control WebSocket, the stream multiplexer carried on it, and the
// fan-out map of public WebSockets bridged over substreams.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/xtaci/smux"

	"github.com/codespacesh/blink-tunnel/internal/metrics"
	"github.com/codespacesh/blink-tunnel/internal/protocol"
)

// ErrNotConnected is returned by proxy operations when the session has
// no live control socket. The front door maps it to 503.
var ErrNotConnected = errors.New("no client connected")

// ErrBadGateway is returned when the control link or the client errors
// mid-proxy. The front door maps it to 502.
var ErrBadGateway = errors.New("bad gateway")

// evictionReason is the close reason sent to a control socket displaced
// by a newer connect for the same id.
const evictionReason = "a new client has connected"

// StreamIDStore persists per-id stream watermarks across edge restarts.
type StreamIDStore interface {
	Load(id string) (uint32, bool)
	Save(id string, next uint32) error
}

// Session is the logical actor for one tunnel id. All mutable state is
// guarded by mu; proxy operations hold it only long enough to snapshot
// the current control link.
type Session struct {
	id      string
	store   StreamIDStore    // optional
	metrics *metrics.Metrics // optional

	mu           sync.Mutex
	ctrl         *controlLink
	proxied      map[uint32]*proxiedSocket
	nextStreamID uint32
}

// controlLink bundles one control-socket incarnation with its
// multiplexer. Rotated wholesale on reconnect.
type controlLink struct {
	conn *websocket.Conn
	mux  *smux.Session
}

// proxiedSocket is one public WebSocket bridged over a substream. The
// session owns it; bridging routes every write through the session so
// teardown has a single place to look.
type proxiedSocket struct {
	peer   *websocket.Conn
	stream *smux.Stream

	writeMu sync.Mutex
}

func newSession(id string, store StreamIDStore, m *metrics.Metrics) *Session {
	s := &Session{
		id:      id,
		store:   store,
		metrics: m,
		proxied: make(map[uint32]*proxiedSocket),
	}
	if store != nil {
		if next, ok := store.Load(id); ok {
			s.nextStreamID = next
		}
	}
	return s
}

// ID returns the tunnel id this session serves.
func (s *Session) ID() string { return s.id }

// IsConnected reports whether a live control socket is attached.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl != nil && !s.ctrl.mux.IsClosed()
}

// NextStreamID returns the watermark of the session's stream allocator.
func (s *Session) NextStreamID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStreamID
}

// ProxiedWebSocketCount returns the number of public WebSockets
// currently bridged through this session.
func (s *Session) ProxiedWebSocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proxied)
}

func muxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	// Liveness is the client's ws-level ping; a second keepalive on the
	// multiplexer would race it on slow links.
	cfg.KeepAliveDisabled = true
	return cfg
}

// AcceptControl installs conn as the session's control socket, evicting
// any prior holder, announces the public URL, and then serves the
// multiplexer until the socket dies or ctx is cancelled. It blocks for
// the lifetime of the control socket.
func (s *Session) AcceptControl(ctx context.Context, conn *websocket.Conn, established protocol.ConnectionEstablished) error {
	payload, err := json.Marshal(established)
	if err != nil {
		return fmt.Errorf("session: encoding connection-established: %w", err)
	}

	// The prior holder and its bridged peers go away before the new
	// socket is announced.
	if s.evict(evictionReason) && s.metrics != nil {
		s.metrics.EvictionsTotal.Inc()
	}

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		if s.metrics != nil {
			s.metrics.ErrorsTotal.WithLabelValues("control_failure").Inc()
		}
		return fmt.Errorf("session: sending connection-established: %w", err)
	}

	mux, err := smux.Client(websocket.NetConn(ctx, conn, websocket.MessageBinary), muxConfig())
	if err != nil {
		if s.metrics != nil {
			s.metrics.ErrorsTotal.WithLabelValues("control_failure").Inc()
		}
		return fmt.Errorf("session: starting multiplexer: %w", err)
	}
	link := &controlLink{conn: conn, mux: mux}

	s.mu.Lock()
	if s.ctrl != nil {
		// A concurrent accept won the race; ours is the evicted one.
		s.mu.Unlock()
		mux.Close()
		conn.Close(websocket.StatusNormalClosure, evictionReason)
		return nil
	}
	s.ctrl = link
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ControlConnectionsTotal.Inc()
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
	}
	slog.Info("control socket attached", "tunnel_id", s.id, "url", established.URL)

	select {
	case <-ctx.Done():
	case <-mux.CloseChan():
	}

	s.detach(link)
	mux.Close()
	slog.Info("control socket detached", "tunnel_id", s.id)
	return nil
}

// evict closes the current control link, every bridged peer socket, and
// clears the fan-out map. Reports whether a link was actually evicted.
func (s *Session) evict(reason string) bool {
	s.mu.Lock()
	prev := s.ctrl
	s.ctrl = nil
	peers := s.takePeersLocked()
	s.mu.Unlock()

	closePeers(peers)
	if prev == nil {
		return false
	}
	prev.conn.Close(websocket.StatusNormalClosure, reason)
	prev.mux.Close()
	return true
}

// Shutdown closes the control socket with a going-away code and tears
// down every bridged peer. Used by the edge drain path.
func (s *Session) Shutdown(reason string) {
	s.mu.Lock()
	prev := s.ctrl
	s.ctrl = nil
	peers := s.takePeersLocked()
	s.mu.Unlock()

	closePeers(peers)
	if prev != nil {
		prev.conn.Close(websocket.StatusGoingAway, reason)
		prev.mux.Close()
	}
}

// detach clears the control link if it is still the current one and
// tears down every bridged peer.
func (s *Session) detach(link *controlLink) {
	s.mu.Lock()
	if s.ctrl != link {
		s.mu.Unlock()
		return
	}
	s.ctrl = nil
	peers := s.takePeersLocked()
	s.mu.Unlock()

	closePeers(peers)
}

func (s *Session) takePeersLocked() []*proxiedSocket {
	peers := make([]*proxiedSocket, 0, len(s.proxied))
	for _, p := range s.proxied {
		peers = append(peers, p)
	}
	s.proxied = make(map[uint32]*proxiedSocket)
	return peers
}

func closePeers(peers []*proxiedSocket) {
	for _, p := range peers {
		p.peer.Close(websocket.StatusGoingAway, "client disconnected")
		p.stream.Close()
	}
}

func (s *Session) link() *controlLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl == nil || s.ctrl.mux.IsClosed() {
		return nil
	}
	return s.ctrl
}

// recordStreamID advances the watermark past a freshly opened stream
// and persists it when a store is configured.
func (s *Session) recordStreamID(id uint32) {
	s.mu.Lock()
	if id+2 > s.nextStreamID {
		s.nextStreamID = id + 2
	}
	next := s.nextStreamID
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(s.id, next); err != nil {
			slog.Warn("persisting stream watermark failed", "tunnel_id", s.id, "error", err)
		}
	}
}

// ProxyResult is the client's reply to a proxied request. Body is lazy:
// reading it pulls response frames off the substream one at a time.
type ProxyResult struct {
	StatusCode    int
	StatusMessage string
	Headers       map[string]string
	SetCookies    []string
	Body          io.ReadCloser
	StreamID      uint32
	Upgrade       bool

	stream *smux.Stream
}

// Proxy relays one public request over a fresh substream and waits for
// the client's response envelope. For upgrade requests no body
// terminator is sent; the substream switches to WebSocket framing after
// the 101 reply.
func (s *Session) Proxy(ctx context.Context, method, target string, header http.Header, body io.Reader, upgrade bool) (*ProxyResult, error) {
	link := s.link()
	if link == nil {
		return nil, ErrNotConnected
	}

	stream, err := link.mux.OpenStream()
	if err != nil {
		if s.metrics != nil {
			s.metrics.ErrorsTotal.WithLabelValues("bad_gateway").Inc()
		}
		return nil, fmt.Errorf("%w: opening substream: %v", ErrBadGateway, err)
	}
	s.recordStreamID(stream.ID())

	// The stream must not outlive the public request.
	stop := context.AfterFunc(ctx, func() { stream.Close() })

	fail := func(err error) (*ProxyResult, error) {
		if s.metrics != nil {
			s.metrics.ErrorsTotal.WithLabelValues("bad_gateway").Inc()
		}
		stop()
		stream.Close()
		return nil, err
	}

	init := protocol.InitRequest{
		Method:  method,
		URL:     target,
		Headers: protocol.RequestHeaders(header, upgrade),
	}
	if err := protocol.WriteJSONFrame(stream, protocol.TagInit, &init); err != nil {
		return fail(fmt.Errorf("%w: sending request envelope: %v", ErrBadGateway, err))
	}
	if s.metrics != nil {
		s.metrics.FramesTotal.WithLabelValues("outbound").Inc()
	}

	if !upgrade {
		// Body frames stream in the background so a long response can
		// begin before a long request body finishes.
		go func() {
			if err := writeRequestBody(stream, method, body); err != nil {
				stream.Close()
			}
		}()
	}

	tag, payload, err := protocol.ReadFrame(stream)
	if err != nil {
		return fail(fmt.Errorf("%w: reading response envelope: %v", ErrBadGateway, err))
	}
	if tag != protocol.TagInit {
		return fail(fmt.Errorf("%w: unexpected frame tag %d before response envelope", ErrBadGateway, tag))
	}
	var resp protocol.InitResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fail(fmt.Errorf("%w: decoding response envelope: %v", ErrBadGateway, err))
	}
	if s.metrics != nil {
		s.metrics.FramesTotal.WithLabelValues("inbound").Inc()
	}

	return &ProxyResult{
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.StatusMessage,
		Headers:       resp.Headers,
		SetCookies:    resp.SetCookies,
		Body:          &responseBody{stream: stream, stop: stop},
		StreamID:      stream.ID(),
		Upgrade:       resp.StatusCode == http.StatusSwitchingProtocols,
		stream:        stream,
	}, nil
}

// writeRequestBody streams the request body as body frames followed by
// the zero-length terminator. Bodyless methods send the terminator
// immediately.
func writeRequestBody(w io.Writer, method string, body io.Reader) error {
	if body != nil && hasRequestBody(method) {
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if werr := protocol.WriteFrame(w, protocol.TagBody, buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
	}
	return protocol.WriteFrame(w, protocol.TagBody, nil)
}

func hasRequestBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// responseBody reads response body frames lazily, one frame per refill.
type responseBody struct {
	stream *smux.Stream
	stop   func() bool
	buf    []byte
	done   bool
}

func (b *responseBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.done {
			return 0, io.EOF
		}
		tag, payload, err := protocol.ReadFrame(b.stream)
		if err != nil {
			b.done = true
			return 0, err
		}
		if tag != protocol.TagData {
			b.done = true
			return 0, fmt.Errorf("session: unexpected frame tag %d in response body", tag)
		}
		if len(payload) == 0 {
			b.done = true
			return 0, io.EOF
		}
		b.buf = payload
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *responseBody) Close() error {
	b.done = true
	if b.stop != nil {
		b.stop()
	}
	return b.stream.Close()
}
