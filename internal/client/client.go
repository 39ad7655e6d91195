// Package client implements the tunnel client runtime: a long-lived
// process behind NAT that keeps one control WebSocket open to the edge
// and dispatches every proxied substream to a local target.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/xtaci/smux"

	"github.com/codespacesh/blink-tunnel/internal/protocol"
)

// Status represents the connection state of the tunnel client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Info describes an established tunnel, as announced by the edge.
type Info struct {
	URL string
	ID  string
}

// RequestMeta is the mutable view of a proxied request handed to the
// transform hook. URL is the path and query as seen at the edge until
// the transform rebases it onto a local target.
type RequestMeta struct {
	Method string
	URL    string
	Header http.Header
}

// TransformFunc rewrites a proxied request before it is dispatched.
type TransformFunc func(RequestMeta) (RequestMeta, error)

// Backoff shapes the reconnect schedule: delays grow as
// base * factor^attempt plus jitter of up to base/5, capped at cap.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// Config holds the tunnel client configuration.
type Config struct {
	// ServerURL is the edge base URL (http:// or https://); the scheme
	// is rewritten to ws:// or wss:// for the control socket.
	ServerURL string
	// Secret identifies this client; the edge derives the public
	// tunnel id from it.
	Secret string
	// Transform rewrites each proxied request onto the local target.
	Transform TransformFunc

	OnConnect    func(Info)
	OnDisconnect func()
	OnError      func(error)

	PingInterval time.Duration
	PongTimeout  time.Duration
	Backoff      Backoff

	// MaxMessageSize bounds control-socket and local WebSocket reads.
	MaxMessageSize int64
	// HTTPClient performs local fetches. The default follows no
	// redirects and sets no timeout; streaming responses are long-lived.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client maintains the control WebSocket to the edge, reconnecting with
// exponential backoff, and serves proxied substreams.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.RWMutex
	status Status
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tunnel client. Zero durations, zero backoff fields and a
// backoff factor below 1 pick up the defaults (30s ping, 10s pong,
// 250ms/1.5/10s backoff).
func New(cfg Config) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = 250 * time.Millisecond
	}
	if cfg.Backoff.Factor < 1 {
		cfg.Backoff.Factor = 1.5
	}
	if cfg.Backoff.Cap <= 0 {
		cfg.Backoff.Cap = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 * 1024 * 1024
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			// Redirects belong to the public peer, not the tunnel.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		status:     StatusDisconnected,
	}
}

// Start runs the connect loop until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	defer func() {
		c.setStatus(StatusDisconnected)
		close(done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if attempt == 0 {
			c.setStatus(StatusConnecting)
		} else {
			c.setStatus(StatusReconnecting)
		}

		established, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			attempt = 0
			if c.cfg.OnDisconnect != nil {
				c.cfg.OnDisconnect()
			}
		}
		if err != nil && c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}

		delay := c.backoffDelay(attempt)
		attempt++
		c.logger.Warn("tunnel disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", delay.String(),
		)
		c.setStatus(StatusReconnecting)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stop cancels the connect loop, any pending reconnect timer, every
// in-flight local request, and the control socket, then waits for the
// loop to exit.
func (c *Client) Stop() {
	c.mu.RLock()
	cancel := c.cancel
	done := c.done
	c.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// PublicURL returns the public URL announced by the edge, or "" before
// the first successful connect.
func (c *Client) PublicURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.URL
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// backoffDelay computes the reconnect delay for the given attempt:
// base * factor^attempt plus up to base/5 of jitter, capped.
func (c *Client) backoffDelay(attempt int) time.Duration {
	b := c.cfg.Backoff
	scaled := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	jitter := float64(b.Base) * 0.2 * rand.Float64()
	delay := time.Duration(scaled + jitter)
	if delay > b.Cap {
		delay = b.Cap
	}
	return delay
}

// connectAndServe runs a single control-socket incarnation. The first
// return reports whether the handshake completed, which resets the
// backoff counter.
func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	wsURL := httpToWS(strings.TrimRight(c.cfg.ServerURL, "/")) + "/api/tunnel/connect"

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Tunnel-Secret": {c.cfg.Secret}},
	})
	dialCancel()
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("client: connecting to edge: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("client: connecting to edge: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(c.cfg.MaxMessageSize)

	// The first frame is the JSON announcement; everything after is
	// binary multiplexer traffic.
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("client: reading connection announcement: %w", err)
	}
	if typ != websocket.MessageText || !protocol.IsConnectionEstablished(data) {
		return false, fmt.Errorf("client: unexpected first frame from edge")
	}
	var est protocol.ConnectionEstablished
	if err := json.Unmarshal(data, &est); err != nil {
		return false, fmt.Errorf("client: decoding connection announcement: %w", err)
	}

	c.mu.Lock()
	c.status = StatusConnected
	c.info = Info{URL: est.URL, ID: est.ID}
	c.mu.Unlock()
	c.logger.Info("tunnel established", "url", est.URL, "tunnel_id", est.ID)
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(Info{URL: est.URL, ID: est.ID})
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	mux, err := smux.Server(websocket.NetConn(connCtx, conn, websocket.MessageBinary), muxConfig())
	if err != nil {
		return true, fmt.Errorf("client: starting multiplexer: %w", err)
	}
	defer mux.Close()

	// Liveness probe must run concurrently with the accept loop.
	go c.pingLoop(connCtx, conn, connCancel)

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return true, fmt.Errorf("client: control socket lost: %w", err)
		}
		go c.handleStream(connCtx, stream)
	}
}

// pingLoop sends ws-level pings and forces a reconnect when no pong
// arrives in time.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, onFail context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, c.cfg.PongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.logger.Warn("liveness ping failed, forcing reconnect", "error", err)
				conn.Close(websocket.StatusProtocolError, "pong timeout")
				onFail()
				return
			}
		}
	}
}

func muxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	// The ws-level ping is the liveness probe.
	cfg.KeepAliveDisabled = true
	return cfg
}

// handleStream dispatches one accepted substream by its request
// envelope: WebSocket upgrades bridge, everything else fetches.
func (c *Client) handleStream(ctx context.Context, stream *smux.Stream) {
	defer stream.Close()

	tag, payload, err := protocol.ReadFrame(stream)
	if err != nil {
		return
	}
	if tag != protocol.TagInit {
		c.logger.Warn("substream opened without request envelope", "tag", int(tag))
		return
	}
	var init protocol.InitRequest
	if err := json.Unmarshal(payload, &init); err != nil {
		c.writeErrorResponse(stream, "malformed request envelope")
		return
	}

	meta := RequestMeta{
		Method: init.Method,
		URL:    init.URL,
		Header: protocol.ToHeader(init.Headers),
	}

	if protocol.IsUpgrade(init.Headers) {
		c.serveWebSocket(ctx, stream, init, meta)
		return
	}
	c.serveHTTP(ctx, stream, meta)
}

func (c *Client) transform(meta RequestMeta) (RequestMeta, error) {
	if c.cfg.Transform == nil {
		return meta, nil
	}
	return c.cfg.Transform(meta)
}

// writeErrorResponse reports a local failure as a 502 with a short
// plaintext body and terminates the response.
func (c *Client) writeErrorResponse(stream *smux.Stream, reason string) {
	err := protocol.WriteJSONFrame(stream, protocol.TagInit, &protocol.InitResponse{
		StatusCode:    http.StatusBadGateway,
		StatusMessage: "Bad Gateway",
		Headers:       map[string]string{"content-type": "text/plain; charset=utf-8"},
	})
	if err != nil {
		return
	}
	protocol.WriteFrame(stream, protocol.TagData, []byte(reason))
	protocol.WriteFrame(stream, protocol.TagData, nil)
}

// NewTargetTransform returns the default transform: rebase every
// proxied request onto targetURL, keeping path and query.
func NewTargetTransform(targetURL string) (TransformFunc, error) {
	base, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("client: parsing target URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: target URL must use http:// or https:// scheme")
	}

	return func(meta RequestMeta) (RequestMeta, error) {
		in, err := url.Parse(meta.URL)
		if err != nil {
			return meta, fmt.Errorf("client: parsing proxied URL %q: %w", meta.URL, err)
		}
		out := *base
		out.Path = singleJoiningSlash(base.Path, in.Path)
		out.RawQuery = in.RawQuery
		meta.URL = out.String()
		return meta, nil
	}, nil
}

func singleJoiningSlash(a, b string) string {
	switch {
	case b == "" || b == "/":
		if a == "" {
			return "/"
		}
		return a
	case strings.HasSuffix(a, "/"):
		return a + strings.TrimPrefix(b, "/")
	default:
		if !strings.HasPrefix(b, "/") {
			b = "/" + b
		}
		return a + b
	}
}

// httpToWS converts http:// to ws:// and https:// to wss://.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// forceHTTPScheme rewrites any non-http(s) scheme a transform may have
// produced: wss becomes https, every other scheme becomes http.
func forceHTTPScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "http", "https":
		return raw
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	return u.String()
}
