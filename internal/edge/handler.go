// Package edge implements the public front door: it accepts control
// WebSockets from tunnel clients and relays every other inbound request
// or WebSocket upgrade to the matching session.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codespacesh/blink-tunnel/internal/config"
	"github.com/codespacesh/blink-tunnel/internal/identity"
	"github.com/codespacesh/blink-tunnel/internal/metrics"
	"github.com/codespacesh/blink-tunnel/internal/protocol"
	"github.com/codespacesh/blink-tunnel/internal/session"
)

// connectPath is the control-socket endpoint tunnel clients dial.
const connectPath = "/api/tunnel/connect"

var subpathPattern = regexp.MustCompile(`^/tunnel/([0-9a-z]{16})(/.*)?$`)

// Handler is the HTTP handler bound to the public listener.
type Handler struct {
	Registry *session.Registry
	Stats    *Stats
	Metrics  *metrics.Metrics // optional, nil if metrics disabled

	cfg      config.EdgeConfig
	baseHost string

	// shutdownCtx outlives individual requests; control sockets and
	// bridged peers are parented to it so draining tears them down.
	shutdownCtx context.Context
}

// NewHandler creates the front door for the given edge config.
func NewHandler(cfg config.EdgeConfig, registry *session.Registry, stats *Stats, shutdownCtx context.Context) *Handler {
	baseHost := ""
	if u, err := url.Parse(cfg.BaseURL); err == nil {
		baseHost = u.Host
	}
	return &Handler{
		Registry:    registry,
		Stats:       stats,
		cfg:         cfg,
		baseHost:    baseHost,
		shutdownCtx: shutdownCtx,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case connectPath:
		h.handleConnect(w, r)
		return
	}
	h.handleProxy(w, r)
}

// handleConnect accepts a tunnel client's control WebSocket. The tunnel
// id is derived from the client's secret, never taken from the request.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		writeJSON(w, http.StatusUpgradeRequired, map[string]string{
			"error": "WebSocket upgrade required",
		})
		return
	}

	secret := r.Header.Get("x-tunnel-secret")
	if secret == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "missing x-tunnel-secret header",
		})
		return
	}

	id, err := identity.Derive(secret, h.cfg.ServerSecret)
	if err != nil {
		slog.Error("tunnel id derivation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept control WebSocket", "tunnel_id", id, "error", err)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	if h.Stats != nil {
		h.Stats.recordControlConnection()
	}

	sess := h.Registry.GetOrCreate(id)
	established := protocol.ConnectionEstablished{URL: h.publicURL(id), ID: id}

	// AcceptControl blocks for the control socket's lifetime; the
	// shutdown context (not r.Context()) parents it so a returning
	// handler does not race the multiplexer's read loop.
	if err := sess.AcceptControl(h.shutdownCtx, conn, established); err != nil {
		slog.Warn("control socket ended with error", "tunnel_id", id, "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handleProxy relays a public request to the session owning its id.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := h.extractID(r)
	if !ok {
		if h.Metrics != nil {
			h.Metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUnknownID).Inc()
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tunnel"})
		return
	}

	sess := h.Registry.Get(id)
	if sess == nil || !sess.IsConnected() {
		if h.Metrics != nil {
			h.Metrics.RequestsTotal.WithLabelValues(metrics.OutcomeNoClient).Inc()
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "No client connected",
			"id":    id,
		})
		return
	}

	target := rest
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	requestID := uuid.NewString()
	start := time.Now()
	upgrade := isWebSocketUpgrade(r)

	res, err := sess.Proxy(r.Context(), r.Method, target, r.Header, r.Body, upgrade)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			if h.Metrics != nil {
				h.Metrics.RequestsTotal.WithLabelValues(metrics.OutcomeNoClient).Inc()
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "No client connected",
				"id":    id,
			})
			return
		}
		if h.Metrics != nil {
			h.Metrics.RequestsTotal.WithLabelValues(metrics.OutcomeBadGateway).Inc()
		}
		slog.Warn("proxy failed", "request_id", requestID, "tunnel_id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Bad gateway"})
		return
	}

	if h.Stats != nil {
		h.Stats.recordRequest()
	}

	if res.Upgrade {
		h.serveUpgrade(w, r, sess, res, requestID, id)
		return
	}

	h.writeResponse(w, res)
	if h.Metrics != nil {
		h.Metrics.RequestsTotal.WithLabelValues(metrics.OutcomeProxied).Inc()
		// A 502 envelope is how the client reports a local target
		// failure; the client process itself has no metrics listener.
		if res.StatusCode == http.StatusBadGateway {
			h.Metrics.ErrorsTotal.WithLabelValues("local_target_failure").Inc()
		}
	}
	slog.Info("request proxied",
		"request_id", requestID,
		"tunnel_id", id,
		"method", r.Method,
		"path", rest,
		"status", res.StatusCode,
		"duration", time.Since(start).String(),
	)
}

// serveUpgrade completes a proxied WebSocket: the client already holds
// a socket to the local target, so accept the public peer and bridge.
func (h *Handler) serveUpgrade(w http.ResponseWriter, r *http.Request, sess *session.Session, res *session.ProxyResult, requestID, id string) {
	opts := &websocket.AcceptOptions{
		Subprotocols: protocol.Subprotocols(protocol.RequestHeaders(r.Header, true)),
	}
	peer, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept writes its own error; the substream is dead weight now.
		res.Body.Close()
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Warn("public WebSocket accept failed", "request_id", requestID, "tunnel_id", id, "error", err)
		return
	}
	peer.SetReadLimit(h.cfg.MaxMessageSize)

	if h.Stats != nil {
		h.Stats.websocketOpened()
		defer h.Stats.websocketClosed()
	}
	if h.Metrics != nil {
		h.Metrics.RequestsTotal.WithLabelValues(metrics.OutcomeWebSocket).Inc()
	}
	slog.Info("websocket bridged", "request_id", requestID, "tunnel_id", id, "path", r.URL.Path)

	// Bridge until either side closes; parented to shutdownCtx so a
	// returning public request cannot kill a healthy bridge early.
	ctx, cancel := context.WithCancel(h.shutdownCtx)
	defer cancel()
	context.AfterFunc(r.Context(), cancel)

	if err := sess.BridgeWebSocket(ctx, res, peer); err != nil {
		slog.Debug("websocket bridge ended", "request_id", requestID, "tunnel_id", id, "reason", err)
	}
	peer.Close(websocket.StatusNormalClosure, "")
}

// writeResponse copies a non-upgrade proxy result to the public peer,
// reconstructing one Set-Cookie header per original value, in order.
func (h *Handler) writeResponse(w http.ResponseWriter, res *session.ProxyResult) {
	defer res.Body.Close()

	for name, value := range res.Headers {
		w.Header().Set(name, value)
	}
	for _, c := range res.SetCookies {
		w.Header().Add("Set-Cookie", c)
	}
	w.WriteHeader(res.StatusCode)

	if !statusPermitsBody(res.StatusCode) {
		return
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			rc.Flush()
		}
		if err != nil {
			return
		}
	}
}

// statusPermitsBody reports whether an HTTP status allows a response
// body on the wire.
func statusPermitsBody(status int) bool {
	switch status {
	case http.StatusSwitchingProtocols, http.StatusNoContent, http.StatusResetContent, http.StatusNotModified:
		return false
	}
	return true
}

// extractID pulls the tunnel id out of the request according to the
// configured mode, returning the stripped path the tunnel should see.
func (h *Handler) extractID(r *http.Request) (id, rest string, ok bool) {
	switch h.cfg.Mode {
	case config.ModeWildcard:
		host := r.Host
		if hp, _, err := net.SplitHostPort(host); err == nil {
			host = hp
		}
		label, remainder, found := strings.Cut(host, ".")
		if !found || !identity.Valid(label) {
			return "", "", false
		}
		if base := stripPort(h.baseHost); base != "" && remainder != base {
			return "", "", false
		}
		return label, r.URL.Path, true

	case config.ModeSubpath:
		m := subpathPattern.FindStringSubmatch(r.URL.Path)
		if m == nil {
			return "", "", false
		}
		rest = m[2]
		if rest == "" {
			rest = "/"
		}
		return m[1], rest, true
	}
	return "", "", false
}

// publicURL builds the URL announced to a freshly connected client.
func (h *Handler) publicURL(id string) string {
	u, err := url.Parse(h.cfg.BaseURL)
	if err != nil {
		return h.cfg.BaseURL
	}
	if h.cfg.Mode == config.ModeWildcard {
		u.Host = id + "." + u.Host
		return u.String()
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/tunnel/" + id
	return u.String()
}

func stripPort(host string) string {
	if hp, _, err := net.SplitHostPort(host); err == nil {
		return hp
	}
	return host
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade
// per RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
