// Package integration spins up a real edge, a real tunnel client, and
// real local targets, and drives traffic through the public surface.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/codespacesh/blink-tunnel/internal/client"
	"github.com/codespacesh/blink-tunnel/internal/config"
	"github.com/codespacesh/blink-tunnel/internal/edge"
	"github.com/codespacesh/blink-tunnel/internal/identity"
	"github.com/codespacesh/blink-tunnel/internal/session"
)

const serverSecret = "integration-server-secret"

type tunnelEnv struct {
	t        *testing.T
	server   *httptest.Server
	registry *session.Registry
}

func startEdge(t *testing.T) *tunnelEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	registry := session.NewRegistry(nil, nil)
	cfg := config.EdgeConfig{
		BaseURL:        "http://tunnel.invalid",
		Mode:           config.ModeSubpath,
		ServerSecret:   serverSecret,
		MaxMessageSize: 1 << 20,
	}
	handler := edge.NewHandler(cfg, registry, edge.NewStats(), ctx)
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &tunnelEnv{t: t, server: server, registry: registry}
}

// startClient connects a tunnel client for secret to the env's edge and
// waits for the tunnel to come online.
func (env *tunnelEnv) startClient(secret, targetURL string) *client.Client {
	env.t.Helper()
	transform, err := client.NewTargetTransform(targetURL)
	if err != nil {
		env.t.Fatal(err)
	}

	connected := make(chan client.Info, 1)
	c := client.New(client.Config{
		ServerURL:    env.server.URL,
		Secret:       secret,
		Transform:    transform,
		PingInterval: 250 * time.Millisecond,
		PongTimeout:  time.Second,
		// Evicted clients must stay away long enough for assertions.
		Backoff: client.Backoff{Base: 5 * time.Second, Factor: 1.5, Cap: 10 * time.Second},
		OnConnect: func(info client.Info) {
			select {
			case connected <- info:
			default:
			}
		},
	})
	go c.Start(context.Background())
	env.t.Cleanup(c.Stop)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		env.t.Fatal("tunnel client never connected")
	}
	return c
}

func (env *tunnelEnv) tunnelURL(secret, path string) string {
	env.t.Helper()
	id, err := identity.Derive(secret, serverSecret)
	if err != nil {
		env.t.Fatal(err)
	}
	return env.server.URL + "/tunnel/" + id + path
}

func TestHealth(t *testing.T) {
	env := startEdge(t)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var doc map[string]string
	if err := json.Unmarshal(body, &doc); err != nil || doc["status"] != "ok" {
		t.Errorf("body = %s, want {\"status\":\"ok\"}", body)
	}
}

func TestSimpleGET(t *testing.T) {
	env := startEdge(t)

	var sawPath string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("GET response"))
	}))
	defer target.Close()

	env.startClient("get-test", target.URL)

	resp, err := http.Get(env.tunnelURL("get-test", "/api/data"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "GET response" {
		t.Errorf("body = %q, want %q", body, "GET response")
	}
	if sawPath != "/api/data" {
		t.Errorf("local target saw path %q, want /api/data", sawPath)
	}
}

func TestPostJSONEcho(t *testing.T) {
	env := startEdge(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("target could not decode body: %v", err)
		}
		if payload["name"] != "test" || payload["value"] != float64(123) {
			t.Errorf("target saw payload %v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"received":true}`))
	}))
	defer target.Close()

	env.startClient("post-test", target.URL)

	resp, err := http.Post(
		env.tunnelURL("post-test", "/api/echo"),
		"application/json",
		strings.NewReader(`{"name":"test","value":123}`),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"received":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestMultiCookie(t *testing.T) {
	env := startEdge(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "session=abc123; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "user=john; Path=/; Max-Age=3600")
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	env.startClient("cookie-test", target.URL)

	resp, err := http.Get(env.tunnelURL("cookie-test", "/login"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	got := resp.Header.Values("Set-Cookie")
	want := []string{"session=abc123; Path=/; HttpOnly", "user=john; Path=/; Max-Age=3600"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Set-Cookie = %v, want %v in order", got, want)
	}
}

func TestWebSocketTextEcho(t *testing.T) {
	env := startEdge(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			reply := data
			if typ == websocket.MessageText {
				reply = []byte("echo: " + string(data))
			}
			if err := conn.Write(r.Context(), typ, reply); err != nil {
				return
			}
		}
	}))
	defer target.Close()

	env.startClient("ws-test", target.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.tunnelURL("ws-test", "/ws"), "http")
	peer, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("public WebSocket dial failed: %v", err)
	}
	defer peer.CloseNow()

	// Text fidelity.
	if err := peer.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	typ, data, err := peer.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageText {
		t.Errorf("reply type = %v, want text", typ)
	}
	if string(data) != "echo: hello" {
		t.Errorf("reply = %q, want %q", data, "echo: hello")
	}

	// Binary fidelity.
	raw := []byte{0x00, 0x01, 0xfe, 0xff}
	if err := peer.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatal(err)
	}
	typ, data, err = peer.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("reply type = %v, want binary", typ)
	}
	if !bytes.Equal(data, raw) {
		t.Errorf("reply = %v, want %v byte-identical", data, raw)
	}

	peer.Close(websocket.StatusNormalClosure, "")
}

func TestWebSocketCloseCodePropagation(t *testing.T) {
	env := startEdge(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Wait for one message, then close with an application code.
		conn.Read(r.Context())
		conn.Close(websocket.StatusCode(4001), "done here")
	}))
	defer target.Close()

	env.startClient("ws-close-test", target.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.tunnelURL("ws-close-test", "/ws"), "http")
	peer, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.CloseNow()

	if err := peer.Write(ctx, websocket.MessageText, []byte("trigger")); err != nil {
		t.Fatal(err)
	}

	_, _, err = peer.Read(ctx)
	if err == nil {
		t.Fatal("expected the close to propagate, got a message")
	}
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read error = %v, want a close error", err)
	}
	if ce.Code != 4001 {
		t.Errorf("close code = %d, want 4001", ce.Code)
	}
	if ce.Reason != "done here" {
		t.Errorf("close reason = %q, want %q", ce.Reason, "done here")
	}
}

func TestNoClientConnected(t *testing.T) {
	env := startEdge(t)

	httpClient := &http.Client{Timeout: time.Second}
	start := time.Now()
	resp, err := httpClient.Get(env.server.URL + "/tunnel/0123456789abcdef/x")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("503 took %v, want < 1s", elapsed)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] != "No client connected" {
		t.Errorf("body = %v", body)
	}
}

func TestEviction(t *testing.T) {
	env := startEdge(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "from ", r.Header.Get("X-Which"))
	}))
	defer target.Close()

	first := env.startClient("evict-test", target.URL)
	second := env.startClient("evict-test", target.URL)

	// The first client must observe its disconnect; its large backoff
	// keeps it from immediately stealing the session back.
	deadline := time.Now().Add(5 * time.Second)
	for first.Status() == client.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatal("first client never observed the eviction")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if second.Status() != client.StatusConnected {
		t.Fatalf("second client status = %q, want connected", second.Status())
	}

	// Traffic still flows through the surviving client.
	resp, err := http.Get(env.tunnelURL("evict-test", "/check"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status after eviction = %d, want 200", resp.StatusCode)
	}
}

func TestBodilessStatusPassthrough(t *testing.T) {
	env := startEdge(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	env.startClient("nocontent-test", target.URL)

	resp, err := http.Get(env.tunnelURL("nocontent-test", "/empty"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("204 carried a body: %q", body)
	}
}

func TestUpstreamStatusVerbatim(t *testing.T) {
	env := startEdge(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer target.Close()

	env.startClient("status-test", target.URL)

	resp, err := http.Get(env.tunnelURL("status-test", "/brew"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want 418 verbatim", resp.StatusCode)
	}
}
