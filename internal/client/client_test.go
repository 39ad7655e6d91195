package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xtaci/smux"

	"github.com/codespacesh/blink-tunnel/internal/protocol"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	c := New(Config{ServerURL: "http://localhost", Secret: "s"})

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := c.backoffDelay(attempt)
		if d < prev {
			t.Errorf("delay(%d) = %v < delay(%d) = %v; schedule must be non-decreasing", attempt, d, attempt-1, prev)
		}
		if d > 10*time.Second {
			t.Errorf("delay(%d) = %v exceeds the 10s cap", attempt, d)
		}
		prev = d
	}
	if prev != 10*time.Second {
		t.Errorf("delay(19) = %v, want the 10s cap", prev)
	}

	first := c.backoffDelay(0)
	if first < 250*time.Millisecond || first > 300*time.Millisecond {
		t.Errorf("delay(0) = %v, want 250ms plus at most 50ms jitter", first)
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{ServerURL: "http://localhost", Secret: "s"})
	if c.cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v", c.cfg.PingInterval)
	}
	if c.cfg.PongTimeout != 10*time.Second {
		t.Errorf("PongTimeout = %v", c.cfg.PongTimeout)
	}
	if c.cfg.Backoff.Base != 250*time.Millisecond || c.cfg.Backoff.Factor != 1.5 || c.cfg.Backoff.Cap != 10*time.Second {
		t.Errorf("Backoff = %+v", c.cfg.Backoff)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("Status() = %q, want disconnected", c.Status())
	}
}

func TestNewTargetTransform(t *testing.T) {
	transform, err := NewTargetTransform("http://localhost:3000")
	if err != nil {
		t.Fatalf("NewTargetTransform() error = %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"/api/data", "http://localhost:3000/api/data"},
		{"/api/data?x=1&y=2", "http://localhost:3000/api/data?x=1&y=2"},
		{"/", "http://localhost:3000/"},
		{"", "http://localhost:3000/"},
	}
	for _, tt := range tests {
		got, err := transform(RequestMeta{Method: "GET", URL: tt.in, Header: http.Header{}})
		if err != nil {
			t.Fatalf("transform(%q) error = %v", tt.in, err)
		}
		if got.URL != tt.want {
			t.Errorf("transform(%q).URL = %q, want %q", tt.in, got.URL, tt.want)
		}
	}
}

func TestNewTargetTransformWithBasePath(t *testing.T) {
	transform, err := NewTargetTransform("http://localhost:3000/app")
	if err != nil {
		t.Fatalf("NewTargetTransform() error = %v", err)
	}
	got, _ := transform(RequestMeta{URL: "/api/data"})
	if got.URL != "http://localhost:3000/app/api/data" {
		t.Errorf("transform() = %q", got.URL)
	}
}

func TestNewTargetTransformRejectsBadScheme(t *testing.T) {
	if _, err := NewTargetTransform("ftp://x"); err == nil {
		t.Errorf("NewTargetTransform(ftp) succeeded, want error")
	}
}

func TestForceHTTPScheme(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://localhost/x", "http://localhost/x"},
		{"https://localhost/x", "https://localhost/x"},
		{"ws://localhost/x", "http://localhost/x"},
		{"wss://localhost/x", "https://localhost/x"},
		{"ftp://localhost/x", "http://localhost/x"},
	}
	for _, tt := range tests {
		if got := forceHTTPScheme(tt.in); got != tt.want {
			t.Errorf("forceHTTPScheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPToWS(t *testing.T) {
	if got := httpToWS("http://edge:8080"); got != "ws://edge:8080" {
		t.Errorf("httpToWS(http) = %q", got)
	}
	if got := httpToWS("https://edge"); got != "wss://edge" {
		t.Errorf("httpToWS(https) = %q", got)
	}
}

func TestMethodHasBody(t *testing.T) {
	for _, m := range []string{"GET", "HEAD", "OPTIONS"} {
		if methodHasBody(m) {
			t.Errorf("methodHasBody(%s) = true", m)
		}
	}
	for _, m := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		if !methodHasBody(m) {
			t.Errorf("methodHasBody(%s) = false", m)
		}
	}
}

func TestLocalCloseDetails(t *testing.T) {
	code, reason := localCloseDetails(io.ErrUnexpectedEOF)
	if code != 1011 {
		t.Errorf("code = %d for transport error, want 1011", code)
	}
	if reason == "" {
		t.Errorf("reason empty for transport error")
	}
}

// openSubstream builds an in-process edge↔client stream pair and hands
// the client end to handleStream.
func openSubstream(t *testing.T, c *Client) *smux.Stream {
	t.Helper()
	edgeConn, clientConn := net.Pipe()

	edgeMux, err := smux.Client(edgeConn, muxConfig())
	if err != nil {
		t.Fatalf("smux.Client() error = %v", err)
	}
	clientMux, err := smux.Server(clientConn, muxConfig())
	if err != nil {
		t.Fatalf("smux.Server() error = %v", err)
	}
	t.Cleanup(func() {
		edgeMux.Close()
		clientMux.Close()
	})

	go func() {
		stream, err := clientMux.AcceptStream()
		if err != nil {
			return
		}
		c.handleStream(context.Background(), stream)
	}()

	stream, err := edgeMux.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	return stream
}

func sendRequest(t *testing.T, stream *smux.Stream, init protocol.InitRequest, body []byte) {
	t.Helper()
	if err := protocol.WriteJSONFrame(stream, protocol.TagInit, &init); err != nil {
		t.Fatalf("writing request envelope: %v", err)
	}
	if len(body) > 0 {
		if err := protocol.WriteFrame(stream, protocol.TagBody, body); err != nil {
			t.Fatalf("writing request body: %v", err)
		}
	}
	if err := protocol.WriteFrame(stream, protocol.TagBody, nil); err != nil {
		t.Fatalf("writing body terminator: %v", err)
	}
}

func readResponse(t *testing.T, stream *smux.Stream) (protocol.InitResponse, []byte) {
	t.Helper()
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))

	tag, payload, err := protocol.ReadFrame(stream)
	if err != nil {
		t.Fatalf("reading response envelope: %v", err)
	}
	if tag != protocol.TagInit {
		t.Fatalf("first response tag = %d, want TagInit", tag)
	}
	var resp protocol.InitResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("decoding response envelope: %v", err)
	}

	var body []byte
	for {
		tag, payload, err := protocol.ReadFrame(stream)
		if err != nil {
			t.Fatalf("reading response body: %v", err)
		}
		if tag != protocol.TagData {
			t.Fatalf("body tag = %d, want TagData", tag)
		}
		if len(payload) == 0 {
			return resp, body
		}
		body = append(body, payload...)
	}
}

func newTargetClient(t *testing.T, targetURL string) *Client {
	t.Helper()
	transform, err := NewTargetTransform(targetURL)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{ServerURL: "http://edge", Secret: "s", Transform: transform})
}

func TestServeHTTPGet(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/data" {
			t.Errorf("target path = %q, want /api/data", r.URL.Path)
		}
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("custom header missing at target")
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("GET response"))
	}))
	defer target.Close()

	c := newTargetClient(t, target.URL)
	stream := openSubstream(t, c)
	sendRequest(t, stream, protocol.InitRequest{
		Method:  "GET",
		URL:     "/api/data",
		Headers: map[string]string{"x-custom": "yes"},
	}, nil)

	resp, body := readResponse(t, stream)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "GET response" {
		t.Errorf("body = %q, want %q", body, "GET response")
	}
	if resp.Headers["content-type"] != "text/plain" {
		t.Errorf("content-type = %q", resp.Headers["content-type"])
	}
}

func TestServeHTTPPostEcho(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if string(data) != `{"name":"test","value":123}` {
			t.Errorf("target body = %q", data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"received":true}`))
	}))
	defer target.Close()

	c := newTargetClient(t, target.URL)
	stream := openSubstream(t, c)
	sendRequest(t, stream, protocol.InitRequest{
		Method:  "POST",
		URL:     "/echo",
		Headers: map[string]string{"content-type": "application/json"},
	}, []byte(`{"name":"test","value":123}`))

	resp, body := readResponse(t, stream)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(body) != `{"received":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestServeHTTPMultiCookie(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "session=abc123; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "user=john; Path=/; Max-Age=3600")
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	c := newTargetClient(t, target.URL)
	stream := openSubstream(t, c)
	sendRequest(t, stream, protocol.InitRequest{Method: "GET", URL: "/", Headers: map[string]string{}}, nil)

	resp, _ := readResponse(t, stream)
	want := []string{"session=abc123; Path=/; HttpOnly", "user=john; Path=/; Max-Age=3600"}
	if len(resp.SetCookies) != 2 || resp.SetCookies[0] != want[0] || resp.SetCookies[1] != want[1] {
		t.Errorf("set_cookies = %v, want %v", resp.SetCookies, want)
	}
	if _, ok := resp.Headers["set-cookie"]; ok {
		t.Errorf("Set-Cookie leaked into the header map")
	}
}

func TestServeHTTPCustomStatusMessage(t *testing.T) {
	// net/http handlers cannot write a custom reason phrase, so emit
	// the status line raw over a hijacked connection.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		defer conn.Close()
		buf.WriteString("HTTP/1.1 218 This Is Fine\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
		buf.Flush()
	}))
	defer target.Close()

	c := newTargetClient(t, target.URL)
	stream := openSubstream(t, c)
	sendRequest(t, stream, protocol.InitRequest{Method: "GET", URL: "/odd", Headers: map[string]string{}}, nil)

	resp, body := readResponse(t, stream)
	if resp.StatusCode != 218 {
		t.Errorf("status = %d, want 218", resp.StatusCode)
	}
	if resp.StatusMessage != "This Is Fine" {
		t.Errorf("status message = %q, want the target's phrase %q", resp.StatusMessage, "This Is Fine")
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestServeHTTPDoesNotFollowRedirects(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		t.Errorf("redirect was followed to %q", r.URL.Path)
	}))
	defer target.Close()

	c := newTargetClient(t, target.URL)
	stream := openSubstream(t, c)
	sendRequest(t, stream, protocol.InitRequest{Method: "GET", URL: "/start", Headers: map[string]string{}}, nil)

	resp, _ := readResponse(t, stream)
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302 returned verbatim", resp.StatusCode)
	}
	if resp.Headers["location"] != "/elsewhere" {
		t.Errorf("location = %q", resp.Headers["location"])
	}
}

func TestServeHTTPUnreachableTarget(t *testing.T) {
	// A dead port: dial fails fast.
	c := newTargetClient(t, "http://127.0.0.1:1")
	stream := openSubstream(t, c)
	sendRequest(t, stream, protocol.InitRequest{Method: "GET", URL: "/x", Headers: map[string]string{}}, nil)

	resp, body := readResponse(t, stream)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if len(body) == 0 {
		t.Errorf("502 response has no explanatory body")
	}
}

func TestServeHTTPTransformError(t *testing.T) {
	c := New(Config{
		ServerURL: "http://edge",
		Secret:    "s",
		Transform: func(m RequestMeta) (RequestMeta, error) {
			return m, io.ErrUnexpectedEOF
		},
	})
	stream := openSubstream(t, c)
	sendRequest(t, stream, protocol.InitRequest{Method: "GET", URL: "/x", Headers: map[string]string{}}, nil)

	resp, _ := readResponse(t, stream)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 for transform failure", resp.StatusCode)
	}
}
