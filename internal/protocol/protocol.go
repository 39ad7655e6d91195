// Package protocol defines the typed frame schema carried on each
// multiplexed substream, and the single JSON control message exchanged
// on the control WebSocket itself.
//
// Every frame is a uint32 big-endian length followed by that many bytes;
// the first byte of the payload is the frame tag. HTTP bodies are a run
// of body frames terminated by a zero-length frame of the same tag.
// WebSocket message frames carry a one-byte text/binary discriminator
// ahead of the message bytes.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Tag identifies the kind of a substream frame.
type Tag byte

const (
	// TagInit opens a substream in either direction: a request envelope
	// edge→client, a response envelope client→edge.
	TagInit Tag = 0x01
	// TagBody carries a chunk of the proxied request body (edge→client).
	TagBody Tag = 0x02
	// TagData carries a chunk of the proxied response body (client→edge).
	TagData Tag = 0x03
	// TagWebSocketMessage carries one proxied WebSocket message, prefixed
	// by a text/binary discriminator byte.
	TagWebSocketMessage Tag = 0x04
	// TagWebSocketClose carries a JSON ClosePayload and ends the bridge.
	TagWebSocketClose Tag = 0x05
)

// Discriminator bytes for TagWebSocketMessage payloads.
const (
	TextMessage   byte = 0x00
	BinaryMessage byte = 0x01
)

// MaxFrameSize bounds a single frame payload. Body chunks are far
// smaller; this is a defense against corrupt length prefixes.
const MaxFrameSize = 4 << 20

// InitRequest is the request envelope sent edge→client when a substream
// opens. Headers are single-valued; multi-valued request headers are
// comma-joined.
type InitRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// InitResponse is the response envelope sent client→edge. Set-Cookie is
// never folded into Headers; the original values travel in order in
// SetCookies.
type InitResponse struct {
	StatusCode    int               `json:"status_code"`
	StatusMessage string            `json:"status_message"`
	Headers       map[string]string `json:"headers"`
	SetCookies    []string          `json:"set_cookies,omitempty"`
}

// ClosePayload mirrors a WebSocket close frame across the tunnel. A nil
// Code means the peer closed without a code and is treated as 1000.
type ClosePayload struct {
	Code   *int   `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ConnectionEstablished is the one JSON text message the edge sends on a
// fresh control socket before any binary multiplexer frames.
type ConnectionEstablished struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// IsConnectionEstablished reports whether a control-socket payload is
// the JSON handshake message rather than a multiplexer frame. The wire
// contract keys this off the first byte being '{'.
func IsConnectionEstablished(payload []byte) bool {
	return len(payload) > 0 && payload[0] == '{'
}

// WriteFrame writes one length-prefixed frame. An empty payload produces
// the zero-length terminator for the given tag.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)+1))
	hdr[4] = byte(tag)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteJSONFrame marshals v and writes it as a frame with the given tag.
func WriteJSONFrame(w io.Writer, tag Tag, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encoding %T: %w", v, err)
	}
	return WriteFrame(w, tag, payload)
}

// WriteWebSocketMessage writes one proxied WebSocket message frame with
// the discriminator matching text.
func WriteWebSocketMessage(w io.Writer, text bool, data []byte) error {
	payload := make([]byte, len(data)+1)
	if text {
		payload[0] = TextMessage
	} else {
		payload[0] = BinaryMessage
	}
	copy(payload[1:], data)
	return WriteFrame(w, TagWebSocketMessage, payload)
}

// ReadFrame reads one frame and returns its tag and payload (which is
// empty for a terminator frame).
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("protocol: frame without tag")
	}
	if n > MaxFrameSize {
		return 0, nil, fmt.Errorf("protocol: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, fmt.Errorf("protocol: short frame: %w", err)
	}
	return Tag(buf[0]), buf[1:], nil
}

// SanitizeCloseCode maps a tunneled close code onto the set that is
// legal to send on a WebSocket API: 1000 or [3000, 4999]. The second
// return is false when the connection must be closed without a code.
// A nil code means the peer closed silently and maps to 1000.
func SanitizeCloseCode(code *int) (int, bool) {
	if code == nil {
		return 1000, true
	}
	c := *code
	if c == 1000 || (c >= 3000 && c <= 4999) {
		return c, true
	}
	return 0, false
}

// hopByHop lists headers that never cross the tunnel; the runtimes on
// each side manage their own connection semantics.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// websocketHandshake lists handshake headers that each WebSocket stack
// regenerates; only the subprotocol offer survives the tunnel.
var websocketHandshake = map[string]bool{
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Accept":     true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

// IsHopByHop reports whether a header is connection-scoped and must
// not be copied onto a proxied request.
func IsHopByHop(name string) bool {
	canon := http.CanonicalHeaderKey(name)
	return hopByHop[canon] || websocketHandshake[canon]
}

// RequestHeaders flattens h into the single-valued wire map, dropping
// hop-by-hop headers. When upgrade is true the Upgrade and Connection
// markers are preserved so the receiver can dispatch the substream, and
// per-connection handshake headers are dropped instead.
func RequestHeaders(h http.Header, upgrade bool) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		canon := http.CanonicalHeaderKey(name)
		if websocketHandshake[canon] {
			continue
		}
		if hopByHop[canon] && !(upgrade && (canon == "Upgrade" || canon == "Connection")) {
			continue
		}
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	if upgrade {
		out["upgrade"] = "websocket"
		out["connection"] = "Upgrade"
	}
	return out
}

// ResponseHeaders splits a local response header set into the wire map
// and the ordered Set-Cookie list.
func ResponseHeaders(h http.Header) (map[string]string, []string) {
	headers := make(map[string]string, len(h))
	var cookies []string
	for name, values := range h {
		canon := http.CanonicalHeaderKey(name)
		if canon == "Set-Cookie" {
			cookies = append(cookies, values...)
			continue
		}
		if hopByHop[canon] {
			continue
		}
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return headers, cookies
}

// ToHeader expands a wire header map back into an http.Header.
func ToHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for name, value := range m {
		h.Set(name, value)
	}
	return h
}

// IsUpgrade reports whether a wire header map marks the substream as a
// WebSocket upgrade.
func IsUpgrade(m map[string]string) bool {
	for name, value := range m {
		if strings.EqualFold(name, "Upgrade") && strings.EqualFold(strings.TrimSpace(value), "websocket") {
			return true
		}
	}
	return false
}

// Subprotocols extracts the offered WebSocket subprotocols from a wire
// header map.
func Subprotocols(m map[string]string) []string {
	for name, value := range m {
		if !strings.EqualFold(name, "Sec-Websocket-Protocol") {
			continue
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
