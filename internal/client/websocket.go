package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/xtaci/smux"

	"github.com/codespacesh/blink-tunnel/internal/protocol"
)

// serveWebSocket handles one proxied WebSocket substream: dial the
// local target, confirm the upgrade with a 101 envelope, then bridge
// frames in both directions preserving the text/binary flag.
func (c *Client) serveWebSocket(ctx context.Context, stream *smux.Stream, init protocol.InitRequest, meta RequestMeta) {
	transformed, err := c.transform(meta)
	if err != nil {
		c.logger.Warn("request transform failed", "url", meta.URL, "error", err)
		c.writeErrorResponse(stream, "request transform failed")
		return
	}
	wsURL := httpToWS(forceHTTPScheme(transformed.URL))

	local, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: protocol.Subprotocols(init.Headers),
		HTTPHeader:   dialHeaders(transformed.Header),
	})
	if err != nil {
		c.logger.Warn("local websocket dial failed", "url", wsURL, "error", err)
		c.writeErrorResponse(stream, "local websocket dial failed")
		return
	}
	local.SetReadLimit(c.cfg.MaxMessageSize)

	respHeaders := map[string]string{}
	if sp := local.Subprotocol(); sp != "" {
		respHeaders["sec-websocket-protocol"] = sp
	}
	err = protocol.WriteJSONFrame(stream, protocol.TagInit, &protocol.InitResponse{
		StatusCode:    http.StatusSwitchingProtocols,
		StatusMessage: "Switching Protocols",
		Headers:       respHeaders,
	})
	if err != nil {
		local.Close(websocket.StatusGoingAway, "tunnel closed")
		return
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeLocalOnce, closeStreamOnce sync.Once
	closeLocal := func(code websocket.StatusCode, reason string) {
		closeLocalOnce.Do(func() { local.Close(code, reason) })
	}
	closeStream := func() {
		closeStreamOnce.Do(func() { stream.Close() })
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Local target → substream.
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			typ, data, err := local.Read(bridgeCtx)
			if err != nil {
				code, reason := localCloseDetails(err)
				protocol.WriteJSONFrame(stream, protocol.TagWebSocketClose, &protocol.ClosePayload{
					Code:   &code,
					Reason: reason,
				})
				closeStream()
				return
			}
			if err := protocol.WriteWebSocketMessage(stream, typ == websocket.MessageText, data); err != nil {
				closeLocal(websocket.StatusGoingAway, "tunnel closed")
				return
			}
		}
	}()

	// Substream → local target.
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			tag, payload, err := protocol.ReadFrame(stream)
			if err != nil {
				closeLocal(websocket.StatusGoingAway, "tunnel closed")
				return
			}
			switch tag {
			case protocol.TagWebSocketMessage:
				if len(payload) == 0 {
					continue
				}
				typ := websocket.MessageText
				if payload[0] == protocol.BinaryMessage {
					typ = websocket.MessageBinary
				}
				if err := local.Write(bridgeCtx, typ, payload[1:]); err != nil {
					closeStream()
					return
				}
			case protocol.TagWebSocketClose:
				var cp protocol.ClosePayload
				if err := json.Unmarshal(payload, &cp); err == nil {
					if code, ok := protocol.SanitizeCloseCode(cp.Code); ok {
						closeLocalOnce.Do(func() { local.Close(websocket.StatusCode(code), cp.Reason) })
					} else {
						closeLocalOnce.Do(func() { local.CloseNow() })
					}
				} else {
					closeLocal(websocket.StatusNormalClosure, "")
				}
				closeStream()
				return
			case protocol.TagBody:
				// Stray terminator from the request phase.
			}
		}
	}()

	wg.Wait()
}

// localCloseDetails maps a local WebSocket read error onto a tunneled
// close: real close frames keep their code and reason, everything else
// becomes 1011 with the error text.
func localCloseDetails(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return 1011, err.Error()
}

// dialHeaders prepares the header set for the local WebSocket dial:
// hop-by-hop and handshake headers are regenerated by the stack, and
// the subprotocol offer travels via DialOptions.
func dialHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for name, values := range src {
		if protocol.IsHopByHop(name) || name == "Host" {
			continue
		}
		if http.CanonicalHeaderKey(name) == "Sec-Websocket-Protocol" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	return dst
}
