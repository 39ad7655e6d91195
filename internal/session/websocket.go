package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/codespacesh/blink-tunnel/internal/protocol"
)

// errUnknownStream reports a send against a stream id with no bridged
// peer, which happens benignly when both sides close at once.
var errUnknownStream = errors.New("session: no proxied websocket for stream")

// SendProxiedWebSocketMessage relays one public-peer message onto the
// substream identified by streamID, preserving the text/binary flag.
func (s *Session) SendProxiedWebSocketMessage(streamID uint32, text bool, data []byte) error {
	ps := s.proxiedSocket(streamID)
	if ps == nil {
		return errUnknownStream
	}
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()
	if err := protocol.WriteWebSocketMessage(ps.stream, text, data); err != nil {
		return fmt.Errorf("session: relaying websocket message: %w", err)
	}
	if s.metrics != nil {
		s.metrics.FramesTotal.WithLabelValues("outbound").Inc()
	}
	return nil
}

// SendProxiedWebSocketClose relays a close observed on the public peer
// and shuts the substream down. A nil code stands for a codeless close.
func (s *Session) SendProxiedWebSocketClose(streamID uint32, code *int, reason string) error {
	ps := s.proxiedSocket(streamID)
	if ps == nil {
		return errUnknownStream
	}
	ps.writeMu.Lock()
	err := protocol.WriteJSONFrame(ps.stream, protocol.TagWebSocketClose, &protocol.ClosePayload{Code: code, Reason: reason})
	ps.writeMu.Unlock()
	ps.stream.Close()
	if err != nil {
		return fmt.Errorf("session: relaying websocket close: %w", err)
	}
	return nil
}

func (s *Session) proxiedSocket(streamID uint32) *proxiedSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxied[streamID]
}

func (s *Session) removeProxiedSocket(streamID uint32) {
	s.mu.Lock()
	delete(s.proxied, streamID)
	s.mu.Unlock()
}

// BridgeWebSocket wires an upgraded public peer socket onto the
// substream of a 101 proxy result and relays frames in both directions
// until either side closes. It blocks for the lifetime of the bridge.
func (s *Session) BridgeWebSocket(ctx context.Context, res *ProxyResult, peer *websocket.Conn) error {
	ps := &proxiedSocket{peer: peer, stream: res.stream}

	s.mu.Lock()
	if s.ctrl == nil {
		s.mu.Unlock()
		res.stream.Close()
		return ErrNotConnected
	}
	s.proxied[res.StreamID] = ps
	s.mu.Unlock()
	defer s.removeProxiedSocket(res.StreamID)

	if s.metrics != nil {
		s.metrics.ProxiedWebSockets.Inc()
		defer s.metrics.ProxiedWebSockets.Dec()
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Teardown can be triggered from either loop; guard the closes.
	var closePeerOnce, closeStreamOnce sync.Once
	closePeer := func(code websocket.StatusCode, reason string) {
		closePeerOnce.Do(func() { peer.Close(code, reason) })
	}
	closeStream := func() {
		closeStreamOnce.Do(func() { res.stream.Close() })
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Public peer → substream.
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			typ, data, err := peer.Read(bridgeCtx)
			if err != nil {
				code, reason := closeDetails(err)
				s.SendProxiedWebSocketClose(res.StreamID, code, reason)
				closeStream()
				return
			}
			if err := s.SendProxiedWebSocketMessage(res.StreamID, typ == websocket.MessageText, data); err != nil {
				closePeer(websocket.StatusGoingAway, "client disconnected")
				return
			}
		}
	}()

	// Substream → public peer.
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			tag, payload, err := protocol.ReadFrame(res.stream)
			if err != nil {
				closePeer(websocket.StatusGoingAway, "client disconnected")
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
				if err := peer.Write(bridgeCtx, typ, payload[1:]); err != nil {
					closeStream()
					return
				}
				if s.metrics != nil {
					s.metrics.FramesTotal.WithLabelValues("inbound").Inc()
				}
			case protocol.TagWebSocketClose:
				var cp protocol.ClosePayload
				if err := json.Unmarshal(payload, &cp); err == nil {
					if code, ok := protocol.SanitizeCloseCode(cp.Code); ok {
						closePeerOnce.Do(func() { peer.Close(websocket.StatusCode(code), cp.Reason) })
					} else {
						closePeerOnce.Do(func() { peer.CloseNow() })
					}
				} else {
					closePeer(websocket.StatusNormalClosure, "")
				}
				closeStream()
				return
			case protocol.TagBody, protocol.TagData:
				// Stray body terminator from the request phase.
			}
		}
	}()

	wg.Wait()
	return nil
}

// closeDetails extracts the close code and reason from a WebSocket read
// error. Returns a nil code for abnormal terminations; the client
// treats a missing code as 1000 when it closes the local socket.
func closeDetails(err error) (*int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		code := int(ce.Code)
		return &code, ce.Reason
	}
	return nil, ""
}
