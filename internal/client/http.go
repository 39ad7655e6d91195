package client

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/xtaci/smux"

	"github.com/codespacesh/blink-tunnel/internal/protocol"
)

// serveHTTP handles one proxied HTTP substream: transform, fetch the
// local target, and stream the response back frame by frame.
func (c *Client) serveHTTP(ctx context.Context, stream *smux.Stream, meta RequestMeta) {
	// The original method decides whether a request body is wired; a
	// transform changing the method must not change that.
	originalMethod := meta.Method

	transformed, err := c.transform(meta)
	if err != nil {
		c.logger.Warn("request transform failed", "method", meta.Method, "url", meta.URL, "error", err)
		c.writeErrorResponse(stream, "request transform failed")
		return
	}
	outURL := forceHTTPScheme(transformed.URL)

	var body io.Reader
	if methodHasBody(originalMethod) {
		pr, pw := io.Pipe()
		go pipeRequestBody(stream, pw)
		body = pr
	} else {
		// Body frames still arrive (at minimum the terminator); drain
		// them so the stream buffer never backs up.
		go drainRequestBody(stream)
	}

	req, err := http.NewRequestWithContext(ctx, transformed.Method, outURL, body)
	if err != nil {
		c.logger.Warn("building local request failed", "url", outURL, "error", err)
		c.writeErrorResponse(stream, "invalid proxied request")
		return
	}
	copyEndToEndHeaders(req.Header, transformed.Header)
	if host := transformed.Header.Get("Host"); host != "" {
		req.Host = host
	}
	if cl := transformed.Header.Get("Content-Length"); cl != "" && body != nil {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			req.ContentLength = n
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("local request failed", "method", req.Method, "url", outURL, "error", err)
		c.writeErrorResponse(stream, "local request failed")
		return
	}
	defer resp.Body.Close()

	headers, cookies := protocol.ResponseHeaders(resp.Header)
	err = protocol.WriteJSONFrame(stream, protocol.TagInit, &protocol.InitResponse{
		StatusCode:    resp.StatusCode,
		StatusMessage: statusMessage(resp),
		Headers:       headers,
		SetCookies:    cookies,
	})
	if err != nil {
		return
	}

	// One chunk read, one frame written: the multiplexer's stream
	// window is the only buffer between the target and the edge.
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := protocol.WriteFrame(stream, protocol.TagData, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}
	protocol.WriteFrame(stream, protocol.TagData, nil)
}

// pipeRequestBody feeds incoming body frames into the outbound request
// until the zero-length terminator.
func pipeRequestBody(stream *smux.Stream, pw *io.PipeWriter) {
	for {
		tag, payload, err := protocol.ReadFrame(stream)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if tag != protocol.TagBody {
			continue
		}
		if len(payload) == 0 {
			pw.Close()
			return
		}
		if _, err := pw.Write(payload); err != nil {
			return
		}
	}
}

// drainRequestBody consumes body frames for bodyless methods.
func drainRequestBody(stream *smux.Stream) {
	for {
		tag, payload, err := protocol.ReadFrame(stream)
		if err != nil {
			return
		}
		if tag == protocol.TagBody && len(payload) == 0 {
			return
		}
	}
}

// statusMessage extracts the local target's actual reason phrase from
// the status line so it crosses the tunnel verbatim. Falls back to the
// canonical phrase only when the status line is malformed.
func statusMessage(resp *http.Response) string {
	if msg, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// copyEndToEndHeaders copies headers onto a local request, dropping
// hop-by-hop and per-connection handshake headers.
func copyEndToEndHeaders(dst, src http.Header) {
	for name, values := range src {
		if protocol.IsHopByHop(name) || name == "Host" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
