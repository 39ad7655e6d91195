package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codespacesh/blink-tunnel/internal/edge"
	"github.com/codespacesh/blink-tunnel/internal/session"
)

func TestHealthDocument(t *testing.T) {
	registry := session.NewRegistry(nil, nil)
	registry.GetOrCreate("0123456789abcdef")
	h := NewHandler(registry, edge.NewStats(), "test")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.KnownSessions != 1 {
		t.Errorf("known_sessions = %d, want 1", resp.KnownSessions)
	}
	if resp.ConnectedSessions != 0 {
		t.Errorf("connected_sessions = %d, want 0", resp.ConnectedSessions)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q", resp.Version)
	}
}

func TestSessionsListing(t *testing.T) {
	registry := session.NewRegistry(nil, nil)
	registry.GetOrCreate("0123456789abcdef")
	registry.GetOrCreate("zzzzzzzzzzzzzzzz")
	h := NewHandler(registry, edge.NewStats(), "test")

	rec := httptest.NewRecorder()
	h.Sessions(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	var infos []session.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(infos))
	}
	if infos[0].ID != "0123456789abcdef" {
		t.Errorf("sessions not ordered by id: %v", infos)
	}
}
