package server

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backend-transittrack/internal/auth"
	"backend-transittrack/internal/config"
	"backend-transittrack/internal/contextstore"
	"backend-transittrack/internal/duty"
	"backend-transittrack/internal/platform"
	"backend-transittrack/internal/stream"
)

func TestHealthRoute(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret", ServerPort: ":0"}, Components{})

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status")
	}
}

func TestMetricsRoute(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret"}, Components{})

	resp, err := s.App.Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("metrics: %v %v", resp, err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %q", body[:min(len(body), 80)])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	cfg := config.Config{JWTSecret: "secret"}
	s := NewServer(cfg, Components{
		Duty:   duty.New(contextstore.NewMemory(), nil, duty.Options{}),
		Device: platform.NewDevice(platform.DeviceOptions{}),
		Stream: stream.NewHub(nil, nil),
	})

	for _, path := range []string{"/duty", "/device/permissions"} {
		resp, err := s.App.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if resp.StatusCode != 401 {
			t.Fatalf("%s: expected 401 without token, got %d", path, resp.StatusCode)
		}
	}

	token, err := auth.IssueToken(cfg.JWTSecret, "D1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest("GET", "/duty", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.App.Test(req)
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expected 200 with token: %v %v", resp, err)
	}
}

func TestUnmountedRoutes(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret"}, Components{})
	resp, err := s.App.Test(httptest.NewRequest("GET", "/pings", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for unmounted pings, got %d", resp.StatusCode)
	}
}
