package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-clone/pkg/agentconfig"
	"github.com/vango-go/vai-clone/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		Addr:               ":0",
		AgentID:            "agent_123",
		CORSAllowedOrigins: map[string]struct{}{"https://app.example.com": {}},
		MetricsEnabled:     true,
		LimitRPS:           1,
		LimitBurst:         2,
		ReadHeaderTimeout:  time.Second,
		ReadTimeout:        time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *clockwork.FakeClock) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	clock := clockwork.NewFakeClock()
	return New(cfg, logger, WithClock(clock)), clock
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "198.51.100.7:1234"
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rr := do(s.Handler(), http.MethodGet, "/does-not-exist")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestServer_ConfigRoute_Serves(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rr := do(s.Handler(), http.MethodGet, agentconfig.Path)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var got agentconfig.AgentConfig
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.AgentID != "agent_123" {
		t.Fatalf("agentId=%q", got.AgentID)
	}
}

func TestServer_ConfigRoute_PostIs405(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	rr := do(s.Handler(), http.MethodPost, agentconfig.Path)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_RateLimitsConfigButNotHealth(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	h := s.Handler()

	for i := 0; i < 2; i++ {
		if rr := do(h, http.MethodGet, agentconfig.Path); rr.Code != http.StatusOK {
			t.Fatalf("request %d status=%d", i, rr.Code)
		}
	}
	if rr := do(h, http.MethodGet, agentconfig.Path); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status=%d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
}

func TestServer_RateLimitRecoversAfterRefill(t *testing.T) {
	s, clock := newTestServer(t, testConfig())
	h := s.Handler()

	for i := 0; i < 3; i++ {
		do(h, http.MethodGet, agentconfig.Path)
	}
	clock.Advance(time.Second)
	if rr := do(h, http.MethodGet, agentconfig.Path); rr.Code != http.StatusOK {
		t.Fatalf("status after refill=%d", rr.Code)
	}
}

func TestServer_MetricsRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	h := s.Handler()

	do(h, http.MethodGet, agentconfig.Path)
	rr := do(h, http.MethodGet, "/metrics")

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `clone_gateway_config_requests_total{outcome="served"} 1`) {
		t.Fatalf("missing config series:\n%s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `route="/api/elevenlabs/config"`) {
		t.Fatalf("missing route label:\n%s", rr.Body.String())
	}
}

func TestServer_MetricsDisabled_404(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	s, _ := newTestServer(t, cfg)

	if s.Metrics() != nil {
		t.Fatalf("expected nil metrics when disabled")
	}
	if rr := do(s.Handler(), http.MethodGet, "/metrics"); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_DrainingFailsReadiness(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	h := s.Handler()

	if rr := do(h, http.MethodGet, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz before drain status=%d body=%q", rr.Code, rr.Body.String())
	}
	s.SetDraining()
	if rr := do(h, http.MethodGet, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while draining status=%d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz while draining status=%d", rr.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodOptions, agentconfig.Path, nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}
