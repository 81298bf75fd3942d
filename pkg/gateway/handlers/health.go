package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-clone/pkg/agentconfig"
	"github.com/vango-go/vai-clone/pkg/gateway/config"
	"github.com/vango-go/vai-clone/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte("ok\n"))
	}
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining,omitempty"`
		AgentIDSet     bool     `json:"agent_id_set"`
		APIKeySet      bool     `json:"api_key_set"`
		CORSEnabled    bool     `json:"cors_enabled"`
		LimitsEnabled  bool     `json:"limits_enabled"`
		MetricsEnabled bool     `json:"metrics_enabled"`
		UptimeSeconds  int64    `json:"uptime_seconds"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	agentIDSet := (&agentconfig.AgentConfig{AgentID: h.Config.AgentID}).Validate() == nil
	if !agentIDSet {
		issues = append(issues, "ElevenLabs Agent ID not configured")
	}
	if h.Config.LimitRPS < 0 || h.Config.LimitBurst < 0 {
		issues = append(issues, "rate limits must be >= 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		AgentIDSet:     agentIDSet,
		APIKeySet:      h.Config.APIKey != "",
		CORSEnabled:    len(h.Config.CORSAllowedOrigins) > 0,
		LimitsEnabled:  h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0,
		MetricsEnabled: h.Config.MetricsEnabled,
		UptimeSeconds:  int64(h.Lifecycle.Uptime().Seconds()),
		Issues:         issues,
	})
}
