package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-clone/pkg/agentconfig"
	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/gateway/apierror"
	"github.com/vango-go/vai-clone/pkg/gateway/config"
	"github.com/vango-go/vai-clone/pkg/gateway/metrics"
	"github.com/vango-go/vai-clone/pkg/gateway/mw"
)

const agentIDMissingMessage = "ElevenLabs Agent ID not configured"

// ElevenLabsConfigHandler serves the agent id and optional API key to
// clients. It only reads process configuration, so repeated calls are
// identical.
type ElevenLabsConfigHandler struct {
	Config  config.Config
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (h ElevenLabsConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.Metrics.RecordConfigRequest(metrics.OutcomeRejected)
		w.Header().Set("Allow", "GET, HEAD")
		apierror.Write(w, r, reqID, core.NewInvalidRequestError("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	payload := agentconfig.AgentConfig{AgentID: h.Config.AgentID, APIKey: h.Config.APIKey}
	if err := payload.Validate(); err != nil {
		h.Metrics.RecordConfigRequest(metrics.OutcomeUnconfigured)
		h.logger().Warn("config requested without agent id", "request_id", reqID)
		apierror.Write(w, r, reqID, core.NewConfigurationError(agentIDMissingMessage), 0)
		return
	}

	h.Metrics.RecordConfigRequest(metrics.OutcomeServed)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h ElevenLabsConfigHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
