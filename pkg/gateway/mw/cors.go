package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/gateway/apierror"
	"github.com/vango-go/vai-clone/pkg/gateway/config"
)

// The gateway only serves reads, so a browser never needs more than these.
const (
	corsMethods = "GET, HEAD"
	corsHeaders = "X-Request-ID"
	corsExposed = "X-Request-ID, Retry-After"
	corsMaxAge  = "600"
)

// corsPolicy is the origin allowlist. An empty list disables CORS entirely.
type corsPolicy map[string]struct{}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := p[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// preflight answers an OPTIONS request, returning the rejection reason if the
// browser asked for something this gateway never serves.
func (p corsPolicy) preflight(w http.ResponseWriter, r *http.Request) string {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if !p.allows(origin) {
		return "origin not allowed"
	}
	switch strings.ToUpper(strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))) {
	case http.MethodGet, http.MethodHead:
	default:
		return "method not allowed"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", corsMethods)
	h.Set("Access-Control-Allow-Headers", corsHeaders)
	h.Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
	return ""
}

// CORS lets allowlisted browser origins read the config route. Requests from
// other origins still reach the handler, just without CORS headers, so the
// browser is the one that refuses them.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	policy := corsPolicy(cfg.CORSAllowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPreflight(r) {
			if reason := policy.preflight(w, r); reason != "" {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, r, reqID, core.NewInvalidRequestError("cors preflight rejected: "+reason), http.StatusForbidden)
			}
			return
		}

		if origin := strings.TrimSpace(r.Header.Get("Origin")); policy.allows(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposed)
		}
		next.ServeHTTP(w, r)
	})
}
