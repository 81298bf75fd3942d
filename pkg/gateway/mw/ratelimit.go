package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/gateway/apierror"
	"github.com/vango-go/vai-clone/pkg/gateway/config"
	"github.com/vango-go/vai-clone/pkg/gateway/metrics"
	"github.com/vango-go/vai-clone/pkg/gateway/ratelimit"
)

// RateLimit applies the per-client token bucket. A nil clock uses real time.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, clock clockwork.Clock, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if isOperationalPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.Allow(ClientIP(r, cfg.TrustProxyHeaders), clock.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit()
			reqID, _ := RequestIDFrom(r.Context())
			var retryAfter *int
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				retryAfter = &v
			}
			apierror.Write(w, r, reqID, &core.Error{
				Type:       core.ErrRateLimit,
				Message:    "rate limit exceeded",
				RetryAfter: retryAfter,
			}, 0)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isOperationalPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// Metrics records request counts and latency per route.
func Metrics(m *metrics.Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapStatus(w)
		next.ServeHTTP(sw, r)
		m.RecordRequest(routeLabel(r), r.Method, sw.status, time.Since(start))
	})
}

// routeLabel keeps label cardinality bounded.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}
