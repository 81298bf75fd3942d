package server

import (
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-clone/pkg/agentconfig"
	"github.com/vango-go/vai-clone/pkg/gateway/config"
	"github.com/vango-go/vai-clone/pkg/gateway/handlers"
	"github.com/vango-go/vai-clone/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-clone/pkg/gateway/metrics"
	"github.com/vango-go/vai-clone/pkg/gateway/mw"
	"github.com/vango-go/vai-clone/pkg/gateway/ratelimit"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	clock  clockwork.Clock

	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
}

type Option func(*Server)

// WithClock drives rate limiting and uptime from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.lifecycle = lifecycle.New(s.clock)
	if cfg.MetricsEnabled {
		s.metrics = metrics.New(metrics.DefaultNamespace)
	}
	limits := ratelimit.Config{RPS: cfg.LimitRPS, Burst: cfg.LimitBurst}
	if limits.Enabled() {
		s.limiter = ratelimit.New(limits)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Method checks live in the handler so other verbs get a JSON 405.
	s.mux.Handle(agentconfig.Path, handlers.ElevenLabsConfigHandler{
		Config:  s.cfg,
		Metrics: s.metrics,
		Logger:  s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.metrics, s.clock, h)
	h = mw.Metrics(s.metrics, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, s.metrics, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining marks the gateway not ready so load balancers stop routing to it.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.lifecycle
}

// Metrics is nil when metrics are disabled.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}
