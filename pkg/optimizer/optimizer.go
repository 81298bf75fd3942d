// Package optimizer reduces perceived connection latency: it pre-warms and
// caches the agent configuration, opens network hints to the vendor host and
// turns user intent signals into pre-warm calls.
package optimizer

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-clone/pkg/agentconfig"
	"github.com/vango-go/vai-clone/pkg/telemetry"
)

const (
	DefaultTTL              = 60 * time.Second
	DefaultPreWarmCooldown  = 30 * time.Second
	DefaultIntentCooldown   = 60 * time.Second
	DefaultHintOrigin       = "https://api.elevenlabs.io"
	defaultHintRequestLimit = 5 * time.Second
)

// Fetcher retrieves a fresh configuration. *agentconfig.Client implements it.
type Fetcher interface {
	FetchConfig(ctx context.Context) (*agentconfig.AgentConfig, error)
}

// Resolver resolves host names. *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// CacheEntry is a cached configuration and the time it was fetched.
type CacheEntry struct {
	Payload   *agentconfig.AgentConfig
	FetchedAt time.Time
}

// Option configures an Optimizer.
type Option func(*Optimizer)

func WithClock(c clockwork.Clock) Option {
	return func(o *Optimizer) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(o *Optimizer) { o.recorder = r }
}

// WithTTL sets how long a cached configuration stays valid.
func WithTTL(d time.Duration) Option {
	return func(o *Optimizer) {
		if d > 0 {
			o.ttl = d
		}
	}
}

func WithPreWarmCooldown(d time.Duration) Option {
	return func(o *Optimizer) {
		if d > 0 {
			o.preWarmCooldown = d
		}
	}
}

func WithIntentCooldown(d time.Duration) Option {
	return func(o *Optimizer) {
		if d > 0 {
			o.intentCooldown = d
		}
	}
}

// WithHintOrigin sets the origin warmed by PrefetchNetworkHints.
func WithHintOrigin(origin string) Option {
	return func(o *Optimizer) {
		if origin != "" {
			o.hintOrigin = origin
		}
	}
}

func WithResolver(r Resolver) Option {
	return func(o *Optimizer) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithHTTPClient sets the client whose connection pool PrefetchNetworkHints
// warms.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Optimizer) {
		if hc != nil {
			o.httpClient = hc
		}
	}
}

// Optimizer is safe for concurrent use. Only PreWarm writes the cache.
type Optimizer struct {
	fetcher    Fetcher
	clock      clockwork.Clock
	logger     *slog.Logger
	recorder   *telemetry.Recorder
	resolver   Resolver
	httpClient *http.Client

	ttl             time.Duration
	preWarmCooldown time.Duration
	intentCooldown  time.Duration
	hintOrigin      string

	preWarm *Latch

	mu    sync.RWMutex
	cache *CacheEntry
}

// New creates an Optimizer that fetches through fetcher.
func New(fetcher Fetcher, opts ...Option) *Optimizer {
	o := &Optimizer{
		fetcher:         fetcher,
		clock:           clockwork.NewRealClock(),
		logger:          slog.Default(),
		resolver:        net.DefaultResolver,
		httpClient:      &http.Client{Timeout: defaultHintRequestLimit},
		ttl:             DefaultTTL,
		preWarmCooldown: DefaultPreWarmCooldown,
		intentCooldown:  DefaultIntentCooldown,
		hintOrigin:      DefaultHintOrigin,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.preWarm = NewLatch(o.clock, o.preWarmCooldown)
	return o
}

// PrefetchNetworkHints resolves the vendor host and opens a pooled
// connection to it. Failures are logged and otherwise ignored.
func (o *Optimizer) PrefetchNetworkHints(ctx context.Context) {
	u, err := url.Parse(o.hintOrigin)
	if err != nil || u.Host == "" {
		o.logger.Warn("invalid hint origin", "origin", o.hintOrigin, "error", err)
		return
	}

	if _, err := o.resolver.LookupHost(ctx, u.Hostname()); err != nil {
		o.logger.Warn("dns prefetch failed", "host", u.Hostname(), "error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.Scheme+"://"+u.Host, nil)
	if err != nil {
		o.logger.Warn("preconnect failed", "origin", o.hintOrigin, "error", err)
		return
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Warn("preconnect failed", "origin", o.hintOrigin, "error", err)
		return
	}
	resp.Body.Close()
	o.recorder.Mark("network_hints", map[string]any{"origin": o.hintOrigin})
	o.logger.Debug("dns prefetch and preconnect done", "origin", o.hintOrigin)
}

// PreWarm fetches and caches the configuration. While a previous pre-warm is
// within its cooldown it returns (nil, nil) without doing anything. A valid
// cache entry is returned without touching the network. A failed fetch
// leaves the cache as it was.
func (o *Optimizer) PreWarm(ctx context.Context) (*agentconfig.AgentConfig, error) {
	if !o.preWarm.Arm() {
		return nil, nil
	}
	defer o.preWarm.ScheduleReset()

	if cfg, ok := o.GetCachedConfig(); ok {
		o.logger.Debug("using cached config")
		return cfg, nil
	}

	cfg, err := o.fetcher.FetchConfig(ctx)
	if err != nil {
		o.logger.Error("pre-warm failed", "error", err)
		return nil, err
	}

	o.mu.Lock()
	o.cache = &CacheEntry{Payload: cfg.Clone(), FetchedAt: o.clock.Now()}
	o.mu.Unlock()

	o.logger.Info("connection pre-warmed")
	return cfg, nil
}

// GetCachedConfig returns the cached configuration while it is younger than
// the TTL.
func (o *Optimizer) GetCachedConfig() (*agentconfig.AgentConfig, bool) {
	o.mu.RLock()
	entry := o.cache
	o.mu.RUnlock()
	if entry == nil || o.clock.Since(entry.FetchedAt) >= o.ttl {
		return nil, false
	}
	return entry.Payload.Clone(), true
}

// Config returns the cached configuration, or fetches a fresh one without
// caching it.
func (o *Optimizer) Config(ctx context.Context) (*agentconfig.AgentConfig, error) {
	if cfg, ok := o.GetCachedConfig(); ok {
		return cfg, nil
	}
	return o.fetcher.FetchConfig(ctx)
}

// PreWarmOnIntent returns an intent callback that pre-warms in the background.
func (o *Optimizer) PreWarmOnIntent(ctx context.Context) func() {
	return func() {
		go func() {
			_, _ = o.PreWarm(ctx)
		}()
	}
}

// IntentCooldown is the minimum spacing between intent callbacks.
func (o *Optimizer) IntentCooldown() time.Duration {
	return o.intentCooldown
}

// Close stops the pre-warm latch timer.
func (o *Optimizer) Close() {
	o.preWarm.Stop()
}
