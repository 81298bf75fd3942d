// Package agentconfig holds the configuration payload served by the gateway
// and the HTTP client that fetches it.
package agentconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/telemetry"
)

// Path is the route the gateway serves the configuration on.
const Path = "/api/elevenlabs/config"

// PlaceholderAgentID is the value shipped in sample env files. It counts as
// unset.
const PlaceholderAgentID = "your_agent_id_here"

const maxResponseBytes = 64 << 10

// fetchTimeout bounds a shared fetch, which outlives any single caller.
const fetchTimeout = 10 * time.Second

// AgentConfig is what a client needs to open a vendor session.
type AgentConfig struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey,omitempty"`
}

// Validate reports a configuration error when the agent id is missing.
func (c *AgentConfig) Validate() error {
	if c == nil {
		return core.NewConfigurationError("Agent ID not configured")
	}
	if id := strings.TrimSpace(c.AgentID); id == "" || id == PlaceholderAgentID {
		return core.NewConfigurationError("Agent ID not configured")
	}
	return nil
}

// Clone returns a copy so cached payloads are never mutated by callers.
func (c *AgentConfig) Clone() *AgentConfig {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// Client fetches AgentConfig from a gateway. Concurrent fetches share one
// request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	recorder   *telemetry.Recorder
	group      singleflight.Group
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRecorder records a fetch_config span per network fetch.
func WithRecorder(r *telemetry.Recorder) ClientOption {
	return func(c *Client) {
		c.recorder = r
	}
}

// NewClient creates a Client for the gateway at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchConfig retrieves the configuration. A gateway error envelope is
// returned as *core.Error.
//
// Concurrent callers share one request, which runs detached from every
// caller's context. A caller whose ctx ends stops waiting without failing
// the others.
func (c *Client) FetchConfig(ctx context.Context) (*AgentConfig, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := c.group.DoChan("config", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AgentConfig).Clone(), nil
	case <-ctx.Done():
		return nil, core.NewTransportError("fetch configuration", ctx.Err())
	}
}

func (c *Client) fetch(ctx context.Context) (*AgentConfig, error) {
	c.recorder.StartSpan(telemetry.SpanFetchConfig, nil)
	cfg, err := c.do(ctx)
	c.recorder.EndSpan(telemetry.SpanFetchConfig, map[string]any{"ok": err == nil})
	return cfg, err
}

func (c *Client) do(ctx context.Context) (*AgentConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+Path, nil)
	if err != nil {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("build config request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewTransportError("fetch configuration", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, core.NewTransportError("read configuration", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorBody(resp.StatusCode, body)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, core.NewAPIError(fmt.Sprintf("decode configuration: %v", err))
	}
	return &cfg, nil
}

func decodeErrorBody(status int, body []byte) error {
	var env struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error
	}
	return &core.Error{
		Type:    core.ErrAPI,
		Message: "Failed to fetch configuration",
		Code:    fmt.Sprintf("http_%d", status),
	}
}
