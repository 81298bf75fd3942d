package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-clone/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-clone/pkg/gateway/server"
	"github.com/vango-go/vai-clone/pkg/session"
	"github.com/vango-go/vai-clone/pkg/telemetry"
	"github.com/vango-go/vai-clone/pkg/tui"
)

var chatEnvKeys = []string{keyGatewayURL, keyConvAIURL, keyRevealSpeed, keyAutoReconnect, keyLogFile, config.KeyLogLevel}

func clearChatEnv(t *testing.T) {
	t.Helper()
	for _, key := range chatEnvKeys {
		t.Setenv(key, "")
	}
}

// echoConn answers every text message with an agent response.
type echoConn struct {
	events    chan session.Event
	closeOnce sync.Once
}

func newEchoConn() *echoConn { return &echoConn{events: make(chan session.Event, 16)} }

func (c *echoConn) Events() <-chan session.Event { return c.events }
func (c *echoConn) ConversationID() string       { return "conv_echo" }
func (c *echoConn) SendText(_ context.Context, text string) error {
	c.events <- session.MessageEvent{Kind: session.KindResponse, Text: "echo: " + text}
	return nil
}
func (c *echoConn) SendContextualUpdate(context.Context, string) error { return nil }
func (c *echoConn) SendActivity(context.Context) error                 { return nil }
func (c *echoConn) SetVolume(float64) error                            { return nil }
func (c *echoConn) Close(context.Context) error {
	c.closeOnce.Do(func() {
		c.events <- session.DisconnectedEvent{Code: session.CloseNormal}
		close(c.events)
	})
	return nil
}

type recordingTransport struct {
	mu   sync.Mutex
	reqs []session.OpenRequest
}

func (tr *recordingTransport) Open(_ context.Context, req session.OpenRequest) (session.Conn, error) {
	tr.mu.Lock()
	tr.reqs = append(tr.reqs, req)
	tr.mu.Unlock()
	return newEchoConn(), nil
}

func (tr *recordingTransport) requests() []session.OpenRequest {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]session.OpenRequest(nil), tr.reqs...)
}

func TestLoadChatConfig_Defaults(t *testing.T) {
	clearChatEnv(t)

	cfg, err := loadChatConfig(viper.New())
	require.NoError(t, err)
	require.Equal(t, "http://localhost:3000", cfg.GatewayURL)
	require.Equal(t, "", cfg.ConvAIURL)
	require.Equal(t, 30*time.Millisecond, cfg.RevealSpeed)
	require.False(t, cfg.AutoReconnect)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, "", cfg.LogFile)
}

func TestLoadChatConfig_Env(t *testing.T) {
	clearChatEnv(t)
	t.Setenv(keyGatewayURL, "https://clone.example")
	t.Setenv(keyConvAIURL, "wss://convai.example/v1/convai/conversation")
	t.Setenv(keyRevealSpeed, "12ms")
	t.Setenv(keyAutoReconnect, "true")
	t.Setenv(config.KeyLogLevel, "warn")

	cfg, err := loadChatConfig(viper.New())
	require.NoError(t, err)
	require.Equal(t, "https://clone.example", cfg.GatewayURL)
	require.Equal(t, "wss://convai.example/v1/convai/conversation", cfg.ConvAIURL)
	require.Equal(t, 12*time.Millisecond, cfg.RevealSpeed)
	require.True(t, cfg.AutoReconnect)
	require.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestLoadChatConfig_Validation(t *testing.T) {
	tests := []struct {
		key, val, want string
	}{
		{keyGatewayURL, "localhost:3000", keyGatewayURL + " must be an http(s) URL"},
		{keyGatewayURL, "ftp://host", keyGatewayURL + " must be an http(s) URL"},
		{keyConvAIURL, "::nope", keyConvAIURL + " must be a URL"},
		{keyRevealSpeed, "0s", keyRevealSpeed + " must be > 0"},
		{config.KeyLogLevel, "chatty", "unknown log level"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.val, func(t *testing.T) {
			clearChatEnv(t)
			t.Setenv(tc.key, tc.val)
			_, err := loadChatConfig(viper.New())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRunMain_FlagsReachComponents(t *testing.T) {
	clearChatEnv(t)
	var gotChat chatConfig
	var gotUI tui.Config

	code := runMain(context.Background(), []string{
		"--env-file", "",
		"--gateway", "http://127.0.0.1:9",
		"--ws-url", "ws://127.0.0.1:9/convai",
		"--speed", "5ms",
		"--auto-reconnect",
	}, io.Discard, chatDeps{
		newTransport: func(cfg chatConfig, _ *slog.Logger, _ *telemetry.Recorder) session.Transport {
			gotChat = cfg
			return &recordingTransport{}
		},
		runUI: func(_ context.Context, cfg tui.Config) error {
			gotUI = cfg
			return nil
		},
	})

	require.Equal(t, 0, code)
	require.Equal(t, "http://127.0.0.1:9", gotChat.GatewayURL)
	require.Equal(t, "ws://127.0.0.1:9/convai", gotChat.ConvAIURL)
	require.True(t, gotChat.AutoReconnect)
	require.Equal(t, 5*time.Millisecond, gotUI.RevealSpeed)
	require.NotNil(t, gotUI.Session)
	require.NotNil(t, gotUI.Inbox)
	require.NotNil(t, gotUI.Element)
	require.NotNil(t, gotUI.Recorder)
}

func TestRunMain_ReportsFailures(t *testing.T) {
	clearChatEnv(t)
	deps := chatDeps{
		newTransport: func(chatConfig, *slog.Logger, *telemetry.Recorder) session.Transport {
			return &recordingTransport{}
		},
		runUI: func(context.Context, tui.Config) error { return errors.New("terminal gone") },
	}

	var stderr bytes.Buffer
	require.Equal(t, 1, runMain(context.Background(), []string{"--env-file", ""}, &stderr, deps))
	require.Contains(t, stderr.String(), "clone-chat: terminal gone")

	stderr.Reset()
	require.Equal(t, 1, runMain(context.Background(), []string{"--env-file", "", "--speed", "-1s"}, &stderr, deps))
	require.Contains(t, stderr.String(), "load config")

	stderr.Reset()
	require.Equal(t, 1, runMain(context.Background(), []string{"extra"}, &stderr, deps))
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, loadEnvFile(""))
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	t.Setenv(keyRevealSpeed, "")
	os.Unsetenv(keyRevealSpeed)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(keyRevealSpeed+"=7ms\n"), 0o600))
	require.NoError(t, loadEnvFile(path))
	require.Equal(t, "7ms", os.Getenv(keyRevealSpeed))
}

func TestOpenLog_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	logger, closer, err := openLog(path, slog.LevelDebug)
	require.NoError(t, err)
	logger.Debug("hello log")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello log")

	_, _, err = openLog(filepath.Join(t.TempDir(), "missing", "dir", "chat.log"), slog.LevelInfo)
	require.Error(t, err)
}

func TestRunChat_ConversationThroughGateway(t *testing.T) {
	clearChatEnv(t)

	gv := viper.New()
	gv.Set(config.KeyAgentID, "agent_e2e")
	gv.Set(config.KeyAPIKey, "xi_secret")
	gcfg, err := config.Load(gv)
	require.NoError(t, err)

	var configHits atomic.Int32
	gw := gatewayserver.New(gcfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			configHits.Add(1)
		}
		gw.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()

	transport := &recordingTransport{}
	v := viper.New()
	v.Set(keyGatewayURL, srv.URL)

	err = runChat(context.Background(), v, chatDeps{
		newTransport: func(chatConfig, *slog.Logger, *telemetry.Recorder) session.Transport { return transport },
		runUI: func(ctx context.Context, cfg tui.Config) error {
			// Hovering pre-warms the configuration.
			cfg.Element.PointerEnter()
			require.Eventually(t, func() bool { return configHits.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, cfg.Session.Connect(ctx))
			require.NoError(t, cfg.Session.SendTextMessage(ctx, "hello"))
			require.Eventually(t, func() bool { return len(cfg.Session.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)

			msgs := cfg.Session.Messages()
			require.Equal(t, session.RoleUser, msgs[0].Role)
			require.Equal(t, "echo: hello", msgs[1].Content)
			require.Equal(t, session.RoleAssistant, msgs[1].Role)

			summary := cfg.Recorder.Summary()
			require.NotEmpty(t, summary.Operations)
			return nil
		},
	})
	require.NoError(t, err)

	reqs := transport.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, session.OpenRequest{AgentID: "agent_e2e", APIKey: "xi_secret"}, reqs[0])
}

func TestRunChat_UnconfiguredGatewayFailsConnect(t *testing.T) {
	clearChatEnv(t)

	gv := viper.New()
	gv.Set(config.KeyAgentID, "your_agent_id_here")
	gcfg, err := config.Load(gv)
	require.NoError(t, err)
	srv := httptest.NewServer(gatewayserver.New(gcfg, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler())
	defer srv.Close()

	transport := &recordingTransport{}
	v := viper.New()
	v.Set(keyGatewayURL, srv.URL)

	err = runChat(context.Background(), v, chatDeps{
		newTransport: func(chatConfig, *slog.Logger, *telemetry.Recorder) session.Transport { return transport },
		runUI: func(ctx context.Context, cfg tui.Config) error {
			err := cfg.Session.Connect(ctx)
			require.Error(t, err)
			require.Contains(t, err.Error(), "ElevenLabs Agent ID not configured")
			return nil
		},
	})
	require.NoError(t, err)
	require.Empty(t, transport.requests())
}
