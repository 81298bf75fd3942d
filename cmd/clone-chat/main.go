// Command clone-chat is a terminal client for talking to the digital clone.
// It fetches the agent configuration from clone-gateway and holds the
// conversation over the ElevenLabs websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vango-go/vai-clone/pkg/agentconfig"
	"github.com/vango-go/vai-clone/pkg/convai"
	"github.com/vango-go/vai-clone/pkg/gateway/config"
	"github.com/vango-go/vai-clone/pkg/optimizer"
	"github.com/vango-go/vai-clone/pkg/session"
	"github.com/vango-go/vai-clone/pkg/telemetry"
	"github.com/vango-go/vai-clone/pkg/tui"
)

type chatDeps struct {
	loadEnvFile  func(path string) error
	newTransport func(chatConfig, *slog.Logger, *telemetry.Recorder) session.Transport
	runUI        func(context.Context, tui.Config) error
	prefetch     bool
}

func defaultChatDeps() chatDeps {
	return chatDeps{
		loadEnvFile:  loadEnvFile,
		newTransport: newConvAITransport,
		runUI:        tui.Run,
		prefetch:     true,
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newConvAITransport(cfg chatConfig, logger *slog.Logger, rec *telemetry.Recorder) session.Transport {
	return convai.New(
		convai.WithURL(cfg.ConvAIURL),
		convai.WithLogger(logger),
		convai.WithRecorder(rec),
	)
}

func openLog(path string, level slog.Level) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: level}
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, opts)), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, opts)), f, nil
}

func runChat(ctx context.Context, v *viper.Viper, deps chatDeps) error {
	if deps.newTransport == nil || deps.runUI == nil {
		return errors.New("missing chat dependency")
	}
	cfg, err := loadChatConfig(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := openLog(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	rec := telemetry.New(logger)
	defer rec.Close()

	client := agentconfig.NewClient(cfg.GatewayURL, agentconfig.WithRecorder(rec))
	opt := optimizer.New(client, optimizer.WithLogger(logger), optimizer.WithRecorder(rec))
	defer opt.Close()
	if deps.prefetch {
		go opt.PrefetchNetworkHints(ctx)
	}

	element := optimizer.NewElement()
	release := opt.RegisterIntentTriggers(element, opt.PreWarmOnIntent(ctx))
	defer release()

	inbox := tui.NewInbox(0)
	adapter := session.New(deps.newTransport(cfg, logger, rec), opt,
		session.WithAutoReconnect(cfg.AutoReconnect),
		session.WithLogger(logger),
		session.WithRecorder(rec),
		session.WithOnMessage(inbox.OnMessage),
		session.WithOnError(inbox.OnError),
		session.WithOnStateChange(inbox.OnStateChange),
		session.WithOnConnectionChange(inbox.OnConnectionChange),
	)

	logger.Info("starting chat", "gateway", cfg.GatewayURL, "auto_reconnect", cfg.AutoReconnect)
	uiErr := deps.runUI(ctx, tui.Config{
		Session:     adapter,
		Inbox:       inbox,
		Element:     element,
		Recorder:    rec,
		RevealSpeed: cfg.RevealSpeed,
	})

	if err := adapter.Close(); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}
	inbox.Close()
	rec.LogSummary()
	telemetry.LogAnalysis(logger, telemetry.MetricsFromTimings(telemetry.DeviceDesktop, rec.Durations()))
	return uiErr
}

func newRootCmd(ctx context.Context, deps chatDeps) *cobra.Command {
	v := viper.New()
	var envFile string

	cmd := &cobra.Command{
		Use:           "clone-chat",
		Short:         "Chat with the digital clone from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadEnvFile != nil {
				if err := deps.loadEnvFile(envFile); err != nil {
					return err
				}
			}
			return runChat(ctx, v, deps)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("gateway", "", "clone-gateway base URL (overrides "+keyGatewayURL+")")
	flags.String("ws-url", "", "conversation websocket URL (overrides "+keyConvAIURL+")")
	flags.Duration("speed", 0, "per-character reveal delay (overrides "+keyRevealSpeed+")")
	flags.Bool("auto-reconnect", false, "reconnect once after an abnormal disconnect (overrides "+keyAutoReconnect+")")
	flags.String("log-level", "", "log level: debug, info, warn, error (overrides "+config.KeyLogLevel+")")
	flags.String("log-file", "", "append logs to this file (overrides "+keyLogFile+")")
	_ = v.BindPFlag(keyGatewayURL, flags.Lookup("gateway"))
	_ = v.BindPFlag(keyConvAIURL, flags.Lookup("ws-url"))
	_ = v.BindPFlag(keyRevealSpeed, flags.Lookup("speed"))
	_ = v.BindPFlag(keyAutoReconnect, flags.Lookup("auto-reconnect"))
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(keyLogFile, flags.Lookup("log-file"))

	return cmd
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps chatDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	cmd := newRootCmd(ctx, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "clone-chat: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stderr, defaultChatDeps()))
}
