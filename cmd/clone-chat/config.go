package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/vai-clone/pkg/gateway/config"
	"github.com/vango-go/vai-clone/pkg/reveal"
)

const (
	keyGatewayURL    = "CLONE_GATEWAY_URL"
	keyConvAIURL     = "CLONE_CONVAI_URL"
	keyRevealSpeed   = "CLONE_REVEAL_SPEED"
	keyAutoReconnect = "CLONE_AUTO_RECONNECT"
	keyLogFile       = "CLONE_LOG_FILE"
)

type chatConfig struct {
	GatewayURL    string
	ConvAIURL     string
	RevealSpeed   time.Duration
	AutoReconnect bool
	LogLevel      slog.Level
	// LogFile receives logs; empty discards them. The UI owns the terminal.
	LogFile string
}

func setChatDefaults(v *viper.Viper) {
	v.SetDefault(keyGatewayURL, "http://localhost:3000")
	v.SetDefault(keyRevealSpeed, reveal.DefaultSpeed)
	v.SetDefault(keyAutoReconnect, false)
	v.SetDefault(config.KeyLogLevel, "info")
}

func loadChatConfig(v *viper.Viper) (chatConfig, error) {
	if v == nil {
		v = viper.New()
	}
	setChatDefaults(v)
	v.AutomaticEnv()

	cfg := chatConfig{
		GatewayURL:    strings.TrimSpace(v.GetString(keyGatewayURL)),
		ConvAIURL:     strings.TrimSpace(v.GetString(keyConvAIURL)),
		RevealSpeed:   v.GetDuration(keyRevealSpeed),
		AutoReconnect: v.GetBool(keyAutoReconnect),
		LogFile:       strings.TrimSpace(v.GetString(keyLogFile)),
	}

	u, err := url.Parse(cfg.GatewayURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return chatConfig{}, fmt.Errorf("%s must be an http(s) URL, got %q", keyGatewayURL, cfg.GatewayURL)
	}
	if cfg.ConvAIURL != "" {
		if u, err := url.Parse(cfg.ConvAIURL); err != nil || u.Host == "" {
			return chatConfig{}, fmt.Errorf("%s must be a URL, got %q", keyConvAIURL, cfg.ConvAIURL)
		}
	}
	if cfg.RevealSpeed <= 0 {
		return chatConfig{}, fmt.Errorf("%s must be > 0", keyRevealSpeed)
	}

	level, err := config.ParseLogLevel(v.GetString(config.KeyLogLevel))
	if err != nil {
		return chatConfig{}, fmt.Errorf("%s: %w", config.KeyLogLevel, err)
	}
	cfg.LogLevel = level
	return cfg, nil
}
