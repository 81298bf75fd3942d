package telemetry

import (
	"fmt"
	"log/slog"
	"time"
)

// Device selects the threshold set used by AnalyzeBottlenecks.
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// Metrics are the connection-flow timings of one session start.
type Metrics struct {
	Device      Device
	Platform    string
	NetworkType string

	ConfigFetch         time.Duration
	SessionCreation     time.Duration
	WebsocketConnection time.Duration
	FirstMessage        time.Duration
	Total               time.Duration
}

type thresholds struct {
	configFetch         time.Duration
	sessionCreation     time.Duration
	websocketConnection time.Duration
	firstMessage        time.Duration
	total               time.Duration
}

func thresholdsFor(d Device) thresholds {
	if d == DeviceMobile {
		return thresholds{
			configFetch:         500 * time.Millisecond,
			sessionCreation:     2000 * time.Millisecond,
			websocketConnection: 1000 * time.Millisecond,
			firstMessage:        3000 * time.Millisecond,
			total:               5000 * time.Millisecond,
		}
	}
	return thresholds{
		configFetch:         200 * time.Millisecond,
		sessionCreation:     1000 * time.Millisecond,
		websocketConnection: 500 * time.Millisecond,
		firstMessage:        1500 * time.Millisecond,
		total:               2000 * time.Millisecond,
	}
}

var slowNetworks = map[string]bool{"slow-2g": true, "2g": true, "3g": true}

// MetricsFromTimings builds Metrics from span durations keyed by span name.
// Missing spans count as zero.
func MetricsFromTimings(device Device, timings map[string]time.Duration) Metrics {
	if device == "" {
		device = DeviceDesktop
	}
	return Metrics{
		Device:              device,
		ConfigFetch:         timings[SpanFetchConfig],
		SessionCreation:     timings[SpanSessionCreation],
		WebsocketConnection: timings[SpanWebsocketConnection],
		FirstMessage:        timings[SpanFirstMessage],
		Total:               timings[SpanTotalConnection],
	}
}

// AnalyzeBottlenecks lists the phases that exceeded the device's threshold.
func AnalyzeBottlenecks(m Metrics) []string {
	th := thresholdsFor(m.Device)
	var out []string
	if m.ConfigFetch > th.configFetch {
		out = append(out, fmt.Sprintf("Config fetch is slow (%dms). Consider edge caching or CDN.", m.ConfigFetch.Milliseconds()))
	}
	if m.SessionCreation > th.sessionCreation {
		out = append(out, fmt.Sprintf("Session creation is slow (%dms). Check ElevenLabs API latency.", m.SessionCreation.Milliseconds()))
	}
	if m.WebsocketConnection > th.websocketConnection {
		out = append(out, fmt.Sprintf("WebSocket connection is slow (%dms). Check network conditions.", m.WebsocketConnection.Milliseconds()))
	}
	if m.FirstMessage > th.firstMessage {
		out = append(out, fmt.Sprintf("Time to first message is slow (%dms). Check agent configuration.", m.FirstMessage.Milliseconds()))
	}
	return out
}

// Recommendations suggests mitigations for the observed timings.
func Recommendations(m Metrics) []string {
	var out []string
	if m.Device == DeviceMobile {
		if m.Total > thresholdsFor(DeviceMobile).total {
			out = append(out, "Consider implementing a loading skeleton or progressive UI")
		}
		if slowNetworks[m.NetworkType] {
			out = append(out, "Detected slow network. Consider offline-first approach or service workers")
		}
	}
	if m.ConfigFetch > 300*time.Millisecond {
		out = append(out,
			"Implement config pre-warming on app load",
			"Consider caching config with stale-while-revalidate strategy",
		)
	}
	if m.SessionCreation > 1500*time.Millisecond {
		out = append(out,
			"Pre-establish WebSocket connection before user interaction",
			"Consider connection pooling or persistent sessions",
		)
	}
	if m.FirstMessage > 2000*time.Millisecond {
		out = append(out,
			"Optimize ElevenLabs agent configuration for faster response",
			"Consider streaming initial response while processing",
		)
	}
	if m.ConfigFetch > 500*time.Millisecond && m.SessionCreation > 2000*time.Millisecond {
		out = append(out, "Likely cold start detected. Implement warm-up strategies")
	}
	return out
}

// LogAnalysis writes bottlenecks as warnings and recommendations as info.
func LogAnalysis(logger *slog.Logger, m Metrics) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"device", string(m.Device)}
	if m.Platform != "" {
		attrs = append(attrs, "platform", m.Platform)
	}
	if m.NetworkType != "" {
		attrs = append(attrs, "network", m.NetworkType)
	}
	logger.Info("performance analysis", attrs...)
	for _, b := range AnalyzeBottlenecks(m) {
		logger.Warn("bottleneck", "detail", b)
	}
	for _, r := range Recommendations(m) {
		logger.Info("recommendation", "detail", r)
	}
}
