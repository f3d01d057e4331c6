// Package config loads the relay's runtime configuration from environment
// variables plus optional flag overrides, and builds the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vcall/signaling-relay/internal/origin"
)

const (
	envVarListenAddr      = "VCALL_SIGNALING_LISTEN_ADDR"
	envVarMode            = "VCALL_SIGNALING_MODE"
	envVarLogFormat       = "VCALL_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "VCALL_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "VCALL_SIGNALING_SHUTDOWN_TIMEOUT"

	envVarAllowedOrigins = "ALLOWED_ORIGINS"

	// Per-connection signaling hardening.
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarSendQueueFrames      = "SIGNALING_SEND_QUEUE_FRAMES"

	// TURN REST credential minting (coturn-compatible). Enabled when the
	// shared secret is set; TURN entries in the ICE list may then omit static
	// credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second

	// DefaultSendQueueFrames bounds the per-connection outbound queue. Frames
	// beyond it are dropped rather than blocking the router on one slow client.
	DefaultSendQueueFrames = 64

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "vcall"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins is the browser Origin allowlist. Empty means same-host
	// only; "*" disables the check entirely (development use).
	AllowedOrigins []string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	SendQueueFrames      int

	// ICEServers is served to browsers via GET /webrtc/ice so they can
	// construct RTCPeerConnections; the relay itself never opens media sockets.
	ICEServers []webrtc.ICEServer

	TURNREST TurnRESTConfig
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:           envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		Mode:                 DefaultMode,
		ShutdownTimeout:      DefaultShutdownTimeout,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		WSIdleTimeout:        DefaultWSIdleTimeout,
		WSPingInterval:       DefaultWSPingInterval,
		SendQueueFrames:      DefaultSendQueueFrames,
	}

	if raw, ok := lookup(envVarMode); ok && strings.TrimSpace(raw) != "" {
		mode, err := parseMode(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Mode = mode
	}

	logFormat := envOrDefault(lookup, envVarLogFormat, string(defaultLogFormat(cfg.Mode)))
	switch LogFormat(strings.ToLower(strings.TrimSpace(logFormat))) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid %s %q", envVarLogFormat, logFormat)
	}

	level, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSIdleTimeout, err = envDurationOrDefault(lookup, envVarWSIdleTimeout, cfg.WSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval, err = envDurationOrDefault(lookup, envVarWSPingInterval, cfg.WSPingInterval); err != nil {
		return Config{}, err
	}

	maxBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(cfg.MaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, cfg.MaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueFrames, err = envIntOrDefault(lookup, envVarSendQueueFrames, cfg.SendQueueFrames); err != nil {
		return Config{}, err
	}

	if raw, ok := lookup(envVarAllowedOrigins); ok {
		origins, err := parseAllowedOrigins(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.AllowedOrigins = origins
	}

	cfg.TURNREST = TurnRESTConfig{
		SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
		TTL:            DefaultTURNRESTTTL,
		UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
	}
	if cfg.TURNREST.TTL, err = envDurationOrDefault(lookup, envVarTURNRESTTTL, cfg.TURNREST.TTL); err != nil {
		return Config{}, err
	}

	cfg.ICEServers, err = loadICEServers(lookup, cfg.TURNREST.Enabled())
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("vcall-signaling", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP address to listen on (host:port)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen addr %q: %w", cfg.ListenAddr, err)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarShutdownTimeout)
	}
	if cfg.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessagesPerSecond)
	}
	if cfg.SendQueueFrames <= 0 {
		return fmt.Errorf("%s must be positive", envVarSendQueueFrames)
	}
	if cfg.WSIdleTimeout <= 0 || cfg.WSPingInterval <= 0 {
		return fmt.Errorf("%s and %s must be positive", envVarWSIdleTimeout, envVarWSPingInterval)
	}
	if cfg.WSPingInterval >= cfg.WSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if cfg.TURNREST.Enabled() {
		if cfg.TURNREST.TTL < time.Second {
			return fmt.Errorf("%s must be at least one second", envVarTURNRESTTTL)
		}
		if strings.ContainsRune(cfg.TURNREST.UsernamePrefix, ':') {
			return fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}
	return nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd, "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid %s %q", envVarMode, raw)
	}
}

func defaultLogFormat(mode Mode) LogFormat {
	if mode == ModeProd {
		return LogFormatJSON
	}
	return LogFormatText
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

// parseAllowedOrigins validates the comma-separated allowlist. Entries other
// than "*" must normalize cleanly so the runtime comparison is exact.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("%s: invalid origin %q", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
