package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr            = "LISTEN_ADDR"
	envVarStaticDir             = "STATIC_DIR"
	envVarLogLevel              = "LOG_LEVEL"
	envVarLogFormat             = "LOG_FORMAT"
	envVarSTUNServers           = "STUN_SERVERS"
	envVarTURNServers           = "TURN_SERVERS"
	envVarTURNUsername          = "TURN_USERNAME"
	envVarTURNCredential        = "TURN_CREDENTIAL"
	envVarUDPPortMin            = "UDP_PORT_MIN"
	envVarUDPPortMax            = "UDP_PORT_MAX"
	envVarNegotiationTimeout    = "NEGOTIATION_TIMEOUT"
	envVarTeardownTimeout       = "TEARDOWN_TIMEOUT"
	envVarShutdownTimeout       = "SHUTDOWN_TIMEOUT"
	envVarSignalingPingInterval = "SIGNALING_PING_INTERVAL"
	envVarSignalingIdleTimeout  = "SIGNALING_IDLE_TIMEOUT"

	DefaultListenAddr            = "localhost:8080"
	DefaultStaticDir             = "web"
	DefaultNegotiationTimeout    = 10 * time.Second
	DefaultTeardownTimeout       = 2 * time.Second
	DefaultShutdownTimeout       = 5 * time.Second
	DefaultSignalingPingInterval = 25 * time.Second
	DefaultSignalingIdleTimeout  = 60 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the process configuration of the loopback server
type Config struct {
	ListenAddr string
	StaticDir  string

	LogLevel  slog.Level
	LogFormat LogFormat

	STUNServers []string
	UDPPortMin  uint16
	UDPPortMax  uint16

	// TURNServers are the URLs of a single TURN server sharing one credential
	TURNServers    []string
	TURNUsername   string
	TURNCredential string

	NegotiationTimeout time.Duration
	TeardownTimeout    time.Duration
	ShutdownTimeout    time.Duration

	SignalingPingInterval time.Duration
	SignalingIdleTimeout  time.Duration
}

// Load reads configuration from flags, falling back to environment variables
// and then to defaults.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	staticDir := envOrDefault(lookup, envVarStaticDir, DefaultStaticDir)
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	stunServers := envOrDefault(lookup, envVarSTUNServers, "")
	turnServers := envOrDefault(lookup, envVarTURNServers, "")
	turnUsername := envOrDefault(lookup, envVarTURNUsername, "")
	turnCredential := envOrDefault(lookup, envVarTURNCredential, "")

	udpPortMin, err := envIntOrDefault(lookup, envVarUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	udpPortMax, err := envIntOrDefault(lookup, envVarUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}

	negotiationTimeout, err := envDurationOrDefault(lookup, envVarNegotiationTimeout, DefaultNegotiationTimeout)
	if err != nil {
		return Config{}, err
	}
	teardownTimeout, err := envDurationOrDefault(lookup, envVarTeardownTimeout, DefaultTeardownTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingIdleTimeout, DefaultSignalingIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	if udpPortMin < 0 || udpPortMax < 0 {
		return Config{}, fmt.Errorf("udp ports must not be negative (min %d, max %d)", udpPortMin, udpPortMax)
	}
	portMin, portMax := uint(udpPortMin), uint(udpPortMax)

	fs := flag.NewFlagSet("loopback-server", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory holding the HTML pages (env "+envVarStaticDir+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&stunServers, "stun-servers", stunServers, "Comma-separated STUN URLs (env "+envVarSTUNServers+")")
	fs.StringVar(&turnServers, "turn-servers", turnServers, "Comma-separated TURN URLs (env "+envVarTURNServers+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envVarTURNUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envVarTURNCredential+")")
	fs.UintVar(&portMin, "udp-port-min", portMin, "Min UDP port for ICE (0 = unset)")
	fs.UintVar(&portMax, "udp-port-max", portMax, "Max UDP port for ICE (0 = unset)")
	fs.DurationVar(&negotiationTimeout, "negotiation-timeout", negotiationTimeout, "Max wait for a transport to become ready")
	fs.DurationVar(&teardownTimeout, "teardown-timeout", teardownTimeout, "Max wait for session loops to stop during teardown")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout")
	fs.DurationVar(&pingInterval, "signaling-ping-interval", pingInterval, "WebSocket ping period (negative disables)")
	fs.DurationVar(&idleTimeout, "signaling-idle-timeout", idleTimeout, "Max signaling silence before the peer is dropped")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	minPort, err := parsePortUint(portMin)
	if err != nil {
		return Config{}, err
	}
	maxPort, err := parsePortUint(portMax)
	if err != nil {
		return Config{}, err
	}
	if (minPort == 0) != (maxPort == 0) {
		return Config{}, fmt.Errorf("udp port range needs both min and max (got %d-%d)", minPort, maxPort)
	}
	if minPort > maxPort {
		return Config{}, fmt.Errorf("udp port min %d is above max %d", minPort, maxPort)
	}

	turnURLs := splitList(turnServers)
	if len(turnURLs) > 0 && (turnUsername == "" || turnCredential == "") {
		return Config{}, fmt.Errorf("turn servers need both %s and %s", envVarTURNUsername, envVarTURNCredential)
	}

	for name, d := range map[string]time.Duration{
		"negotiation timeout": negotiationTimeout,
		"teardown timeout":    teardownTimeout,
		"shutdown timeout":    shutdownTimeout,
		"idle timeout":        idleTimeout,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return Config{
		ListenAddr:            listenAddr,
		StaticDir:             staticDir,
		LogLevel:              logLevel,
		LogFormat:             logFormat,
		STUNServers:           splitList(stunServers),
		UDPPortMin:            minPort,
		UDPPortMax:            maxPort,
		TURNServers:           turnURLs,
		TURNUsername:          turnUsername,
		TURNCredential:        turnCredential,
		NegotiationTimeout:    negotiationTimeout,
		TeardownTimeout:       teardownTimeout,
		ShutdownTimeout:       shutdownTimeout,
		SignalingPingInterval: pingInterval,
		SignalingIdleTimeout:  idleTimeout,
	}, nil
}

// NewLogger builds the process logger writing to w
func NewLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parsePortUint(v uint) (uint16, error) {
	if v > 65535 {
		return 0, fmt.Errorf("invalid port %d", v)
	}
	return uint16(v), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
