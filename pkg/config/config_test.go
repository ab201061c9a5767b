package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaults(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.StaticDir != DefaultStaticDir {
		t.Fatalf("StaticDir=%q, want %q", cfg.StaticDir, DefaultStaticDir)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != LogFormatText {
		t.Fatalf("log level/format=%v/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.STUNServers) != 0 {
		t.Fatalf("expected no STUN servers, got %v", cfg.STUNServers)
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		t.Fatalf("expected unset port range, got %d-%d", cfg.UDPPortMin, cfg.UDPPortMax)
	}
	if cfg.NegotiationTimeout != DefaultNegotiationTimeout {
		t.Fatalf("NegotiationTimeout=%v, want %v", cfg.NegotiationTimeout, DefaultNegotiationTimeout)
	}
	if cfg.TeardownTimeout != DefaultTeardownTimeout {
		t.Fatalf("TeardownTimeout=%v, want %v", cfg.TeardownTimeout, DefaultTeardownTimeout)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.SignalingPingInterval != DefaultSignalingPingInterval || cfg.SignalingIdleTimeout != DefaultSignalingIdleTimeout {
		t.Fatalf("signaling timings=%v/%v", cfg.SignalingPingInterval, cfg.SignalingIdleTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:            "0.0.0.0:9000",
		envVarLogLevel:              "DEBUG",
		envVarLogFormat:             "json",
		envVarSTUNServers:           "stun:a.example:3478, ,stun:b.example:3478",
		envVarTURNServers:           "turn:t.example:3478?transport=udp,turns:t.example:5349",
		envVarTURNUsername:          "relay",
		envVarTURNCredential:        "s3cret",
		envVarUDPPortMin:            "50000",
		envVarUDPPortMax:            "50100",
		envVarTeardownTimeout:       "500ms",
		envVarSignalingPingInterval: "-1s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("log level/format=%v/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[1] != "stun:b.example:3478" {
		t.Fatalf("STUNServers=%v", cfg.STUNServers)
	}
	if len(cfg.TURNServers) != 2 || cfg.TURNServers[1] != "turns:t.example:5349" {
		t.Fatalf("TURNServers=%v", cfg.TURNServers)
	}
	if cfg.TURNUsername != "relay" || cfg.TURNCredential != "s3cret" {
		t.Fatalf("TURN credentials=%q/%q", cfg.TURNUsername, cfg.TURNCredential)
	}
	if cfg.UDPPortMin != 50000 || cfg.UDPPortMax != 50100 {
		t.Fatalf("port range=%d-%d", cfg.UDPPortMin, cfg.UDPPortMax)
	}
	if cfg.TeardownTimeout != 500*time.Millisecond {
		t.Fatalf("TeardownTimeout=%v", cfg.TeardownTimeout)
	}
	if cfg.SignalingPingInterval >= 0 {
		t.Fatalf("expected pings disabled, got %v", cfg.SignalingPingInterval)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "0.0.0.0:9000",
		envVarStaticDir:  "/srv/pages",
	}), []string{"--listen-addr", "127.0.0.1:7000", "--negotiation-timeout", "3s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.StaticDir != "/srv/pages" {
		t.Fatalf("StaticDir=%q, want env value", cfg.StaticDir)
	}
	if cfg.NegotiationTimeout != 3*time.Second {
		t.Fatalf("NegotiationTimeout=%v", cfg.NegotiationTimeout)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "log level", env: map[string]string{envVarLogLevel: "verbose"}},
		{name: "log format", env: map[string]string{envVarLogFormat: "xml"}},
		{name: "duration", env: map[string]string{envVarShutdownTimeout: "soon"}},
		{name: "zero teardown", args: []string{"--teardown-timeout", "0s"}},
		{name: "port not a number", env: map[string]string{envVarUDPPortMin: "low"}},
		{name: "port out of range", args: []string{"--udp-port-min", "70000", "--udp-port-max", "70001"}},
		{name: "half range", args: []string{"--udp-port-min", "50000"}},
		{name: "inverted range", args: []string{"--udp-port-min", "50100", "--udp-port-max", "50000"}},
		{name: "unknown flag", args: []string{"--port", "80"}},
		{name: "turn without credential", env: map[string]string{envVarTURNServers: "turn:t.example:3478", envVarTURNUsername: "relay"}},
		{name: "turn without username", args: []string{"--turn-servers", "turn:t.example:3478", "--turn-credential", "s3cret"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(lookupMap(tt.env), tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{LogLevel: slog.LevelWarn, LogFormat: LogFormatJSON}, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "sessionID", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record passed a warn-level logger: %s", out)
	}
	if !strings.Contains(out, `"sessionID":"abc"`) {
		t.Errorf("expected JSON output, got %s", out)
	}

	if _, err := NewLogger(Config{LogFormat: "xml"}, &buf); err == nil {
		t.Error("expected error for unsupported format")
	}
}
