package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/config"
	"github.com/silviot/webrtc_audio_loopback_go/pkg/pages"
	"github.com/silviot/webrtc_audio_loopback_go/pkg/session"
	"github.com/silviot/webrtc_audio_loopback_go/pkg/signaling"
	"github.com/silviot/webrtc_audio_loopback_go/pkg/webrtc"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("loopback server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting loopback server",
		"addr", cfg.ListenAddr,
		"static_dir", cfg.StaticDir,
		"stun_servers", cfg.STUNServers)

	rtcMgr, err := webrtc.NewManager(connectionConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to create WebRTC manager: %w", err)
	}

	sessionMgr := session.NewManager(session.ManagerConfig{
		NewTransport: func(conn session.Conn, opts webrtc.Options) (session.Transport, error) {
			t, err := rtcMgr.NewTransport(conn, opts)
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		Signaling: signaling.Config{
			PingInterval: cfg.SignalingPingInterval,
			IdleTimeout:  cfg.SignalingIdleTimeout,
		},
		NegotiationTimeout: cfg.NegotiationTimeout,
		TeardownTimeout:    cfg.TeardownTimeout,
		Logger:             logger,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(sessionMgr, pages.NewHandler(os.DirFS(cfg.StaticDir), logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Sessions first: /ws handlers block until their session closed, so
	// Shutdown would otherwise wait for every peer to hang up.
	if err := sessionMgr.Close(shutdownCtx); err != nil {
		logger.Error("session shutdown incomplete", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("loopback server stopped")
	return nil
}

type sessionCounter interface {
	SessionCount() int
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

func newMux(sessions sessionCounter, pageHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	// Signaling
	mux.HandleFunc("GET /ws", sessions.HandleWebSocket)

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"sessions":  sessions.SessionCount(),
			"timestamp": time.Now().Unix(),
		})
	})

	// Metrics endpoint
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP loopback_sessions_active Number of active loopback sessions\n")
		fmt.Fprintf(w, "# TYPE loopback_sessions_active gauge\n")
		fmt.Fprintf(w, "loopback_sessions_active %d\n", sessions.SessionCount())
	})

	// Static pages: GET / and GET /{name}.html
	mux.Handle("GET /{file...}", pageHandler)

	return mux
}

func connectionConfig(cfg config.Config) webrtc.ConnectionConfig {
	conn := webrtc.ConnectionConfig{
		STUN:       cfg.STUNServers,
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
	}
	if len(cfg.TURNServers) > 0 {
		conn.TURN = []webrtc.TURNServer{{
			URLs:       cfg.TURNServers,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		}}
	}
	return conn
}
