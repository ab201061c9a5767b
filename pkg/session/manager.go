package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/signaling"
)

// Manager tracks every live Session so they can all be torn down on shutdown
type Manager struct {
	sessions     map[string]*Session // sessionID -> Session
	mu           sync.RWMutex
	closed       bool
	sessionCfg   Config
	signalingCfg signaling.Config
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ManagerConfig holds configuration for the session manager
type ManagerConfig struct {
	NewTransport       TransportFactory
	Signaling          signaling.Config
	NegotiationTimeout time.Duration
	TeardownTimeout    time.Duration
	OnStateChange      func(id string, from, to State)
	Logger             *slog.Logger
}

// NewManager creates a new session manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		sessions: make(map[string]*Session),
		sessionCfg: Config{
			NewTransport:       cfg.NewTransport,
			NegotiationTimeout: cfg.NegotiationTimeout,
			TeardownTimeout:    cfg.TeardownTimeout,
			OnStateChange:      cfg.OnStateChange,
			Logger:             cfg.Logger,
		},
		signalingCfg: cfg.Signaling,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Accept starts a session on conn and tracks it until it closes. Close
// waits for an Accept already in progress, including its teardown.
func (m *Manager) Accept(conn Conn) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	s, err := Accept(m.ctx, conn, m.sessionCfg)
	if err != nil {
		m.wg.Done()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		// Close ran during negotiation; m.ctx is cancelled so s is tearing down
		<-s.Done()
		m.wg.Done()
		m.logger.Info("session closed during manager shutdown", "sessionID", s.ID())
		return nil, ErrManagerClosed
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		<-s.Done()

		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()

		m.logger.Info("session removed", "sessionID", s.ID(), "reason", s.Reason().String())
	}()

	m.logger.Info("session accepted", "sessionID", s.ID())

	return s, nil
}

// SessionCount returns the number of live sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close cancels every session and waits, bounded by ctx, until all of them
// reached Closed. Accept fails afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			select {
			case <-s.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("session %s not closed: %w", s.ID(), gctx.Err())
			}
		})
	}

	// Sessions still negotiating are not in the snapshot but hold m.wg
	g.Go(func() error {
		pending := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(pending)
		}()
		select {
		case <-pending:
			return nil
		case <-gctx.Done():
			return fmt.Errorf("pending sessions not closed: %w", gctx.Err())
		}
	})

	if err := g.Wait(); err != nil {
		m.logger.Error("session teardown incomplete", "error", err)
		return err
	}

	m.logger.Info("all sessions closed", "count", len(sessions))

	return nil
}
