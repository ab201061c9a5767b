package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/signaling"
	"github.com/silviot/webrtc_audio_loopback_go/pkg/webrtc"
)

// State is a step in a Session's lifecycle
type State int32

const (
	StateCreated State = iota
	StateNegotiating
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason records which path started teardown
type Reason int

const (
	ReasonNone Reason = iota
	ReasonEndOfStream
	ReasonPeerClosed
	ReasonSignalingError
	ReasonTransportError
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonEndOfStream:
		return "end of stream"
	case ReasonPeerClosed:
		return "peer closed"
	case ReasonSignalingError:
		return "signaling error"
	case ReasonTransportError:
		return "transport error"
	case ReasonCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Conn is the raw signaling connection a Session is accepted on.
// *signaling.Conn implements it.
type Conn interface {
	Read(ctx context.Context) (signaling.Message, error)
	Send(msg signaling.Message) error
	Close() error
}

// Transport is the audio transport a Session drives.
// *webrtc.Transport implements it.
type Transport interface {
	Inbound() <-chan webrtc.Frame
	Ready() <-chan struct{}
	SendAudio(frame webrtc.AudioFrame) error
	HandleSignal(ctx context.Context, msg signaling.Message) error
	Release() error
}

// TransportFactory creates the Transport bound to a signaling connection
type TransportFactory func(conn Conn, opts webrtc.Options) (Transport, error)

const (
	defaultNegotiationTimeout = 10 * time.Second
	defaultTeardownTimeout    = 2 * time.Second
)

// Config holds per-session configuration
type Config struct {
	NewTransport       TransportFactory
	NegotiationTimeout time.Duration // Max wait for the transport to become ready
	TeardownTimeout    time.Duration // Max wait for each loop-join attempt during teardown

	// OnStateChange, if set, is called after every lifecycle transition
	OnStateChange func(id string, from, to State)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = defaultNegotiationTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = defaultTeardownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session owns one peer's Transport and runs its relay and signaling loops
type Session struct {
	id        string
	conn      Conn
	transport Transport
	cfg       Config
	logger    *slog.Logger

	// mu guards the lifecycle fields. The relay loop checks state under mu
	// right before each send, so no send is admitted once Closing was entered.
	mu     sync.Mutex
	state  State
	reason Reason
	err    error

	ctx          context.Context
	cancel       context.CancelFunc
	relayCancel  context.CancelFunc
	signalCancel context.CancelFunc
	relayDone    chan struct{}
	signalDone   chan struct{}
	closing      chan struct{}
	done         chan struct{}
}

// Accept creates a Session on conn, negotiates its Transport and starts
// streaming. ctx bounds negotiation and the whole session lifetime.
// On failure it returns a *NegotiationError and starts no loop.
func Accept(ctx context.Context, conn Conn, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	id := uuid.NewString()
	s := &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		logger:     cfg.Logger.With("sessionID", id),
		state:      StateCreated,
		relayDone:  make(chan struct{}),
		signalDone: make(chan struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.logger.Info("session created")

	s.transition(StateNegotiating)

	if cfg.NewTransport == nil {
		s.transition(StateClosed)
		return nil, &NegotiationError{Err: errors.New("no transport factory configured")}
	}

	transport, err := cfg.NewTransport(conn, webrtc.Options{
		AudioIn:       true,
		AudioOut:      true,
		Transcription: false,
	})
	if err != nil {
		s.logger.Error("failed to create transport", "error", err)
		s.transition(StateClosed)
		return nil, &NegotiationError{Err: err}
	}

	if err := s.awaitReady(ctx, transport); err != nil {
		s.logger.Error("transport not ready", "error", err)
		if relErr := transport.Release(); relErr != nil {
			s.logger.Warn("failed to release transport", "error", relErr)
		}
		s.transition(StateClosed)
		return nil, &NegotiationError{Err: err}
	}
	s.transport = transport

	var relayCtx, signalCtx context.Context
	s.ctx, s.cancel = context.WithCancel(ctx)
	relayCtx, s.relayCancel = context.WithCancel(s.ctx)
	signalCtx, s.signalCancel = context.WithCancel(s.ctx)

	s.transition(StateStreaming)

	go s.relayLoop(relayCtx)
	go s.signalingLoop(signalCtx)
	go s.supervise()

	return s, nil
}

func (s *Session) awaitReady(ctx context.Context, transport Transport) error {
	timer := time.NewTimer(s.cfg.NegotiationTimeout)
	defer timer.Stop()

	select {
	case <-transport.Ready():
		return nil
	case <-timer.C:
		return fmt.Errorf("transport not ready after %s", s.cfg.NegotiationTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns what started teardown, or ReasonNone while streaming
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the error that ended the session, if it ended on an error.
// Clean endings (end of stream, peer close, cancellation) report nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reached Closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close cancels the session and waits for teardown to complete
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// transition moves to a new state and reports it
func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
}

func (s *Session) notify(from, to State) {
	s.logger.Info("session state changed", "from", from.String(), "to", to.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s.id, from, to)
	}
}

// trigger moves Streaming to Closing. Only the first caller wins; later
// triggers from the other loop or from cancellation are no-ops. It never
// waits on a send in flight: teardown bounds that wait instead.
func (s *Session) trigger(reason Reason, err error) bool {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = StateClosing
	s.reason = reason
	s.err = err
	s.mu.Unlock()

	s.notify(from, StateClosing)
	close(s.closing)
	return true
}

// supervise waits for the first teardown trigger and runs teardown once
func (s *Session) supervise() {
	defer close(s.done)

	select {
	case <-s.closing:
	case <-s.ctx.Done():
		s.trigger(ReasonCancelled, nil)
	}

	s.teardown()
}

// teardown stops both loops, releases the transport and closes the
// connection. A loop that ignores cancellation gets its connection closed
// under it; teardown never waits on it indefinitely.
func (s *Session) teardown() {
	reason := s.Reason()
	s.logger.Info("tearing down session", "reason", reason.String(), "error", s.Err())

	s.relayCancel()
	s.signalCancel()

	if !s.awaitLoops() {
		s.logger.Warn("session loops did not stop in time, closing signaling connection",
			"timeout", s.cfg.TeardownTimeout)
		s.conn.Close()
		if !s.awaitLoops() {
			s.logger.Error("session loops still running after escalation, abandoning them")
		}
	}

	if err := s.transport.Release(); err != nil {
		s.logger.Warn("failed to release transport", "error", err)
	}

	if reason != ReasonPeerClosed {
		if err := s.conn.Send(signaling.Message{Type: signaling.TypeBye, Reason: reason.String()}); err != nil {
			s.logger.Debug("failed to send bye", "error", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("failed to close signaling connection", "error", err)
	}

	s.cancel()
	s.transition(StateClosed)
}

// awaitLoops waits up to TeardownTimeout for both loops to return
func (s *Session) awaitLoops() bool {
	timer := time.NewTimer(s.cfg.TeardownTimeout)
	defer timer.Stop()

	for _, done := range []<-chan struct{}{s.relayDone, s.signalDone} {
		select {
		case <-done:
		case <-timer.C:
			return false
		}
	}
	return true
}
