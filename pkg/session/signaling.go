package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/signaling"
)

// signalingLoop watches the raw connection for closure and errors, and hands
// negotiation messages to the transport. It never touches audio.
func (s *Session) signalingLoop(ctx context.Context) {
	defer close(s.signalDone)

	for {
		msg, err := s.conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.logger.Debug("signaling loop cancelled")
			case errors.Is(err, signaling.ErrClosed):
				s.logger.Info("signaling connection closed by peer")
				s.trigger(ReasonPeerClosed, nil)
			default:
				s.logger.Warn("signaling connection failed", "error", err)
				s.trigger(ReasonSignalingError, &SignalingError{Err: err})
			}
			return
		}

		if !s.handleMessage(ctx, msg) {
			return
		}
	}
}

// handleMessage processes one message and reports whether to keep reading
func (s *Session) handleMessage(ctx context.Context, msg signaling.Message) bool {
	s.logger.Debug("signaling message", "type", string(msg.Type))

	switch msg.Type {
	case signaling.TypeOffer, signaling.TypeCandidate:
		if err := s.transport.HandleSignal(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Warn("failed to handle signaling message", "type", string(msg.Type), "error", err)
			if sendErr := s.conn.Send(signaling.Message{Type: signaling.TypeError, Error: err.Error()}); sendErr != nil {
				s.logger.Debug("failed to report signaling error to peer", "error", sendErr)
			}
		}

	case signaling.TypePing:
		if err := s.conn.Send(signaling.Message{Type: signaling.TypePong}); err != nil {
			s.logger.Debug("failed to send pong", "error", err)
		}

	case signaling.TypeBye:
		s.logger.Info("peer said bye", "reason", msg.Reason)
		s.trigger(ReasonPeerClosed, nil)
		return false

	case signaling.TypeError:
		s.logger.Warn("peer reported error", "error", msg.Error)
		s.trigger(ReasonSignalingError, &SignalingError{Err: fmt.Errorf("peer reported error: %s", msg.Error)})
		return false

	default:
		s.logger.Debug("unhandled signaling message type", "type", string(msg.Type))
	}

	return true
}
