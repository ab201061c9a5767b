package session

import (
	"context"
	"fmt"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/webrtc"
)

// relayLoop echoes inbound audio frames to the peer, one at a time and in
// arrival order, until the stream ends, a send fails or ctx is cancelled.
func (s *Session) relayLoop(ctx context.Context) {
	defer close(s.relayDone)

	inbound := s.transport.Inbound()
	frameCount := 0

	s.logger.Debug("relay loop started")

	for {
		var (
			frame webrtc.Frame
			ok    bool
		)
		select {
		case <-ctx.Done():
			s.logger.Debug("relay loop cancelled", "frames", frameCount)
			return
		case frame, ok = <-inbound:
		}

		if !ok {
			s.logger.Info("inbound source closed", "frames", frameCount)
			s.trigger(ReasonEndOfStream, nil)
			return
		}

		switch f := frame.(type) {
		case webrtc.EndFrame:
			s.logger.Info("end of stream", "frames", frameCount)
			s.trigger(ReasonEndOfStream, nil)
			return

		case webrtc.AudioFrame:
			sent, err := s.forward(ctx, f)
			if err != nil {
				s.logger.Warn("failed to forward audio frame", "error", err, "frames", frameCount)
				s.trigger(ReasonTransportError, &TransportError{Err: err})
				return
			}
			if !sent {
				s.logger.Debug("relay loop stopped, teardown in progress", "frames", frameCount)
				return
			}

			frameCount++
			if frameCount <= 5 || frameCount%500 == 0 {
				s.logger.Debug("audio frame relayed", "seq", f.Header.SequenceNumber,
					"bytes", len(f.Payload), "frames", frameCount)
			}

		default:
			s.logger.Debug("ignoring unknown frame", "type", fmt.Sprintf("%T", frame))
		}
	}
}

// forward sends one frame unless the loop was cancelled or teardown started.
// A panicking transport is reported as an error, not propagated.
func (s *Session) forward(ctx context.Context, frame webrtc.AudioFrame) (sent bool, err error) {
	if !s.admitSend(ctx) {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			sent, err = false, fmt.Errorf("panic while sending audio: %v", r)
		}
	}()

	if err := s.transport.SendAudio(frame); err != nil {
		return false, err
	}
	return true, nil
}

// admitSend reports whether a send may start: the loop is live and the
// session is still Streaming. A send admitted here may still be running
// when Closing is entered; teardown waits for it up to TeardownTimeout.
func (s *Session) admitSend(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ctx.Err() == nil && s.state == StateStreaming
}
