package session

import "errors"

// ErrManagerClosed is returned by Manager.Accept after Close
var ErrManagerClosed = errors.New("session manager closed")

// NegotiationError reports that a Transport could not be created or never
// became ready. The session never reached Streaming.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string {
	return "negotiation failed: " + e.Err.Error()
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportError reports a failed outbound send while streaming
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// SignalingError reports a protocol error on the raw signaling connection
type SignalingError struct {
	Err error
}

func (e *SignalingError) Error() string {
	return "signaling error: " + e.Err.Error()
}

func (e *SignalingError) Unwrap() error { return e.Err }
