package session

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/signaling"
)

// HandleWebSocket handles GET /ws: it upgrades the request, accepts a
// session on the signaling connection and blocks until the session closed.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		m.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	m.logger.Info("signaling connection received", "remote", r.RemoteAddr)

	conn := signaling.NewConn(ws, m.signalingCfg, m.logger)

	s, err := m.Accept(conn)
	if err != nil {
		m.logger.Error("failed to accept session", "remote", r.RemoteAddr, "error", err)
		conn.CloseWith(websocket.CloseInternalServerErr, "negotiation failed")
		return
	}

	<-s.Done()
}
