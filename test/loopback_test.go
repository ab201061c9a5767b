package test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/silviot/webrtc_audio_loopback_go/pkg/session"
	"github.com/silviot/webrtc_audio_loopback_go/pkg/signaling"
	"github.com/silviot/webrtc_audio_loopback_go/pkg/webrtc"
)

func startServer(t *testing.T, logger *slog.Logger) (*session.Manager, string) {
	t.Helper()

	rtcMgr, err := webrtc.NewManager(webrtc.ConnectionConfig{IncludeLoopback: true}, logger)
	if err != nil {
		t.Fatalf("failed to create WebRTC manager: %v", err)
	}
	rtcMgr.SetGatheringTimeout(2 * time.Second)

	mgr := session.NewManager(session.ManagerConfig{
		NewTransport: func(conn session.Conn, opts webrtc.Options) (session.Transport, error) {
			tr, err := rtcMgr.NewTransport(conn, opts)
			if err != nil {
				return nil, err
			}
			return tr, nil
		},
		TeardownTimeout: time.Second,
		Logger:          logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", mgr.HandleWebSocket)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Close(ctx); err != nil {
			t.Errorf("manager close: %v", err)
		}
		server.Close()
	})

	return mgr, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

// newClientPeer builds a browser-like peer that sends one Opus track and
// reports the payloads it gets back.
func newClientPeer(t *testing.T) (*pion.PeerConnection, *pion.TrackLocalStaticRTP, <-chan []byte) {
	t.Helper()

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	se := pion.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := pion.NewAPI(pion.WithMediaEngine(m), pion.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("client peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	track, err := pion.NewTrackLocalStaticRTP(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "client",
	)
	if err != nil {
		t.Fatalf("client track: %v", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		t.Fatalf("add client track: %v", err)
	}

	echoes := make(chan []byte, 256)
	pc.OnTrack(func(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			select {
			case echoes <- append([]byte(nil), pkt.Payload...):
			default:
			}
		}
	})

	return pc, track, echoes
}

func TestAudioLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	mgr, url := startServer(t, logger)
	pc, track, echoes := newClientPeer(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial signaling: %v", err)
	}
	defer ws.Close()

	// Non-trickle offer: every client candidate is in the SDP
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	<-gatherComplete

	if err := ws.WriteJSON(signaling.Message{Type: signaling.TypeOffer, SDP: pc.LocalDescription().SDP}); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var answer signaling.Message
	if err := ws.ReadJSON(&answer); err != nil {
		t.Fatalf("read answer: %v", err)
	}
	if answer.Type != signaling.TypeAnswer {
		t.Fatalf("expected answer, got %+v", answer)
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("set remote description: %v", err)
	}

	if mgr.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", mgr.SessionCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		sentMu sync.Mutex
		sent   = make(map[string]bool)
	)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for seq := uint16(0); ; seq++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			payload := []byte{0xfc, 0xff, 0xfe, byte(seq >> 8), byte(seq)}
			sentMu.Lock()
			sent[string(payload)] = true
			sentMu.Unlock()
			track.WriteRTP(&rtp.Packet{
				Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960},
				Payload: payload,
			})
		}
	}()

	echoed := 0
	for echoed < 10 {
		select {
		case payload := <-echoes:
			sentMu.Lock()
			ok := sent[string(payload)]
			sentMu.Unlock()
			if !ok {
				t.Fatalf("echoed payload %x was never sent", payload)
			}
			if !bytes.HasPrefix(payload, []byte{0xfc, 0xff, 0xfe}) {
				t.Fatalf("payload modified: %x", payload)
			}
			echoed++
		case <-ctx.Done():
			t.Fatalf("only %d frames echoed before timeout", echoed)
		}
	}
	cancel()

	if err := ws.WriteJSON(signaling.Message{Type: signaling.TypeBye, Reason: "done"}); err != nil {
		t.Fatalf("send bye: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for mgr.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still tracked after bye")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("expected normal closure, got %v", err)
			}
			break
		}
	}
}
