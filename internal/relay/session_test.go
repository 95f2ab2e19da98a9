package relay

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// wsPair returns both ends of a live WebSocket connection.
func wsPair(t *testing.T) (serverSide, clientSide *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	clientSide, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dialing test pair: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	serverSide = <-conns
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return serverSide, clientSide
}

// newTestSession builds a session wired to two live connection pairs.
// browser plays the client role; deepgram plays the upstream role.
func newTestSession(t *testing.T, cfg SessionConfig) (s *Session, browser, deepgram *websocket.Conn) {
	t.Helper()
	sessionClientSide, browser := wsPair(t)
	deepgram, sessionUpstreamSide := wsPair(t)

	cfg.ID = "test-session"
	cfg.Client = sessionClientSide
	cfg.Upstream = sessionUpstreamSide
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = testMetrics()
	}
	return NewSession(cfg), browser, deepgram
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop in time")
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("session state = %s, want closed", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readCloseCode reads from conn until the peer's close frame arrives.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		t.Fatalf("connection dropped without a close frame: %v", err)
	}
}

func TestSessionForwardsClientFramesInOrder(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	chunks := [][]byte{{0x01, 0x02}, {0x03}, {0x04, 0x05, 0x06}}
	for _, chunk := range chunks {
		if err := browser.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("client write failed: %v", err)
		}
	}

	deepgram.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, want := range chunks {
		msgType, data, err := deepgram.ReadMessage()
		if err != nil {
			t.Fatalf("upstream read %d failed: %v", i, err)
		}
		if msgType != websocket.BinaryMessage {
			t.Fatalf("frame %d type = %d, want binary", i, msgType)
		}
		if !bytes.Equal(data, want) {
			t.Fatalf("frame %d = %v, want %v", i, data, want)
		}
	}

	if toUpstream, _ := s.FramesForwarded(); toUpstream != int64(len(chunks)) {
		t.Errorf("frames to upstream = %d, want %d", toUpstream, len(chunks))
	}

	s.Close()
	s.Wait()
}

func TestSessionForwardsUpstreamFramesInOrder(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	frames := []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}
	for _, frame := range frames {
		if err := deepgram.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("upstream write failed: %v", err)
		}
	}

	browser.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, want := range frames {
		_, data, err := browser.ReadMessage()
		if err != nil {
			t.Fatalf("client read %d failed: %v", i, err)
		}
		if string(data) != want {
			t.Fatalf("frame %d = %s, want %s", i, data, want)
		}
	}

	s.Close()
	s.Wait()
}

func TestSessionReadinessGateHoldsFrames(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{ReadyTimeout: 10 * time.Second})
	s.Run()

	if err := deepgram.WriteMessage(websocket.TextMessage, []byte(`{"early":true}`)); err != nil {
		t.Fatalf("upstream write failed: %v", err)
	}

	// Nothing may reach the client before the gate opens.
	time.Sleep(150 * time.Millisecond)
	if _, toClient := s.FramesForwarded(); toClient != 0 {
		t.Fatalf("%d frames leaked through the readiness gate", toClient)
	}

	s.SignalReady()
	if err := deepgram.WriteMessage(websocket.TextMessage, []byte(`{"late":true}`)); err != nil {
		t.Fatalf("upstream write failed: %v", err)
	}

	// After the gate opens, frames arrive in their original order.
	browser.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{`{"early":true}`, `{"late":true}`} {
		_, data, err := browser.ReadMessage()
		if err != nil {
			t.Fatalf("client read failed: %v", err)
		}
		if string(data) != want {
			t.Fatalf("frame = %s, want %s", data, want)
		}
	}

	s.Close()
	s.Wait()
}

func TestSessionReadinessTimeoutAborts(t *testing.T) {
	s, browser, _ := newTestSession(t, SessionConfig{ReadyTimeout: 100 * time.Millisecond})
	s.Run()
	// Readiness is never signaled.

	if code := readCloseCode(t, browser); code != websocket.CloseInternalServerErr {
		t.Errorf("close code = %d, want %d", code, websocket.CloseInternalServerErr)
	}
	waitClosed(t, s)
	s.Wait()
}

func TestSessionTeardownIdempotent(t *testing.T) {
	s, browser, _ := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()

	waitClosed(t, s)
	s.Wait()

	if code := readCloseCode(t, browser); code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}

	// Calling into a closed session stays a no-op.
	s.Close()
	s.Abort(websocket.CloseInternalServerErr, "late")
}

func TestSessionUpstreamDropClosesClient(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	// Drop the upstream without a close handshake.
	deepgram.Close()

	if code := readCloseCode(t, browser); code != websocket.CloseInternalServerErr {
		t.Errorf("close code = %d, want %d", code, websocket.CloseInternalServerErr)
	}
	waitClosed(t, s)
	s.Wait()
}

func TestSessionClientDisconnectStopsSession(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	browser.Close()

	// The upstream side is released: reads eventually fail.
	deepgram.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := deepgram.ReadMessage()
		if err != nil {
			break
		}
	}
	waitClosed(t, s)
	s.Wait()
}

func TestSessionFinalizeForwardedWithoutTermination(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	if err := browser.WriteMessage(websocket.TextMessage, []byte(`{"type":"Finalize"}`)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	deepgram.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := deepgram.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read failed: %v", err)
	}
	if msgType != websocket.TextMessage || string(data) != `{"type":"Finalize"}` {
		t.Fatalf("upstream received %d %s, want Finalize control frame", msgType, data)
	}

	// The session stays up: audio still flows afterwards.
	if err := browser.WriteMessage(websocket.BinaryMessage, []byte{0x0a}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	msgType, data, err = deepgram.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read failed: %v", err)
	}
	if msgType != websocket.BinaryMessage || !bytes.Equal(data, []byte{0x0a}) {
		t.Fatal("audio did not flow after Finalize")
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}

	s.Close()
	s.Wait()
}

func TestSessionCloseStreamTerminatesGracefully(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	if err := browser.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	deepgram.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := deepgram.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read failed: %v", err)
	}
	if msgType != websocket.TextMessage || string(data) != `{"type":"CloseStream"}` {
		t.Fatalf("upstream received %d %s, want CloseStream control frame", msgType, data)
	}

	if code := readCloseCode(t, browser); code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}
	waitClosed(t, s)
	s.Wait()
}

func TestSessionTeardownBoundedByStalledUpstream(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{WriteTimeout: 200 * time.Millisecond})
	_ = deepgram // never reads, so the upstream write path wedges once buffers fill
	s.Run()
	s.SignalReady()

	// Flood audio until the socket buffers toward the upstream are full and
	// a write blocks. The write deadline must then fail the write, trigger
	// teardown, and let teardown's own close writes finish in bounded time.
	go func() {
		chunk := make([]byte, 1<<20)
		for i := 0; i < 64; i++ {
			browser.SetWriteDeadline(time.Now().Add(time.Second))
			if err := browser.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}()

	waitClosed(t, s)
	s.Wait()
}

func TestSessionDropsMalformedControlFrames(t *testing.T) {
	s, browser, deepgram := newTestSession(t, SessionConfig{})
	s.Run()
	s.SignalReady()

	for _, frame := range []string{"not json at all", `{"type":"Reboot"}`} {
		if err := browser.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("client write failed: %v", err)
		}
	}
	if err := browser.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	// Only the binary frame makes it upstream.
	deepgram.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := deepgram.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read failed: %v", err)
	}
	if msgType != websocket.BinaryMessage || !bytes.Equal(data, []byte{0x01}) {
		t.Fatalf("upstream received %d %v, want the binary frame", msgType, data)
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}

	s.Close()
	s.Wait()
}
