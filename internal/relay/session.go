package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/metrics"
)

// State is the lifecycle phase of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseCodeUnauthorized is sent when the auth gate rejects a connection.
// 1011 (internal server error) covers setup and upstream failures.
const CloseCodeUnauthorized = 4401

const (
	closeWriteTimeout   = time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Session owns one client connection and one upstream connection and pumps
// frames between them until either side terminates. The upstream connection
// is exclusive to the session; nothing is shared across sessions.
type Session struct {
	ID string

	client   *websocket.Conn
	upstream *websocket.Conn
	shaper   Shaper
	logger   *slog.Logger
	metrics  *metrics.Metrics

	readyTimeout time.Duration
	writeTimeout time.Duration

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	ready     chan struct{}
	readyOnce sync.Once

	// Gorilla permits one concurrent writer per connection.
	clientWriteMu   sync.Mutex
	upstreamWriteMu sync.Mutex

	clientFrames   atomic.Int64
	upstreamFrames atomic.Int64

	startTime time.Time
	wg        sync.WaitGroup
}

// SessionConfig carries the collaborators a Session needs.
type SessionConfig struct {
	ID           string
	Client       *websocket.Conn
	Upstream     *websocket.Conn
	Shaper       Shaper
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	ReadyTimeout time.Duration
	WriteTimeout time.Duration
}

// NewSession pairs a client connection with its upstream connection. The
// session starts in the Connecting state; Run moves it to Active.
func NewSession(cfg SessionConfig) *Session {
	shaper := cfg.Shaper
	if shaper == nil {
		shaper = PassthroughShaper{}
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 5 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	s := &Session{
		ID:           cfg.ID,
		client:       cfg.Client,
		upstream:     cfg.Upstream,
		shaper:       shaper,
		logger:       cfg.Logger.With("session_id", cfg.ID),
		metrics:      cfg.Metrics,
		readyTimeout: readyTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
		startTime:    time.Now(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State reports the session's current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed exactly once when the session begins tearing down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// FramesForwarded reports the diagnostic frame counters for each direction.
func (s *Session) FramesForwarded() (clientToUpstream, upstreamToClient int64) {
	return s.clientFrames.Load(), s.upstreamFrames.Load()
}

// Run starts both pumps and moves the session to Active.
func (s *Session) Run() {
	s.state.Store(int32(StateActive))
	s.metrics.SessionsStarted.Inc()
	s.metrics.ActiveSessions.Inc()
	s.wg.Add(2)
	go s.clientPump()
	go s.upstreamPump()
}

// SignalReady releases the readiness gate, allowing upstream frames to be
// forwarded to the client. Safe to call more than once.
func (s *Session) SignalReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Wait blocks until both pumps have observed termination and returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close requests graceful termination, closing the client with a normal
// closure status. Idempotent; safe to call from any goroutine.
func (s *Session) Close() {
	s.teardown(websocket.CloseNormalClosure, "")
}

// Abort terminates the session, closing the client with the given status.
// Idempotent; safe to call from any goroutine.
func (s *Session) Abort(code int, reason string) {
	s.teardown(code, reason)
}

// teardown is the single shutdown path. Whichever pump or external caller
// reaches it first wins; later invocations are no-ops. Closing the sockets
// unblocks any pump parked in a read, so stop latency is bounded by the
// close itself rather than a polling interval. Each close is individually
// fault-tolerant: a failure on one connection never prevents releasing the
// other.
func (s *Session) teardown(clientCode int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)

		deadline := time.Now().Add(closeWriteTimeout)

		// Ask the upstream to flush and finish before dropping it. The
		// write deadline keeps a wedged peer from stalling the latch;
		// WriteControl carries its own deadline, WriteMessage does not.
		closeStream, _ := json.Marshal(ControlMessage{Type: ControlCloseStream})
		s.upstreamWriteMu.Lock()
		_ = s.upstream.SetWriteDeadline(deadline)
		_ = s.upstream.WriteMessage(websocket.TextMessage, closeStream)
		_ = s.upstream.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.upstreamWriteMu.Unlock()
		if err := s.upstream.Close(); err != nil {
			s.logger.Debug("closing upstream connection", "error", err)
		}

		s.clientWriteMu.Lock()
		_ = s.client.SetWriteDeadline(deadline)
		_ = s.client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(clientCode, reason), deadline)
		s.clientWriteMu.Unlock()
		if err := s.client.Close(); err != nil {
			s.logger.Debug("closing client connection", "error", err)
		}

		s.state.Store(int32(StateClosed))
		s.metrics.ActiveSessions.Dec()
		s.metrics.SessionDuration.Observe(time.Since(s.startTime).Seconds())

		toUpstream, toClient := s.FramesForwarded()
		s.logger.Info("session closed",
			"close_code", clientCode,
			"frames_to_upstream", toUpstream,
			"frames_to_client", toClient,
			"duration", time.Since(s.startTime))
	})
}

// clientPump moves frames from the client to the upstream until the client
// disconnects or the session stops. Binary frames are audio and forwarded
// verbatim; text frames are control messages.
func (s *Session) clientPump() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msgType, data, err := s.client.ReadMessage()
		if err != nil {
			if s.stopping() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("client closed connection")
			} else {
				s.logger.Warn("client read failed", "error", err)
			}
			s.teardown(websocket.CloseNormalClosure, "")
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := s.writeUpstream(websocket.BinaryMessage, data); err != nil {
				if !s.stopping() {
					s.logger.Warn("upstream write failed", "error", err)
					s.teardown(websocket.CloseInternalServerErr, "upstream unavailable")
				}
				return
			}
		case websocket.TextMessage:
			if stop := s.handleControlMessage(data); stop {
				return
			}
		default:
			s.logger.Debug("ignoring client frame", "message_type", msgType)
		}
	}
}

// handleControlMessage forwards a client control frame to the upstream.
// Malformed frames are logged and dropped; the session continues. The
// return value reports whether the pump should exit.
func (s *Session) handleControlMessage(data []byte) (stop bool) {
	msg, err := ParseControlMessage(data)
	if err != nil {
		s.logger.Warn("dropping client text frame", "error", err)
		return false
	}

	// Forward in the canonical shape, not the client's raw bytes.
	payload, _ := json.Marshal(msg)
	if err := s.writeUpstream(websocket.TextMessage, payload); err != nil {
		if !s.stopping() {
			s.logger.Warn("upstream write failed", "error", err)
			s.teardown(websocket.CloseInternalServerErr, "upstream unavailable")
		}
		return true
	}

	if msg.Type == ControlCloseStream {
		s.logger.Info("client requested close-stream")
		s.teardown(websocket.CloseNormalClosure, "")
		return true
	}
	return false
}

// upstreamPump moves frames from the upstream to the client. Nothing is
// forwarded until the readiness gate opens; early frames would otherwise be
// dropped while the client-side handshake is still settling.
func (s *Session) upstreamPump() {
	defer s.wg.Done()

	select {
	case <-s.ready:
	case <-s.done:
		return
	case <-time.After(s.readyTimeout):
		s.logger.Error("timed out waiting for readiness gate")
		s.teardown(websocket.CloseInternalServerErr, "session setup failed")
		return
	}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msgType, data, err := s.upstream.ReadMessage()
		if err != nil {
			if s.stopping() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Info("upstream closed connection")
				s.teardown(websocket.CloseNormalClosure, "")
			} else {
				s.logger.Warn("upstream read failed", "error", err)
				s.teardown(websocket.CloseInternalServerErr, "upstream connection lost")
			}
			return
		}

		outType, out, forward := s.shaper.Shape(msgType, data)
		if !forward {
			continue
		}
		if err := s.writeClient(outType, out); err != nil {
			if !s.stopping() {
				s.logger.Warn("client write failed", "error", err)
				s.teardown(websocket.CloseNormalClosure, "")
			}
			return
		}
	}
}

func (s *Session) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return s.State() >= StateClosing
	}
}

// writeUpstream sends one frame to the upstream. Sends are suppressed once
// the session is closing and time out rather than blocking indefinitely on
// a stalled peer.
func (s *Session) writeUpstream(msgType int, data []byte) error {
	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()
	if s.State() >= StateClosing {
		return websocket.ErrCloseSent
	}
	_ = s.upstream.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.upstream.WriteMessage(msgType, data); err != nil {
		return err
	}
	s.clientFrames.Add(1)
	s.metrics.ClientFramesForwarded.Inc()
	return nil
}

// writeClient sends one frame to the client. Sends are suppressed once the
// session is closing and time out rather than blocking indefinitely on a
// stalled peer.
func (s *Session) writeClient(msgType int, data []byte) error {
	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()
	if s.State() >= StateClosing {
		return websocket.ErrCloseSent
	}
	_ = s.client.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.client.WriteMessage(msgType, data); err != nil {
		return err
	}
	s.upstreamFrames.Add(1)
	s.metrics.UpstreamFramesForwarded.Inc()
	return nil
}
