package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/auth"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/metrics"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/transcript"
)

// Handler terminates client WebSocket connections and runs one relay
// session per accepted connection.
type Handler struct {
	Issuer       *auth.Issuer
	Upstream     *Upstream
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Transcripts  *transcript.Store
	ShapeResults bool
	ReadyTimeout time.Duration

	upgrader websocket.Upgrader
}

// NewHandler wires a Handler. The upgrader accepts any origin; the token
// gate is the access control, not the Origin header.
func NewHandler(issuer *auth.Issuer, upstream *Upstream, logger *slog.Logger, m *metrics.Metrics, store *transcript.Store) *Handler {
	return &Handler{
		Issuer:      issuer,
		Upstream:    upstream,
		Logger:      logger,
		Metrics:     m,
		Transcripts: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles WS /api/live-transcription.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	echoProto, authErr := h.Issuer.GateRequest(r)

	// The subprotocol the client offered must be echoed back verbatim or
	// the browser aborts the handshake. Upgrade with the response header
	// carrying the chosen value instead of the upgrader's static
	// Subprotocols list, which cannot match a dynamic token. The echo
	// happens even when the token is rejected, so the browser completes
	// the handshake and sees the unauthorized close frame.
	var responseHeader http.Header
	if echoProto != "" {
		responseHeader = http.Header{}
		responseHeader.Set("Sec-WebSocket-Protocol", echoProto)
	}

	clientConn, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if authErr != nil {
		// Rejections complete the handshake so the client sees a
		// distinct unauthorized close rather than an abrupt drop.
		h.Logger.Warn("rejecting unauthenticated connection", "remote_addr", r.RemoteAddr, "error", authErr)
		h.Metrics.AuthRejections.Inc()
		closeConn(clientConn, CloseCodeUnauthorized, "Unauthorized")
		return
	}

	sessionID := ulid.Make().String()
	logger := h.Logger.With("session_id", sessionID)

	opts := ListenOptionsFromQuery(r.URL.Query())
	logger.Info("client connected",
		"remote_addr", r.RemoteAddr,
		"model", opts.Model,
		"language", opts.Language,
		"encoding", opts.Encoding,
		"sample_rate", opts.SampleRate,
		"channels", opts.Channels)

	upstreamConn, err := h.Upstream.Connect(opts)
	if err != nil {
		logger.Error("upstream connection failed", "error", err)
		h.Metrics.UpstreamDialFailures.Inc()
		closeConn(clientConn, websocket.CloseInternalServerErr, "Internal server error")
		return
	}

	session := NewSession(SessionConfig{
		ID:           sessionID,
		Client:       clientConn,
		Upstream:     upstreamConn,
		Shaper:       h.shaperFor(sessionID, opts),
		Logger:       h.Logger,
		Metrics:      h.Metrics,
		ReadyTimeout: h.ReadyTimeout,
	})

	if h.Transcripts != nil {
		h.Transcripts.Begin(sessionID)
		defer h.Transcripts.End(sessionID)
	}

	session.Run()
	session.SignalReady()
	session.Wait()
}

// shaperFor selects the per-session frame shaper.
func (h *Handler) shaperFor(sessionID string, opts ListenOptions) Shaper {
	if !h.ShapeResults {
		return PassthroughShaper{}
	}
	shaper := &NormalizingShaper{Model: opts.Model, Language: opts.Language}
	if h.Transcripts != nil {
		shaper.OnFinal = func(text string, start, end float64) {
			h.Transcripts.Append(sessionID, transcript.Entry{
				Text:      text,
				Start:     start,
				End:       end,
				Timestamp: time.Now(),
			})
		}
	}
	return shaper
}

// closeConn sends a close frame with the given status and drops the
// connection. Used for connections rejected before a session exists.
func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
