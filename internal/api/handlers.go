// Package api implements the plain HTTP endpoints surrounding the relay:
// session token issuance, service metadata, and transcript retrieval.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/auth"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/metadata"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/transcript"
)

// Handlers bundles the HTTP endpoint dependencies.
type Handlers struct {
	Issuer       *auth.Issuer
	MetadataFile string
	Transcripts  *transcript.Store
	Logger       *slog.Logger
}

// errorResponse is the structured error body for 5xx responses.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Session handles GET /api/session: issues a session token for the
// live-transcription WebSocket.
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, err := h.Issuer.Issue()
	if err != nil {
		h.Logger.Error("issuing session token", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "INTERNAL_SERVER_ERROR",
			Message: "Failed to issue session token",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Metadata handles GET /api/metadata: serves the [meta] table of the
// metadata file.
func (h *Handlers) Metadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta, err := metadata.Load(h.MetadataFile)
	if err != nil {
		h.Logger.Error("loading metadata", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

// GetTranscripts handles GET /api/transcripts?session_id=<id>.
func (h *Handlers) GetTranscripts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id parameter is required", http.StatusBadRequest)
		return
	}

	session, ok := h.Transcripts.Get(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  session.ID,
		"transcripts": session.Entries,
		"count":       len(session.Entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
