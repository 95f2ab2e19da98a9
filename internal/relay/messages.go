package relay

import (
	"encoding/json"
	"fmt"
)

// Control message types a client may send as JSON text frames. They map onto
// Deepgram's live-streaming control protocol.
const (
	ControlKeepAlive   = "KeepAlive"
	ControlFinalize    = "Finalize"
	ControlCloseStream = "CloseStream"
)

// ControlMessage is the shape of client text frames.
type ControlMessage struct {
	Type string `json:"type"`
}

// ParseControlMessage parses a client text frame. It returns an error for
// frames that are not well-formed control messages; callers log and drop
// those rather than terminating the session.
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("malformed control message: %w", err)
	}
	switch msg.Type {
	case ControlKeepAlive, ControlFinalize, ControlCloseStream:
		return msg, nil
	default:
		return ControlMessage{}, fmt.Errorf("unknown control message type %q", msg.Type)
	}
}

// Word is one recognized word with timing inside a transcript.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// ResultsEnvelope is the normalized transcription event sent to clients when
// result shaping is enabled.
type ResultsEnvelope struct {
	Type        string         `json:"type"` // always "Results"
	Transcript  string         `json:"transcript"`
	IsFinal     bool           `json:"is_final"`
	SpeechFinal bool           `json:"speech_final"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Words       []Word         `json:"words,omitempty"`
	Metadata    ResultMetadata `json:"metadata"`
}

// ResultMetadata identifies the model configuration that produced a result.
type ResultMetadata struct {
	Model    string `json:"model"`
	Language string `json:"language"`
}

// MetadataEnvelope is the normalized end-of-stream summary event.
type MetadataEnvelope struct {
	Type      string                 `json:"type"` // always "Metadata"
	RequestID *string                `json:"request_id"`
	ModelInfo map[string]interface{} `json:"model_info"`
	Created   *string                `json:"created"`
}

// ErrorEnvelope is the normalized error event.
type ErrorEnvelope struct {
	Type  string      `json:"type"` // always "Error"
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error taxonomy fields of an ErrorEnvelope.
type ErrorDetail struct {
	Type    string `json:"type"` // always "TranscriptionError"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEnvelope builds an ErrorEnvelope with the fixed type tags set.
func NewErrorEnvelope(code, message string) ErrorEnvelope {
	return ErrorEnvelope{
		Type: "Error",
		Error: ErrorDetail{
			Type:    "TranscriptionError",
			Code:    code,
			Message: message,
		},
	}
}
