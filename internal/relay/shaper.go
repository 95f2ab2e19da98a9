package relay

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Shaper optionally re-shapes upstream frames before they are forwarded to
// the client. Implementations must be safe for use from a single goroutine;
// the upstream pump is the only caller.
type Shaper interface {
	// Shape takes an upstream frame and returns the frame to forward.
	// Returning forward=false drops the frame.
	Shape(msgType int, data []byte) (outType int, out []byte, forward bool)
}

// PassthroughShaper forwards every upstream frame verbatim.
type PassthroughShaper struct{}

func (PassthroughShaper) Shape(msgType int, data []byte) (int, []byte, bool) {
	return msgType, data, true
}

// TranscriptFunc receives finalized transcript segments as they flow through
// a NormalizingShaper.
type TranscriptFunc func(text string, start, end float64)

// NormalizingShaper rewrites Deepgram live events into the stable client
// envelopes (Results, Metadata, Error). Frames that do not parse as a known
// Deepgram event pass through untouched, so clients never lose information
// when the upstream wire format drifts.
type NormalizingShaper struct {
	Model    string
	Language string
	// OnFinal, when set, is invoked for every final transcript segment.
	OnFinal TranscriptFunc
}

// dgMessage mirrors the subset of Deepgram's live event schema the shaper
// reads. Everything else is ignored.
type dgMessage struct {
	Type        string  `json:"type"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []Word  `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	RequestID   *string                `json:"request_id"`
	Created     *string                `json:"created"`
	ModelInfo   map[string]interface{} `json:"model_info"`
	Description string                 `json:"description"`
	Message     string                 `json:"message"`
	ErrCode     string                 `json:"err_code"`
}

func (s *NormalizingShaper) Shape(msgType int, data []byte) (int, []byte, bool) {
	if msgType != websocket.TextMessage {
		return msgType, data, true
	}

	var msg dgMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msgType, data, true
	}

	var envelope interface{}
	switch msg.Type {
	case "Results":
		out := ResultsEnvelope{
			Type:        "Results",
			IsFinal:     msg.IsFinal,
			SpeechFinal: msg.SpeechFinal,
			Metadata:    ResultMetadata{Model: s.Model, Language: s.Language},
		}
		if len(msg.Channel.Alternatives) > 0 {
			alt := msg.Channel.Alternatives[0]
			out.Transcript = alt.Transcript
			confidence := alt.Confidence
			out.Confidence = &confidence
			out.Words = alt.Words
		}
		if msg.IsFinal && out.Transcript != "" && s.OnFinal != nil {
			s.OnFinal(out.Transcript, msg.Start, msg.Start+msg.Duration)
		}
		envelope = out
	case "Metadata":
		envelope = MetadataEnvelope{
			Type:      "Metadata",
			RequestID: msg.RequestID,
			ModelInfo: msg.ModelInfo,
			Created:   msg.Created,
		}
	case "Error":
		message := msg.Message
		if message == "" {
			message = msg.Description
		}
		envelope = NewErrorEnvelope(msg.ErrCode, message)
	default:
		return msgType, data, true
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return msgType, data, true
	}
	return websocket.TextMessage, out, true
}
