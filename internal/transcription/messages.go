package transcription

import (
	"encoding/json"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
)

// ServerMessageType enumerates the control messages the backend may send.
type ServerMessageType string

const (
	ServerStart   ServerMessageType = "start"
	ServerInterim ServerMessageType = "interim"
	ServerFinal   ServerMessageType = "final"
	ServerError   ServerMessageType = "error"
)

// ServerMessage is one decoded control message from the backend.
type ServerMessage struct {
	Type ServerMessageType
	Text string
	// Message carries the human-readable description on error messages.
	Message string
}

// DecodeServerMessage decodes one control frame. The message set is closed:
// anything that is not valid JSON or carries an unknown type is a protocol
// fault, not something to ignore.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var raw struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "malformed control message", err)
	}

	switch ServerMessageType(raw.Type) {
	case ServerStart:
		return &ServerMessage{Type: ServerStart}, nil
	case ServerInterim:
		return &ServerMessage{Type: ServerInterim, Text: raw.Text}, nil
	case ServerFinal:
		return &ServerMessage{Type: ServerFinal, Text: raw.Text}, nil
	case ServerError:
		msg := raw.Message
		if msg == "" {
			msg = raw.Error
		}
		if msg == "" {
			msg = "backend reported an error"
		}
		return &ServerMessage{Type: ServerError, Message: msg}, nil
	case "":
		return nil, fault.New(fault.KindProtocol, "control message missing type")
	default:
		return nil, fault.Newf(fault.KindProtocol, "unrecognized control message type %q", raw.Type)
	}
}

// startMessage is the one control message the client sends at session start.
type startMessage struct {
	Type            string `json:"type"`
	Intent          string `json:"intent"`
	Language        string `json:"language"`
	Encoding        string `json:"encoding"`
	SampleRateHertz int    `json:"sampleRateHertz"`
}

// stopMessage is the end-of-input sentinel, textual so the backend can tell
// it apart from binary audio frames.
type stopMessage struct {
	Type string `json:"type"`
}
