package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types on the wire.
const (
	TypePrompt = "prompt"
	TypeText   = "text"
	TypeError  = "error"
	TypePing   = "ping"
	TypePong   = "pong"
)

// Error codes carried by error frames.
const (
	CodeBusy             = "busy"
	CodeCompletionFailed = "completion_failed"
)

var errInvalidFrame = errors.New("invalid frame")

// InboundMessage is a frame sent by the client.
type InboundMessage struct {
	Type        string `json:"type"`
	VoicePrompt string `json:"voicePrompt,omitempty"`
}

// OutboundMessage carries one sentence of a reply.
type OutboundMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// ErrorMessage reports a failed or rejected prompt.
type ErrorMessage struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// parseInbound decodes a client frame. A prompt frame must carry a non-empty
// voicePrompt.
func parseInbound(data []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %w", errInvalidFrame, err)
	}
	switch msg.Type {
	case TypePrompt:
		if msg.VoicePrompt == "" {
			return InboundMessage{}, fmt.Errorf("%w: empty voicePrompt", errInvalidFrame)
		}
	case TypePing:
	default:
		return InboundMessage{}, fmt.Errorf("%w: unsupported type %q", errInvalidFrame, msg.Type)
	}
	return msg, nil
}
