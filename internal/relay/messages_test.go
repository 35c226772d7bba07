package relay

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInbound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		want    InboundMessage
		wantErr bool
	}{
		{"prompt", `{"type":"prompt","voicePrompt":"こんにちは"}`, InboundMessage{Type: TypePrompt, VoicePrompt: "こんにちは"}, false},
		{"ping", `{"type":"ping"}`, InboundMessage{Type: TypePing}, false},
		{"empty prompt", `{"type":"prompt","voicePrompt":""}`, InboundMessage{}, true},
		{"missing prompt", `{"type":"prompt"}`, InboundMessage{}, true},
		{"unknown type", `{"type":"setup"}`, InboundMessage{}, true},
		{"not json", `voicePrompt`, InboundMessage{}, true},
		{"wrong field type", `{"type":"prompt","voicePrompt":42}`, InboundMessage{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseInbound([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, errInvalidFrame) {
					t.Fatalf("expected errInvalidFrame, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("parseInbound = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOutboundMessageAlwaysCarriesLast(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(OutboundMessage{Type: TypeText, Token: "今日は。"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"type":"text","token":"今日は。","last":false}` {
		t.Fatalf("unexpected frame %s", data)
	}
}
