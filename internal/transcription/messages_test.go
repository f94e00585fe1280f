package transcription

import (
	"testing"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
)

func TestDecodeServerMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType ServerMessageType
		wantText string
		wantErr  bool
	}{
		{"start ack", `{"type":"start"}`, ServerStart, "", false},
		{"interim", `{"type":"interim","text":"hel"}`, ServerInterim, "hel", false},
		{"interim empty text", `{"type":"interim"}`, ServerInterim, "", false},
		{"final", `{"type":"final","text":"hello world"}`, ServerFinal, "hello world", false},
		{"error with message", `{"type":"error","message":"quota exceeded"}`, ServerError, "", false},
		{"error with error field", `{"type":"error","error":"bad input"}`, ServerError, "", false},
		{"unknown type", `{"type":"metadata","text":"x"}`, "", "", true},
		{"missing type", `{"text":"x"}`, "", "", true},
		{"not json", `audio bytes`, "", "", true},
		{"empty", ``, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeServerMessage([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				if fault.KindOf(err) != fault.KindProtocol {
					t.Errorf("error kind = %q, want %q", fault.KindOf(err), fault.KindProtocol)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("type = %q, want %q", msg.Type, tt.wantType)
			}
			if msg.Text != tt.wantText {
				t.Errorf("text = %q, want %q", msg.Text, tt.wantText)
			}
		})
	}
}

func TestDecodeServerErrorMessageText(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"error","message":"region not supported"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Message != "region not supported" {
		t.Errorf("message = %q, want %q", msg.Message, "region not supported")
	}

	msg, err = DecodeServerMessage([]byte(`{"type":"error"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Message == "" {
		t.Error("expected a default error message")
	}
}
