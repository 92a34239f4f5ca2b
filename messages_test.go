package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/avatar-relay/shared"
)

func TestDecodeClientMessages(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  *Message
	}{
		{
			name:  "start session",
			frame: `{"type":"start_session","voice":"Kore"}`,
			want:  NewMessage(MessageStartSession, &StartSession{Voice: "Kore"}),
		},
		{
			name:  "start session without voice",
			frame: `{"type":"start_session"}`,
			want:  NewMessage(MessageStartSession, &StartSession{}),
		},
		{
			name:  "audio chunk",
			frame: `{"type":"audio_chunk","data":"AAEC"}`,
			want:  NewMessage(MessageAudioChunk, &AudioChunk{Data: "AAEC"}),
		},
		{
			name:  "text message",
			frame: `{"type":"text_message","text":"hi"}`,
			want:  NewMessage(MessageTextMessage, &Text{Text: "hi"}),
		},
		{
			name:  "tool response with string result",
			frame: `{"type":"tool_response","id":"7","name":"set_mood","result":"Mood set to sad"}`,
			want:  NewMessage(MessageToolResponse, &ToolResponse{ID: "7", Name: "set_mood", Result: "Mood set to sad"}),
		},
		{
			name:  "tool response with object result",
			frame: `{"type":"tool_response","id":"7","result":{"ok":true}}`,
			want:  NewMessage(MessageToolResponse, &ToolResponse{ID: "7", Result: `{"ok":true}`}),
		},
		{
			name:  "stop session",
			frame: `{"type":"stop_session"}`,
			want:  NewMessage(MessageStopSession, nil),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		err   error
	}{
		{name: "garbage", frame: `{{`, err: shared.ErrMalformedMessage},
		{name: "type not a string", frame: `{"type":1}`, err: shared.ErrMalformedMessage},
		{name: "unknown type", frame: `{"type":"wave"}`, err: shared.ErrUnknownMessage},
		{name: "audio without data", frame: `{"type":"audio_chunk"}`, err: shared.ErrMalformedMessage},
		{name: "voice not a string", frame: `{"type":"start_session","voice":3}`, err: shared.ErrMalformedMessage},
		{name: "tool response without id", frame: `{"type":"tool_response","result":"x"}`, err: shared.ErrMalformedMessage},
		{name: "tool response without result", frame: `{"type":"tool_response","id":"1"}`, err: shared.ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.frame))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEncodeServerMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{
			name: "session started",
			msg:  NewMessage(MessageSessionStarted, &SessionStarted{SessionID: "abc"}),
			want: `{"type":"session_started","sessionId":"abc"}`,
		},
		{
			name: "setup complete",
			msg:  NewMessage(MessageSetupComplete, nil),
			want: `{"type":"setup_complete"}`,
		},
		{
			name: "audio chunk",
			msg:  NewMessage(MessageAudioChunk, &AudioChunk{Data: "AAA=", MimeType: "audio/pcm;rate=24000"}),
			want: `{"type":"audio_chunk","data":"AAA=","mimeType":"audio/pcm;rate=24000"}`,
		},
		{
			name: "tool call without args",
			msg:  NewMessage(MessageToolCall, &ToolCall{ID: "1", Name: "set_mood"}),
			want: `{"type":"tool_call","id":"1","name":"set_mood","args":{}}`,
		},
		{
			name: "session ended without reason",
			msg:  NewMessage(MessageSessionEnded, &SessionEnded{}),
			want: `{"type":"session_ended"}`,
		},
		{
			name: "session ended with reason",
			msg:  NewMessage(MessageSessionEnded, &SessionEnded{Reason: "stopped"}),
			want: `{"type":"session_ended","reason":"stopped"}`,
		},
		{
			name: "error",
			msg:  NewMessage(MessageError, &ErrorMessage{Message: "boom"}),
			want: `{"type":"error","message":"boom"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}

	_, err := (&Message{}).MarshalJSON()
	assert.Error(t, err)
}
