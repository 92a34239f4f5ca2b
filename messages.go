package relay

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/bt-bridge/avatar-relay/shared"
)

type MessageType string

// Client to relay
const (
	MessageStartSession MessageType = "start_session"
	MessageAudioChunk   MessageType = "audio_chunk"
	MessageTextMessage  MessageType = "text_message"
	MessageToolResponse MessageType = "tool_response"
	MessageStopSession  MessageType = "stop_session"
)

// Relay to client. audio_chunk is shared with the client direction.
const (
	MessageSessionStarted      MessageType = "session_started"
	MessageSetupComplete       MessageType = "setup_complete"
	MessageOutputTranscription MessageType = "output_transcription"
	MessageInputTranscription  MessageType = "input_transcription"
	MessageText                MessageType = "text"
	MessageToolCall            MessageType = "tool_call"
	MessageInterrupted         MessageType = "interrupted"
	MessageTurnComplete        MessageType = "turn_complete"
	MessageSessionEnded        MessageType = "session_ended"
	MessageError               MessageType = "error"
)

type MessageParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// Message is one frame of the client link: a flat JSON object whose "type"
// selects the param shape.
type Message struct {
	Type  MessageType
	Param MessageParam
}

func NewMessage(t MessageType, p MessageParam) *Message {
	if p == nil {
		p = Empty{}
	}
	return &Message{Type: t, Param: p}
}

func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{}
	if m.Param != nil {
		for k, v := range m.Param.Json() {
			resp[k] = v
		}
	}
	resp["type"] = m.Type
	return sonic.Marshal(resp)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrMalformedMessage, err)
	}
	v, ok := raw["type"].(string)
	if !ok {
		return fmt.Errorf("%w: missing type", shared.ErrMalformedMessage)
	}
	m.Type = MessageType(v)
	delete(raw, "type")
	switch m.Type {
	case MessageStartSession:
		m.Param = new(StartSession)
	case MessageAudioChunk:
		m.Param = new(AudioChunk)
	case MessageTextMessage, MessageText:
		m.Param = new(Text)
	case MessageToolResponse:
		m.Param = new(ToolResponse)
	case MessageOutputTranscription, MessageInputTranscription:
		m.Param = new(Transcription)
	case MessageToolCall:
		m.Param = new(ToolCall)
	case MessageSessionStarted:
		m.Param = new(SessionStarted)
	case MessageSessionEnded:
		m.Param = new(SessionEnded)
	case MessageError:
		m.Param = new(ErrorMessage)
	case MessageStopSession, MessageSetupComplete, MessageInterrupted, MessageTurnComplete:
		m.Param = Empty{}
	default:
		return fmt.Errorf("%w: %q", shared.ErrUnknownMessage, v)
	}
	if err := m.Param.New(raw); err != nil {
		return fmt.Errorf("%w: %s: %w", shared.ErrMalformedMessage, m.Type, err)
	}
	return nil
}

// DecodeMessage parses one client link frame.
func DecodeMessage(data []byte) (*Message, error) {
	m := new(Message)
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Empty is the param of messages without fields.
type Empty struct{}

func (Empty) New(map[string]any) error { return nil }
func (Empty) Json() map[string]any     { return map[string]any{} }

// start_session
type StartSession struct {
	Voice string
}

func (p *StartSession) New(m map[string]any) error {
	if v, ok := m["voice"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return errors.New("voice must be a string")
		}
		p.Voice = s
	}
	return nil
}

func (p *StartSession) Json() map[string]any {
	return map[string]any{"voice": p.Voice}
}

// audio_chunk, in both directions. MimeType is only set downstream.
type AudioChunk struct {
	Data     string
	MimeType string
}

func (p *AudioChunk) New(m map[string]any) error {
	if v, ok := m["data"].(string); ok {
		p.Data = v
	} else {
		return errors.New("missing data")
	}
	p.MimeType, _ = m["mimeType"].(string)
	return nil
}

func (p *AudioChunk) Json() map[string]any {
	out := map[string]any{"data": p.Data}
	if p.MimeType != "" {
		out["mimeType"] = p.MimeType
	}
	return out
}

// text_message upstream, text downstream
type Text struct {
	Text string
}

func (p *Text) New(m map[string]any) error {
	if v, ok := m["text"].(string); ok {
		p.Text = v
	} else {
		return errors.New("missing text")
	}
	return nil
}

func (p *Text) Json() map[string]any {
	return map[string]any{"text": p.Text}
}

// tool_response
type ToolResponse struct {
	ID     string
	Name   string
	Result string
}

func (p *ToolResponse) New(m map[string]any) error {
	if v, ok := m["id"].(string); ok && v != "" {
		p.ID = v
	} else {
		return errors.New("missing id")
	}
	p.Name, _ = m["name"].(string)
	switch r := m["result"].(type) {
	case string:
		p.Result = r
	case nil:
		return errors.New("missing result")
	default:
		encoded, err := sonic.MarshalString(r)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		p.Result = encoded
	}
	return nil
}

func (p *ToolResponse) Json() map[string]any {
	return map[string]any{"id": p.ID, "name": p.Name, "result": p.Result}
}

// output_transcription, input_transcription
type Transcription struct {
	Text string
}

func (p *Transcription) New(m map[string]any) error {
	if v, ok := m["text"].(string); ok {
		p.Text = v
	} else {
		return errors.New("missing text")
	}
	return nil
}

func (p *Transcription) Json() map[string]any {
	return map[string]any{"text": p.Text}
}

// tool_call
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

func (p *ToolCall) New(m map[string]any) error {
	if v, ok := m["id"].(string); ok {
		p.ID = v
	} else {
		return errors.New("missing id")
	}
	if v, ok := m["name"].(string); ok {
		p.Name = v
	} else {
		return errors.New("missing name")
	}
	p.Args, _ = m["args"].(map[string]any)
	if p.Args == nil {
		p.Args = map[string]any{}
	}
	return nil
}

func (p *ToolCall) Json() map[string]any {
	args := p.Args
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{"id": p.ID, "name": p.Name, "args": args}
}

// session_started
type SessionStarted struct {
	SessionID string
}

func (p *SessionStarted) New(m map[string]any) error {
	p.SessionID, _ = m["sessionId"].(string)
	return nil
}

func (p *SessionStarted) Json() map[string]any {
	return map[string]any{"sessionId": p.SessionID}
}

// session_ended
type SessionEnded struct {
	Reason string
}

func (p *SessionEnded) New(m map[string]any) error {
	p.Reason, _ = m["reason"].(string)
	return nil
}

func (p *SessionEnded) Json() map[string]any {
	if p.Reason == "" {
		return map[string]any{}
	}
	return map[string]any{"reason": p.Reason}
}

// error
type ErrorMessage struct {
	Message string
}

func (p *ErrorMessage) New(m map[string]any) error {
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	return nil
}

func (p *ErrorMessage) Json() map[string]any {
	return map[string]any{"message": p.Message}
}
