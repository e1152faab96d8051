// Package protocol defines the tagged message schema exchanged with the
// voice agent backend over a single WebSocket channel. Every message is a
// JSON object with a "type" discriminator; unknown types must be tolerated
// by consumers (logged and ignored) so the server can add message types
// without breaking older clients.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageType is the wire discriminator for transport messages.
type MessageType string

const (
	TypeAuth          MessageType = "auth"
	TypeReady         MessageType = "ready"
	TypeAudioChunk    MessageType = "audio_chunk"
	TypeEndOfSpeech   MessageType = "end_of_speech"
	TypeTextInput     MessageType = "text_input"
	TypeToolCall      MessageType = "tool_call"
	TypeToolResult    MessageType = "tool_result"
	TypeAudioResponse MessageType = "audio_response"
	TypeEndCall       MessageType = "end_call"
	TypeCallSummary   MessageType = "call_summary"
	TypeCostBreakdown MessageType = "cost_breakdown"
	TypeError         MessageType = "error"
)

// Message is implemented by every transport message.
type Message interface {
	MessageType() MessageType
}

// Viseme is a single lip-sync event: mouth shape ID and its offset from the
// start of the accompanying audio buffer. Entries are ordered ascending by
// StartMs.
type Viseme struct {
	ID      string `json:"id"`
	StartMs int    `json:"start_ms"`
}

// Auth is the first client message after connecting; the server answers
// with Ready once the session is validated.
type Auth struct {
	Type      MessageType `json:"type"`
	Token     string      `json:"token"`
	SessionID string      `json:"session_id"`
}

func NewAuth(token, sessionID string) Auth {
	return Auth{Type: TypeAuth, Token: token, SessionID: sessionID}
}

func (Auth) MessageType() MessageType { return TypeAuth }

// Ready signals that the server accepted the handshake and audio will be
// processed from now on.
type Ready struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

func (Ready) MessageType() MessageType { return TypeReady }

// AudioChunk carries one captured PCM block. ChunkNumber starts at 0 and
// strictly increases within a listening turn.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ChunkNumber uint64      `json:"chunk_number"`
	Data        string      `json:"data"` // base64 PCM16
	IsFinal     bool        `json:"is_final"`
}

func NewAudioChunk(sessionID string, n uint64, pcm []byte, isFinal bool) AudioChunk {
	return AudioChunk{
		Type:        TypeAudioChunk,
		SessionID:   sessionID,
		ChunkNumber: n,
		Data:        EncodePCM(pcm),
		IsFinal:     isFinal,
	}
}

func (AudioChunk) MessageType() MessageType { return TypeAudioChunk }

// EndOfSpeech tells the server the utterance is complete and how many
// chunks were sent for it.
type EndOfSpeech struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TotalChunks uint64      `json:"total_chunks"`
}

func NewEndOfSpeech(sessionID string, totalChunks uint64) EndOfSpeech {
	return EndOfSpeech{Type: TypeEndOfSpeech, SessionID: sessionID, TotalChunks: totalChunks}
}

func (EndOfSpeech) MessageType() MessageType { return TypeEndOfSpeech }

// TextInput submits a typed utterance instead of audio (bypasses STT).
type TextInput struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

func NewTextInput(sessionID, text string) TextInput {
	return TextInput{Type: TypeTextInput, SessionID: sessionID, Text: text}
}

func (TextInput) MessageType() MessageType { return TypeTextInput }

// ToolCall announces that the backend dispatched a tool invocation.
type ToolCall struct {
	Type       MessageType            `json:"type"`
	Tool       string                 `json:"tool"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Arguments  map[string]interface{} `json:"arguments"`
	Status     string                 `json:"status,omitempty"`
	Message    string                 `json:"message,omitempty"`
}

func (ToolCall) MessageType() MessageType { return TypeToolCall }

// ToolResult finalizes the in-flight tool invocation.
type ToolResult struct {
	Type       MessageType            `json:"type"`
	Tool       string                 `json:"tool"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Result     map[string]interface{} `json:"result"`
}

func (ToolResult) MessageType() MessageType { return TypeToolResult }

// AudioResponse carries the synthesized spoken answer plus its viseme
// timeline. ShouldEndCall asks the client to send EndCall once playback of
// this response finishes.
type AudioResponse struct {
	Type           MessageType `json:"type"`
	Text           string      `json:"text"`
	UserTranscript string      `json:"user_transcript,omitempty"`
	AudioData      string      `json:"audio_data"` // base64 PCM16
	AudioFormat    string      `json:"audio_format,omitempty"`
	SampleRate     int         `json:"sample_rate"`
	DurationMs     int         `json:"duration_ms,omitempty"`
	Visemes        []Viseme    `json:"visemes"`
	ShouldEndCall  bool        `json:"should_end_call"`
}

func (AudioResponse) MessageType() MessageType { return TypeAudioResponse }

// PCM decodes the base64 audio payload.
func (m AudioResponse) PCM() ([]byte, error) {
	return DecodePCM(m.AudioData)
}

// EndCall asks the server to wrap up the session.
type EndCall struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

func NewEndCall(sessionID string) EndCall {
	return EndCall{Type: TypeEndCall, SessionID: sessionID}
}

func (EndCall) MessageType() MessageType { return TypeEndCall }

// CallSummary is the server's post-call recap.
type CallSummary struct {
	Type               MessageType   `json:"type"`
	Summary            string        `json:"summary"`
	DurationSeconds    float64       `json:"duration_seconds"`
	TotalTurns         int           `json:"total_turns"`
	AppointmentsBooked []interface{} `json:"appointments_booked,omitempty"`
}

func (CallSummary) MessageType() MessageType { return TypeCallSummary }

// CostBreakdown reports per-service usage costs; it is the last message of
// a session.
type CostBreakdown struct {
	Type  MessageType            `json:"type"`
	Costs map[string]interface{} `json:"costs"`
}

func (CostBreakdown) MessageType() MessageType { return TypeCostBreakdown }

// ServerError is a non-fatal error report from the backend.
type ServerError struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (ServerError) MessageType() MessageType { return TypeError }

// Unknown preserves an unrecognized message type so callers can log it.
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

func (u Unknown) MessageType() MessageType { return u.Type }

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.MessageType(), err)
	}
	return data, nil
}

// Decode parses a wire message into its typed form. Unrecognized types
// decode into Unknown rather than erroring, matching the forward-compatible
// tolerance the protocol requires.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message envelope: %w", err)
	}

	switch envelope.Type {
	case TypeAuth:
		return decodeAs[Auth](data)
	case TypeReady:
		return decodeAs[Ready](data)
	case TypeAudioChunk:
		return decodeAs[AudioChunk](data)
	case TypeEndOfSpeech:
		return decodeAs[EndOfSpeech](data)
	case TypeTextInput:
		return decodeAs[TextInput](data)
	case TypeToolCall:
		return decodeAs[ToolCall](data)
	case TypeToolResult:
		return decodeAs[ToolResult](data)
	case TypeAudioResponse:
		return decodeAs[AudioResponse](data)
	case TypeEndCall:
		return decodeAs[EndCall](data)
	case TypeCallSummary:
		return decodeAs[CallSummary](data)
	case TypeCostBreakdown:
		return decodeAs[CostBreakdown](data)
	case TypeError:
		return decodeAs[ServerError](data)
	default:
		return Unknown{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

// EncodePCM encodes raw PCM16 bytes for transport.
func EncodePCM(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodePCM decodes a base64 PCM16 payload.
func DecodePCM(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return pcm, nil
}
