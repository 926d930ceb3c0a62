// Package conversation defines the Conversation Service contract used by the
// voice-turn coordinator and ships HTTP and WebSocket clients for it.
package conversation

import (
	"context"
	"encoding/json"
)

// Service is the remote conversational backend. It transcribes, reasons and
// synthesizes; the client treats it as a black box.
type Service interface {
	StartSession(ctx context.Context, agentID string) (*Session, error)
	SendText(ctx context.Context, sessionID, text string) (*TextReply, error)
	SendAudioTurn(ctx context.Context, sessionID string, audio AudioUpload) (*TurnResult, error)
	EndSession(ctx context.Context, sessionID string) error
	AudioCapability(ctx context.Context) (*AudioCapability, error)
}

// Session describes a started conversation.
type Session struct {
	SessionID    string `json:"session_id"`
	AgentName    string `json:"agent_name"`
	Model        string `json:"model"`
	FirstMessage string `json:"first_message,omitempty"`
}

// ToolCall describes a single tool invocation performed by the backend.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// TextReply is the response to a typed message.
type TextReply struct {
	Reply      string     `json:"reply"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed int        `json:"tokens_used"`
	LatencyMs  float64    `json:"latency_ms"`
	Done       bool       `json:"done"`
}

// AudioUpload is one finalized recording handed to the backend.
type AudioUpload struct {
	Data     []byte
	MIMEType string
}

// TurnResult is the structured response to an audio turn. Every field is
// optional; absence is not a failure.
type TurnResult struct {
	Transcript       string     `json:"transcript,omitempty"`
	Reply            string     `json:"reply,omitempty"`
	AudioBase64      string     `json:"audio_base64,omitempty"`
	AudioContentType string     `json:"audio_content_type,omitempty"`
	STTMs            float64    `json:"stt_ms"`
	LLMMs            float64    `json:"llm_ms"`
	TTSMs            float64    `json:"tts_ms"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed       int        `json:"tokens_used"`
	Done             bool       `json:"done"`
	NoSpeech         bool       `json:"no_speech,omitempty"`
}

// HasAudio reports whether the result carries a synthesized reply.
func (r *TurnResult) HasAudio() bool {
	return r != nil && r.AudioBase64 != ""
}

// FirstToolCall returns the first tool invocation, if any.
func (r *TurnResult) FirstToolCall() *ToolCall {
	if r == nil || len(r.ToolCalls) == 0 {
		return nil
	}
	tc := r.ToolCalls[0]
	return &tc
}

// AudioCapability reports which speech stages the backend has configured.
type AudioCapability struct {
	STTAvailable bool   `json:"stt_available"`
	TTSAvailable bool   `json:"tts_available"`
	STTProvider  string `json:"stt_provider"`
	TTSProvider  string `json:"tts_provider"`
}
