package agentapi

import (
	"encoding/json"

	"github.com/harun/relay/pkg/session"
)

// EventType classifies a stream event from the agent API.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventError      EventType = "error"
	EventFinish     EventType = "finish"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID   string            `json:"sessionId"`
	CharacterID string            `json:"characterId,omitempty"`
	Messages    []session.Message `json:"messages"`
}

// ToolCall is a tool invocation announced by the agent.
type ToolCall struct {
	ID    string          `json:"toolCallId"`
	Name  string          `json:"toolName"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the output of a tool the agent ran.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"toolName"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Event is one decoded stream event.
type Event struct {
	Type       EventType
	Delta      string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Error      string
	Finish     string
}

// EventHandler observes stream events as they arrive.
type EventHandler func(Event)

// Response is the accumulated result of a completed stream.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	ToolResults  []ToolResult
	FinishReason string
	Attempts     int
}

// AnswerRequest is the body of POST /chat/answer.
type AnswerRequest struct {
	SessionID   string            `json:"sessionId"`
	CharacterID string            `json:"characterId,omitempty"`
	ToolUseID   string            `json:"toolUseId"`
	Answers     map[string]string `json:"answers"`
}

// CompactRequest is the body of POST /chat/compact.
type CompactRequest struct {
	SessionID   string `json:"sessionId"`
	CharacterID string `json:"characterId,omitempty"`
}
