// Package frame implements the line-oriented wire protocol of a streamed
// chat turn. Each frame is one JSON object on a line prefixed by "data: ".
package frame

import (
	"encoding/json"
)

// Prefix marks a frame line.
const Prefix = "data: "

// Terminal frame types.
const (
	TypeDone  = "DONE"
	TypeError = "ERROR"
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindMetadata
	KindText
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindText:
		return "text-delta"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolCall echoes a tool invocation in the metadata frame.
type ToolCall struct {
	ID    string          `json:"toolCallId"`
	Name  string          `json:"toolName"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult echoes a tool output in the metadata frame.
type ToolResult struct {
	ID     string          `json:"toolCallId"`
	Name   string          `json:"toolName"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Metadata is the first frame of every turn.
type Metadata struct {
	SessionID     string       `json:"sessionId"`
	UserMessageID string       `json:"userMessageId"`
	ToolCalls     []ToolCall   `json:"toolCalls"`
	ToolResults   []ToolResult `json:"toolResults"`
	IsNewSession  bool         `json:"isNewSession"`
}

// Text carries one generated fragment.
type Text struct {
	Text string `json:"text"`
}

// Done closes a turn. SaveFailed is set when no commit could be obtained,
// in which case the message identifiers are empty.
type Done struct {
	Type          string `json:"type"`
	UserMessageID string `json:"userMessageId,omitempty"`
	AIMessageID   string `json:"aiMessageId,omitempty"`
	SessionID     string `json:"sessionId"`
	SaveFailed    bool   `json:"saveFailed,omitempty"`
}

// Error closes a turn that failed before anything was committed.
type Error struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

// Frame is a decoded frame. Exactly one of the typed fields is set,
// matching Kind.
type Frame struct {
	Kind     Kind
	Raw      json.RawMessage
	Metadata *Metadata
	Text     *Text
	Done     *Done
	Error    *Error
}
