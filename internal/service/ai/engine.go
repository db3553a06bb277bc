package ai

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/cloudwego/eino/schema"
)

// HistoryMessage is one prior message handed to the model.
type HistoryMessage struct {
	Role    string
	Content string
}

// Request is the input of a streamed completion.
type Request struct {
	History []HistoryMessage
	Message string
}

// ToolCall is a structured tool invocation made by the model.
type ToolCall struct {
	ID    string          `json:"toolCallId"`
	Name  string          `json:"toolName"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the output a tool returned to the model.
type ToolResult struct {
	ID     string          `json:"toolCallId"`
	Name   string          `json:"toolName"`
	Output json.RawMessage `json:"output"`
}

// Fragments is the lazy text sequence of a completion. Recv returns io.EOF
// once the sequence is exhausted.
type Fragments interface {
	Recv() (string, error)
	Close()
}

// Completion is a started response: tool activity is settled, text is lazy.
type Completion struct {
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Fragments   Fragments
}

// messageFragments replays buffered text before draining the model stream.
type messageFragments struct {
	pending  []string
	reader   *schema.StreamReader[*schema.Message]
	classify func(error) error
}

func newMessageFragments(reader *schema.StreamReader[*schema.Message], pending []string, classify func(error) error) *messageFragments {
	return &messageFragments{pending: pending, reader: reader, classify: classify}
}

func (f *messageFragments) Recv() (string, error) {
	if len(f.pending) > 0 {
		head := f.pending[0]
		f.pending = f.pending[1:]
		return head, nil
	}
	if f.reader == nil {
		return "", io.EOF
	}

	for {
		chunk, err := f.reader.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", f.classify(err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (f *messageFragments) Close() {
	if f.reader != nil {
		f.reader.Close()
	}
}

// rawJSON keeps valid JSON verbatim and quotes anything else.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("null")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
