package frame

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes frames to w, flushing after each one when w supports it.
// It is safe for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	flusher, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: flusher}
}

// WriteMetadata writes the opening frame. Nil tool slices encode as [].
func (e *Encoder) WriteMetadata(m Metadata) error {
	if m.ToolCalls == nil {
		m.ToolCalls = []ToolCall{}
	}
	if m.ToolResults == nil {
		m.ToolResults = []ToolResult{}
	}
	return e.write(m)
}

// WriteText writes one text-delta frame.
func (e *Encoder) WriteText(text string) error {
	return e.write(Text{Text: text})
}

// WriteDone writes the success terminal frame.
func (e *Encoder) WriteDone(sessionID, userMessageID, aiMessageID string) error {
	return e.write(Done{Type: TypeDone, SessionID: sessionID, UserMessageID: userMessageID, AIMessageID: aiMessageID})
}

// WriteSaveFailed writes the terminal frame of a turn whose commit failed.
func (e *Encoder) WriteSaveFailed(sessionID string) error {
	return e.write(Done{Type: TypeDone, SessionID: sessionID, SaveFailed: true})
}

// WriteError writes the terminal frame of a failed turn.
func (e *Encoder) WriteError(sessionID, code, message string) error {
	return e.write(Error{Type: TypeError, SessionID: sessionID, Code: code, Error: message})
}

func (e *Encoder) write(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, 0, len(Prefix)+len(data)+2)
	buf = append(buf, Prefix...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
