package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxLineSize bounds a single frame line.
const MaxLineSize = 1 << 20

// Decoder reads frames from a byte stream. Lines may arrive split across
// reads; blank lines and lines without the frame prefix are skipped.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next frame, or io.EOF when the stream ends.
func (d *Decoder) Next() (Frame, error) {
	for d.scanner.Scan() {
		line := bytes.TrimRight(d.scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		payload, ok := bytes.CutPrefix(line, []byte(Prefix))
		if !ok {
			continue
		}
		return Parse(payload)
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return Frame{}, io.EOF
}

// Parse classifies a single JSON payload.
func Parse(payload []byte) (Frame, error) {
	var probe struct {
		Type      *string `json:"type"`
		Text      *string `json:"text"`
		SessionID *string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	f := Frame{Raw: append(json.RawMessage(nil), payload...)}
	var err error
	switch {
	case probe.Type != nil && *probe.Type == TypeDone:
		f.Kind, f.Done = KindDone, &Done{}
		err = json.Unmarshal(payload, f.Done)
	case probe.Type != nil && *probe.Type == TypeError:
		f.Kind, f.Error = KindError, &Error{}
		err = json.Unmarshal(payload, f.Error)
	case probe.Text != nil:
		f.Kind, f.Text = KindText, &Text{Text: *probe.Text}
	case probe.SessionID != nil:
		f.Kind, f.Metadata = KindMetadata, &Metadata{}
		err = json.Unmarshal(payload, f.Metadata)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("decode %s frame: %w", f.Kind, err)
	}
	return f, nil
}
