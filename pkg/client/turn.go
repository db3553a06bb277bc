package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhouzirui/chatstream/pkg/frame"
)

// ErrIncompleteStream is returned when the stream ends without a terminal
// frame.
var ErrIncompleteStream = errors.New("chatstream: stream ended before the turn settled")

// TurnError is the terminal error frame of a failed turn.
type TurnError struct {
	SessionID string
	Code      string
	Message   string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("chatstream: turn failed (%s): %s", e.Code, e.Message)
}

// TurnCallbacks observe a turn while it streams. Nil callbacks are skipped.
type TurnCallbacks struct {
	OnMetadata func(frame.Metadata)
	OnText     func(string)
}

// TurnResult is the outcome of a streamed turn.
type TurnResult struct {
	Metadata frame.Metadata
	Text     string
	Done     frame.Done
}

// SendTurn posts message and consumes the frame stream. An empty sessionID
// starts a new session. Cancel ctx to stop the turn; the server then commits
// what was streamed so far.
func (c *Client) SendTurn(ctx context.Context, sessionID, message string, cb TurnCallbacks) (*TurnResult, error) {
	payload := map[string]string{"message": message}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", nil, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	result := &TurnResult{}
	var text strings.Builder
	dec := frame.NewDecoder(resp.Body)
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			result.Text = text.String()
			return result, ErrIncompleteStream
		}
		if err != nil {
			result.Text = text.String()
			return result, err
		}

		switch f.Kind {
		case frame.KindMetadata:
			result.Metadata = *f.Metadata
			if cb.OnMetadata != nil {
				cb.OnMetadata(*f.Metadata)
			}
		case frame.KindText:
			text.WriteString(f.Text.Text)
			if cb.OnText != nil {
				cb.OnText(f.Text.Text)
			}
		case frame.KindDone:
			result.Text = text.String()
			result.Done = *f.Done
			return result, nil
		case frame.KindError:
			result.Text = text.String()
			return result, &TurnError{SessionID: f.Error.SessionID, Code: f.Error.Code, Message: f.Error.Error}
		}
	}
}
