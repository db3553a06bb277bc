// Package client is a Go client for the chatstream HTTP API.
//
// Read endpoints are retried with capped exponential backoff on network
// errors, 429 and 5xx responses. Writes, including send-turn and
// save-partial, are never retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// APIError is a non-2xx response decoded from the error body.
type APIError struct {
	Status  int               `json:"-"`
	Message string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chatstream: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chatstream: %d: %s", e.Status, e.Message)
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Client talks to one chatstream server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	header     http.Header

	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithIdentity sets the trusted-proxy identity headers.
func WithIdentity(email, name, secret string) Option {
	return func(c *Client) {
		c.header.Set("X-Auth-Email", email)
		if name != "" {
			c.header.Set("X-Auth-Name", name)
		}
		if secret != "" {
			c.header.Set("X-Auth-Secret", secret)
		}
	}
}

// WithRetry tunes read retries. maxTries counts the first attempt.
func WithRetry(maxTries uint, initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.maxTries = max(maxTries, 1)
		c.initialInterval = initial
		c.maxInterval = maxInterval
	}
}

// New returns a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{},
		header:          make(http.Header),
		maxTries:        4,
		initialInterval: 250 * time.Millisecond,
		maxInterval:     4 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session is a chat session summary.
type Session struct {
	ID          string    `json:"id"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is one persisted message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionsPage is a page of sessions.
type SessionsPage struct {
	Sessions []Session `json:"sessions"`
	HasMore  bool      `json:"hasMore"`
}

// MessagesPage is a page of a session's messages.
type MessagesPage struct {
	Session    Session   `json:"session"`
	Messages   []Message `json:"messages"`
	Pagination struct {
		Limit      int   `json:"limit"`
		Offset     int   `json:"offset"`
		TotalCount int64 `json:"totalCount"`
	} `json:"pagination"`
}

// SavedTurn holds the identifiers of a saved partial turn.
type SavedTurn struct {
	UserMessageID string `json:"userMessageId"`
	AIMessageID   string `json:"aiMessageId"`
}

// ListSessions fetches a page of the caller's sessions.
func (c *Client) ListSessions(ctx context.Context, limit, offset int) (*SessionsPage, error) {
	var out SessionsPage
	if err := c.getJSON(ctx, "/api/chat/sessions", pageQuery(limit, offset), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages fetches a page of a session's messages.
func (c *Client) GetMessages(ctx context.Context, sessionID string, limit, offset int) (*MessagesPage, error) {
	var out MessagesPage
	if err := c.getJSON(ctx, "/api/chat/"+url.PathEscape(sessionID), pageQuery(limit, offset), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SavePartial persists a turn the caller assembled after losing the stream.
// Call it at most once per turn.
func (c *Client) SavePartial(ctx context.Context, sessionID, userMessage, aiMessage string) (*SavedTurn, error) {
	var out SavedTurn
	body := map[string]string{"sessionId": sessionID, "userMessage": userMessage, "aiMessage": aiMessage}
	if err := c.sendJSON(ctx, http.MethodPost, "/api/chat/save-partial", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession removes one session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(sessionID), nil, nil)
}

// DeleteAllSessions removes every session of the caller and returns the count.
func (c *Client) DeleteAllSessions(ctx context.Context) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := c.sendJSON(ctx, http.MethodDelete, "/api/chat/sessions", nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	op := func() (struct{}, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			apiErr := decodeAPIError(resp)
			if apiErr.Retryable() {
				return struct{}{}, apiErr
			}
			return struct{}{}, backoff.Permanent(apiErr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	return err
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, nil, reader)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for key, values := range c.header {
		req.Header[key] = values
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	return b
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
