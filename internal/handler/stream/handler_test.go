package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/database/dbtest"
	"github.com/zhouzirui/chatstream/internal/middleware"
	chatmodel "github.com/zhouzirui/chatstream/internal/model/chat"
	"github.com/zhouzirui/chatstream/internal/service/ai"
	chatService "github.com/zhouzirui/chatstream/internal/service/chat"
	"github.com/zhouzirui/chatstream/internal/service/turn"
	"github.com/zhouzirui/chatstream/pkg/frame"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		// started at init by the provider SDKs linked in through config
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// scriptedEngine yields fragments, then optionally blocks until the
// request ends or fails with failErr.
type scriptedEngine struct {
	fragments []string
	startErr  error
	failErr   error
	block     bool
	calls     []ai.ToolCall
	results   []ai.ToolResult
}

func (e *scriptedEngine) Stream(ctx context.Context, _ ai.Request) (*ai.Completion, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	return &ai.Completion{
		ToolCalls:   e.calls,
		ToolResults: e.results,
		Fragments:   &scriptedFragments{ctx: ctx, engine: e},
	}, nil
}

type scriptedFragments struct {
	ctx    context.Context
	engine *scriptedEngine
	next   int
}

func (f *scriptedFragments) Recv() (string, error) {
	if f.next < len(f.engine.fragments) {
		f.next++
		return f.engine.fragments[f.next-1], nil
	}
	switch {
	case f.engine.block:
		<-f.ctx.Done()
		return "", f.ctx.Err()
	case f.engine.failErr != nil:
		return "", f.engine.failErr
	default:
		return "", io.EOF
	}
}

func (f *scriptedFragments) Close() {}

// countingSessions counts commits and can force them to fail.
type countingSessions struct {
	*chatService.Service
	commits   atomic.Int32
	commitErr error
}

func (c *countingSessions) CommitTurn(ctx context.Context, in chatService.TurnCommit) (chatService.CommittedTurn, error) {
	c.commits.Add(1)
	if c.commitErr != nil {
		return chatService.CommittedTurn{}, c.commitErr
	}
	return c.Service.CommitTurn(ctx, in)
}

type fixture struct {
	db       *gorm.DB
	svc      *chatService.Service
	sessions *countingSessions
	owner    chatmodel.User
	other    chatmodel.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	svc := chatService.NewService(db, nil, chatService.Options{})

	owner, err := svc.EnsureUser(context.Background(), chatService.Identity{Email: "owner@example.com"})
	require.NoError(t, err)
	other, err := svc.EnsureUser(context.Background(), chatService.Identity{Email: "other@example.com"})
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, sessions: &countingSessions{Service: svc}, owner: owner, other: other}
}

func (f *fixture) handler(engine Engine, opts Options) *Handler {
	return New(engine, f.sessions, opts)
}

func (f *fixture) serve(h *Handler, user chatmodel.User, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req = req.WithContext(middleware.WithUser(req.Context(), middleware.User{ID: user.ID, Email: user.Email}))
	rec := httptest.NewRecorder()
	h.SendTurn(rec, req)
	return rec
}

func (f *fixture) existingSession(t *testing.T) string {
	t.Helper()
	res, err := f.svc.Resolve(context.Background(), f.owner.ID, "", "seed")
	require.NoError(t, err)
	_, err = f.svc.CommitTurn(context.Background(), chatService.TurnCommit{
		UserID: f.owner.ID, SessionID: res.SessionID, UserMessage: "seed", AIMessage: "ok", IsNewSession: true,
	})
	require.NoError(t, err)
	return res.SessionID
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func decodeFrames(t *testing.T, r io.Reader) []frame.Frame {
	t.Helper()
	dec := frame.NewDecoder(r)
	var frames []frame.Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestSendTurnNewSessionStreamsAndCommits(t *testing.T) {
	f := newFixture(t)
	engine := &scriptedEngine{fragments: []string{"Hel", "lo", " there"}}
	rec := f.serve(f.handler(engine, Options{}), f.owner, `{"message":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	frames := decodeFrames(t, rec.Body)
	require.Len(t, frames, 5)

	md := frames[0]
	require.Equal(t, frame.KindMetadata, md.Kind)
	assert.True(t, md.Metadata.IsNewSession)
	assert.NotEmpty(t, md.Metadata.SessionID)
	assert.True(t, strings.HasPrefix(md.Metadata.UserMessageID, "temp-"))
	assert.JSONEq(t, `[]`, mustJSON(t, md.Metadata.ToolCalls))

	for i, want := range engine.fragments {
		require.Equal(t, frame.KindText, frames[i+1].Kind)
		assert.Equal(t, want, frames[i+1].Text.Text)
	}

	done := frames[4]
	require.Equal(t, frame.KindDone, done.Kind)
	assert.Equal(t, md.Metadata.SessionID, done.Done.SessionID)
	assert.False(t, done.Done.SaveFailed)

	msgs, err := f.svc.ListMessages(context.Background(), md.Metadata.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, done.Done.UserMessageID, msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, done.Done.AIMessageID, msgs[1].ID)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.Equal(t, int32(1), f.sessions.commits.Load())
}

func TestSendTurnExistingSessionEchoesToolActivity(t *testing.T) {
	f := newFixture(t)
	sessionID := f.existingSession(t)
	engine := &scriptedEngine{
		fragments: []string{"Sunny"},
		calls:     []ai.ToolCall{{ID: "c1", Name: "getWeather", Input: json.RawMessage(`{"city":"Paris"}`)}},
		results:   []ai.ToolResult{{ID: "c1", Name: "getWeather", Output: json.RawMessage(`{"tempC":21}`)}},
	}

	rec := f.serve(f.handler(engine, Options{}), f.owner, `{"message":"weather?","sessionId":"`+sessionID+`"}`)
	frames := decodeFrames(t, rec.Body)
	require.Len(t, frames, 3)

	md := frames[0].Metadata
	assert.False(t, md.IsNewSession)
	assert.Equal(t, sessionID, md.SessionID)
	require.Len(t, md.ToolCalls, 1)
	assert.Equal(t, "getWeather", md.ToolResults[0].Name)
	assert.Equal(t, frame.KindDone, frames[2].Kind)

	stats, err := f.svc.SessionStats(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.MessageCount)
}

func TestSendTurnForeignSessionIsNotFound(t *testing.T) {
	f := newFixture(t)
	sessionID := f.existingSession(t)
	before := f.count(t, &chatmodel.Message{})

	rec := f.serve(f.handler(&scriptedEngine{fragments: []string{"x"}}, Options{}), f.other,
		`{"message":"continue","sessionId":"`+sessionID+`"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), frame.Prefix)
	assert.Equal(t, before, f.count(t, &chatmodel.Message{}))
	assert.Zero(t, f.sessions.commits.Load())
}

func TestSendTurnValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.serve(f.handler(&scriptedEngine{}, Options{}), f.owner, `{"message":"   "}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message"`)
	assert.Zero(t, f.count(t, &chatmodel.Session{}))
}

func TestSendTurnRequiresUser(t *testing.T) {
	h := New(&scriptedEngine{}, nil, Options{})
	rec := httptest.NewRecorder()
	h.SendTurn(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendTurnRateLimitedStartCleansUpNewSession(t *testing.T) {
	f := newFixture(t)
	engine := &scriptedEngine{startErr: apperr.Wrap(apperr.ErrRateLimited, "", errors.New("RESOURCE_EXHAUSTED"))}

	rec := f.serve(f.handler(engine, Options{}), f.owner, `{"message":"hi"}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"API rate limit reached. Please try again in a moment.","code":"RATE_LIMIT"}`, rec.Body.String())
	assert.Zero(t, f.count(t, &chatmodel.Session{}))
	assert.Zero(t, f.count(t, &chatmodel.Message{}))
}

func TestSendTurnFailureMidStreamDiscardsTurn(t *testing.T) {
	f := newFixture(t)
	engine := &scriptedEngine{
		fragments: []string{"partial", " answer"},
		failErr:   apperr.Wrap(apperr.ErrFatal, "", errors.New("upstream reset")),
	}

	rec := f.serve(f.handler(engine, Options{}), f.owner, `{"message":"hi"}`)
	frames := decodeFrames(t, rec.Body)

	require.Len(t, frames, 4)
	assert.Equal(t, frame.KindMetadata, frames[0].Kind)
	assert.Equal(t, frame.KindText, frames[2].Kind)
	require.Equal(t, frame.KindError, frames[3].Kind)
	assert.Equal(t, "INTERNAL", frames[3].Error.Code)
	assert.Equal(t, frames[0].Metadata.SessionID, frames[3].Error.SessionID)
	for _, fr := range frames {
		assert.NotEqual(t, frame.KindDone, fr.Kind)
	}

	assert.Zero(t, f.count(t, &chatmodel.Session{}))
	assert.Zero(t, f.count(t, &chatmodel.Message{}))
	assert.Zero(t, f.sessions.commits.Load())
}

func TestSendTurnFailureKeepsExistingSession(t *testing.T) {
	f := newFixture(t)
	sessionID := f.existingSession(t)
	engine := &scriptedEngine{failErr: apperr.Wrap(apperr.ErrTransient, "", errors.New("timeout"))}

	rec := f.serve(f.handler(engine, Options{}), f.owner, `{"message":"again","sessionId":"`+sessionID+`"}`)
	frames := decodeFrames(t, rec.Body)

	require.Len(t, frames, 2)
	assert.Equal(t, "TRANSIENT", frames[1].Error.Code)
	_, err := f.svc.GetSession(context.Background(), sessionID)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), f.count(t, &chatmodel.Message{}))
}

func TestSendTurnSaveFailureReportsInDoneFrame(t *testing.T) {
	f := newFixture(t)
	f.sessions.commitErr = errors.New("disk full")

	rec := f.serve(f.handler(&scriptedEngine{fragments: []string{"a"}}, Options{}), f.owner, `{"message":"hi"}`)
	frames := decodeFrames(t, rec.Body)

	require.Len(t, frames, 3)
	done := frames[2]
	require.Equal(t, frame.KindDone, done.Kind)
	assert.True(t, done.Done.SaveFailed)
	assert.Empty(t, done.Done.AIMessageID)
	assert.Equal(t, frames[0].Metadata.SessionID, done.Done.SessionID)
	assert.Equal(t, int32(1), f.sessions.commits.Load())
}

func TestSendTurnPacesRunes(t *testing.T) {
	f := newFixture(t)
	rec := f.serve(f.handler(&scriptedEngine{fragments: []string{"hé", "y"}}, Options{CharDelay: time.Millisecond}), f.owner, `{"message":"hi"}`)
	frames := decodeFrames(t, rec.Body)

	require.Len(t, frames, 5)
	var got []string
	for _, fr := range frames[1:4] {
		got = append(got, fr.Text.Text)
	}
	assert.Equal(t, []string{"h", "é", "y"}, got)
}

// streamOverNetwork runs the handler behind a real server so client
// disconnects cancel the request context.
func streamOverNetwork(t *testing.T, f *fixture, h *Handler, body string, stopAfter int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.WithUser(r.Context(), middleware.User{ID: f.owner.ID})
		h.SendTurn(w, r.WithContext(ctx))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, bytes.NewBufferString(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	dec := frame.NewDecoder(resp.Body)
	md, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindMetadata, md.Kind)

	for range stopAfter {
		fr, err := dec.Next()
		require.NoError(t, err)
		require.Equal(t, frame.KindText, fr.Kind)
	}
	cancel()
	return md.Metadata.SessionID
}

func (f *fixture) waitForMessages(t *testing.T, sessionID string, n int) []chatmodel.Message {
	t.Helper()
	var msgs []chatmodel.Message
	require.Eventually(t, func() bool {
		var err error
		msgs, err = f.svc.ListMessages(context.Background(), sessionID, 0, 0)
		return err == nil && len(msgs) == n
	}, 5*time.Second, 10*time.Millisecond)
	return msgs
}

func TestSendTurnAbortCommitsReceivedFragments(t *testing.T) {
	f := newFixture(t)
	engine := &scriptedEngine{fragments: []string{"one ", "two ", "three"}, block: true}
	h := f.handler(engine, Options{})

	sessionID := streamOverNetwork(t, f, h, `{"message":"count"}`, 3)
	msgs := f.waitForMessages(t, sessionID, 2)

	assert.Equal(t, "count", msgs[0].Content)
	assert.Equal(t, "one two three", msgs[1].Content)
	assert.Equal(t, int32(1), f.sessions.commits.Load())
}

func TestSendTurnPacedAbortStoresOnlySentRunes(t *testing.T) {
	f := newFixture(t)
	engine := &scriptedEngine{fragments: []string{"abcdefghij"}, block: true}
	h := f.handler(engine, Options{CharDelay: 100 * time.Millisecond})

	sessionID := streamOverNetwork(t, f, h, `{"message":"spell"}`, 2)
	msgs := f.waitForMessages(t, sessionID, 2)

	assert.Equal(t, "ab", msgs[1].Content)
	assert.Equal(t, int32(1), f.sessions.commits.Load())
}

func TestSendTurnAbortBeforeAnyFragmentStoresPlaceholder(t *testing.T) {
	f := newFixture(t)
	h := f.handler(&scriptedEngine{block: true}, Options{})

	sessionID := streamOverNetwork(t, f, h, `{"message":"never mind"}`, 0)
	msgs := f.waitForMessages(t, sessionID, 2)

	assert.Equal(t, chatService.StoppedPlaceholder, msgs[1].Content)
	assert.Equal(t, int32(1), f.sessions.commits.Load())
}

func TestSettleRaceCommitsOnce(t *testing.T) {
	f := newFixture(t)
	h := f.handler(&scriptedEngine{}, Options{})

	for range 20 {
		res, err := f.svc.Resolve(context.Background(), f.owner.ID, "", "race")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		run := &turnRun{h: h, userID: f.owner.ID, state: turn.New(res.SessionID, "race", true), logger: h.logger}
		run.state.Append("partial")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			run.settleAbort(ctx)
		}()
		go func() {
			defer wg.Done()
			run.settleComplete(ctx, frame.NewEncoder(io.Discard))
		}()
		cancel()
		wg.Wait()
	}

	assert.Equal(t, int32(20), f.sessions.commits.Load())
	assert.Equal(t, int64(40), f.count(t, &chatmodel.Message{}))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
