// Package stream serves the send-turn endpoint: it streams a completion to
// the client as frames and settles the turn exactly once.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/handler/request"
	"github.com/zhouzirui/chatstream/internal/metrics"
	"github.com/zhouzirui/chatstream/internal/middleware"
	"github.com/zhouzirui/chatstream/internal/service/ai"
	chatService "github.com/zhouzirui/chatstream/internal/service/chat"
	"github.com/zhouzirui/chatstream/internal/service/turn"
	"github.com/zhouzirui/chatstream/pkg/frame"
	"github.com/zhouzirui/chatstream/pkg/utils"
)

// Engine starts a streamed completion.
type Engine interface {
	Stream(ctx context.Context, req ai.Request) (*ai.Completion, error)
}

// Sessions is the slice of the chat service the coordinator needs.
type Sessions interface {
	Resolve(ctx context.Context, userID, sessionID, firstMessage string) (chatService.Resolution, error)
	CommitTurn(ctx context.Context, in chatService.TurnCommit) (chatService.CommittedTurn, error)
	CleanupOrphanedSession(ctx context.Context, sessionID string) (bool, error)
}

// Options tunes a Handler.
type Options struct {
	// CharDelay paces output one rune per frame when positive.
	CharDelay     time.Duration
	CommitTimeout time.Duration
	Logger        *zap.Logger
}

// Handler manages streaming AI responses.
type Handler struct {
	engine        Engine
	sessions      Sessions
	charDelay     time.Duration
	commitTimeout time.Duration
	logger        *zap.Logger
}

// New creates a new stream handler.
func New(engine Engine, sessions Sessions, opts Options) *Handler {
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		engine:        engine,
		sessions:      sessions,
		charDelay:     opts.CharDelay,
		commitTimeout: opts.CommitTimeout,
		logger:        opts.Logger.Named("stream"),
	}
}

// SendTurn handles POST /api/chat.
func (h *Handler) SendTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.UserFrom(ctx)
	if !ok {
		utils.RespondAppError(w, apperr.New(apperr.ErrUnauthenticated, "Unauthorized"))
		return
	}

	var body request.SendTurn
	if err := request.Decode(r, &body); err != nil {
		utils.RespondAppErrorDetails(w, err, request.Details(err))
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	res, err := h.sessions.Resolve(ctx, user.ID, body.SessionID, body.Message)
	if err != nil {
		if apperr.KindOf(err) == apperr.ErrFatal {
			h.logger.Error("resolve session failed", zap.String("user_id", user.ID), zap.Error(err))
		}
		utils.RespondAppError(w, err)
		return
	}

	t := &turnRun{
		h:       h,
		userID:  user.ID,
		state:   turn.New(res.SessionID, body.Message, res.IsNewSession),
		started: time.Now(),
		logger:  h.logger.With(zap.String("session_id", res.SessionID), zap.String("user_id", user.ID)),
	}
	t.run(ctx, w, res.History)
}

// turnRun is the per-request coordinator. The drain loop and the abort
// watcher race to settle state; Claim picks the winner.
type turnRun struct {
	h       *Handler
	userID  string
	state   *turn.State
	started time.Time
	logger  *zap.Logger
}

func (t *turnRun) run(ctx context.Context, w http.ResponseWriter, history []ai.HistoryMessage) {
	abortDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(abortDone)
		t.settleAbort(ctx)
	})
	defer func() {
		if !stop() {
			<-abortDone
		}
	}()

	completion, err := t.h.engine.Stream(ctx, ai.Request{History: history, Message: t.state.UserMessage})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if t.settleFailure(ctx) {
			utils.RespondAppError(w, err)
		}
		return
	}
	defer completion.Fragments.Close()

	utils.SetupStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	enc := frame.NewEncoder(w)

	if err := enc.WriteMetadata(frame.Metadata{
		SessionID:     t.state.SessionID,
		UserMessageID: t.state.UserMessageID,
		ToolCalls:     toolCalls(completion.ToolCalls),
		ToolResults:   toolResults(completion.ToolResults),
		IsNewSession:  t.state.IsNewSession,
	}); err != nil {
		t.settleBrokenPipe(ctx, err)
		return
	}

	for {
		fragment, err := completion.Fragments.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if t.settleFailure(ctx) {
				if werr := enc.WriteError(t.state.SessionID, apperr.Code(err), apperr.PublicMessage(err)); werr != nil {
					t.logger.Debug("write error frame failed", zap.Error(werr))
				}
			}
			return
		}
		if t.state.Settled() {
			return
		}

		if err := t.forward(ctx, enc, fragment); err != nil {
			if ctx.Err() == nil {
				t.settleBrokenPipe(ctx, err)
			}
			return
		}
	}

	t.settleComplete(ctx, enc)
}

// forward writes fragment as one text-delta frame, or one frame per rune
// when pacing is on. Text is appended to the turn right before the frame
// carrying it, so an abort saves only what was sent.
func (t *turnRun) forward(ctx context.Context, enc *frame.Encoder, fragment string) error {
	if t.h.charDelay <= 0 {
		t.state.Append(fragment)
		metrics.FragmentsTotal.Inc()
		return enc.WriteText(fragment)
	}

	for i, r := range fragment {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.h.charDelay):
			}
		}
		if t.state.Settled() {
			return nil
		}
		t.state.Append(string(r))
		metrics.FragmentsTotal.Inc()
		if err := enc.WriteText(string(r)); err != nil {
			return err
		}
	}
	return nil
}

// settleComplete commits after the fragment sequence is exhausted.
func (t *turnRun) settleComplete(ctx context.Context, enc *frame.Encoder) {
	if !t.state.Claim(turn.Committed) {
		return
	}

	committed, err := t.commit(ctx)
	if err != nil {
		t.record(metrics.OutcomeSaveFailed)
		if werr := enc.WriteSaveFailed(t.state.SessionID); werr != nil {
			t.logger.Debug("write done frame failed", zap.Error(werr))
		}
		return
	}

	t.record(metrics.OutcomeCompleted)
	if werr := enc.WriteDone(t.state.SessionID, committed.UserMessageID, committed.AIMessageID); werr != nil {
		t.logger.Debug("write done frame failed", zap.Error(werr))
	}
}

// settleAbort runs on the abort watcher once the request context ends. The
// client is gone, so nothing is written.
func (t *turnRun) settleAbort(ctx context.Context) {
	if !t.state.Claim(turn.Committed) {
		return
	}
	t.logger.Info("client aborted turn", zap.Int("chars", len(t.state.Text())))

	if _, err := t.commit(ctx); err != nil {
		t.record(metrics.OutcomeSaveFailed)
		return
	}
	t.record(metrics.OutcomeAborted)
}

// settleBrokenPipe treats a failed write as an abort.
func (t *turnRun) settleBrokenPipe(ctx context.Context, cause error) {
	t.logger.Debug("client write failed", zap.Error(cause))
	t.settleAbort(ctx)
}

// settleFailure discards the turn. A session created for it is removed if
// it is still empty. It reports whether this call settled the turn.
func (t *turnRun) settleFailure(ctx context.Context) bool {
	if !t.state.Claim(turn.Failed) {
		return false
	}
	t.record(metrics.OutcomeFailed)

	if t.state.IsNewSession {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.h.commitTimeout)
		defer cancel()
		if _, err := t.h.sessions.CleanupOrphanedSession(cleanupCtx, t.state.SessionID); err != nil {
			t.logger.Warn("orphan cleanup failed", zap.Error(err))
		}
	}
	return true
}

// commit persists the turn on a context that survives the request.
func (t *turnRun) commit(ctx context.Context) (chatService.CommittedTurn, error) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.h.commitTimeout)
	defer cancel()

	committed, err := t.h.sessions.CommitTurn(commitCtx, chatService.TurnCommit{
		UserID:       t.userID,
		SessionID:    t.state.SessionID,
		UserMessage:  t.state.UserMessage,
		AIMessage:    t.state.Text(),
		IsNewSession: t.state.IsNewSession,
	})
	if err != nil {
		t.logger.Error("commit turn failed", zap.Error(err))
		return chatService.CommittedTurn{}, err
	}
	return committed, nil
}

func (t *turnRun) record(outcome string) {
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.WithLabelValues(outcome).Observe(time.Since(t.started).Seconds())
}

func toolCalls(calls []ai.ToolCall) []frame.ToolCall {
	out := make([]frame.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, frame.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input})
	}
	return out
}

func toolResults(results []ai.ToolResult) []frame.ToolResult {
	out := make([]frame.ToolResult, 0, len(results))
	for _, r := range results {
		out = append(out, frame.ToolResult{ID: r.ID, Name: r.Name, Output: r.Output})
	}
	return out
}
