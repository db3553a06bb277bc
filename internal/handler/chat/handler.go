package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/handler/request"
	"github.com/zhouzirui/chatstream/internal/middleware"
	"github.com/zhouzirui/chatstream/internal/model/chat"
	chatService "github.com/zhouzirui/chatstream/internal/service/chat"
	"github.com/zhouzirui/chatstream/pkg/utils"
)

// Store is the slice of the chat service behind the REST endpoints.
type Store interface {
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]chat.Session, bool, error)
	GetOwnedSession(ctx context.Context, userID, sessionID string) (chat.Session, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error)
	SessionStats(ctx context.Context, sessionID string) (chatService.Stats, error)
	SavePartial(ctx context.Context, userID, sessionID, userMessage, aiMessage string) (chatService.CommittedTurn, error)
	DeleteSession(ctx context.Context, userID, sessionID string) (bool, error)
	DeleteAllSessions(ctx context.Context, userID string) (int64, error)
}

// Handler serves session history and management endpoints.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// New creates a chat handler.
func New(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger.Named("chat")}
}

// RegisterRoutes mounts the endpoints on r. Static segments are registered
// alongside {sessionId}; chi matches them first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Delete("/sessions", h.handleDeleteAllSessions)
	r.Post("/save-partial", h.handleSavePartial)
	r.Get("/{sessionId}", h.handleGetMessages)
	r.Delete("/{sessionId}", h.handleDeleteSession)
}

// SessionSummary is the public view of a session.
type SessionSummary struct {
	ID          string    `json:"id"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ListSessionsResponse is returned by GET /sessions.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	HasMore  bool             `json:"hasMore"`
}

// Pagination describes the window of a message listing.
type Pagination struct {
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
	TotalCount int64 `json:"totalCount"`
}

// MessagesResponse is returned by GET /{sessionId}.
type MessagesResponse struct {
	Session    SessionSummary `json:"session"`
	Messages   []chat.Message `json:"messages"`
	Pagination Pagination     `json:"pagination"`
}

// SavePartialResponse is returned by POST /save-partial.
type SavePartialResponse struct {
	Success       bool   `json:"success"`
	UserMessageID string `json:"userMessageId"`
	AIMessageID   string `json:"aiMessageId"`
}

// DeleteResponse is returned by the delete endpoints.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Deleted int64  `json:"deleted,omitempty"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	page, err := request.ParsePage(r.URL.Query(), chatService.DefaultSessionsLimit)
	if err != nil {
		utils.RespondAppErrorDetails(w, err, request.Details(err))
		return
	}

	sessions, hasMore, err := h.store.ListSessions(r.Context(), user.ID, page.Limit, page.Offset)
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}

	out := ListSessionsResponse{Sessions: make([]SessionSummary, 0, len(sessions)), HasMore: hasMore}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, summary(s))
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	page, err := request.ParsePage(r.URL.Query(), chatService.DefaultMessagesLimit)
	if err != nil {
		utils.RespondAppErrorDetails(w, err, request.Details(err))
		return
	}

	ctx := r.Context()
	session, err := h.store.GetOwnedSession(ctx, user.ID, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, "get session", err)
		return
	}

	messages, err := h.store.ListMessages(ctx, session.ID, page.Limit, page.Offset)
	if err != nil {
		h.fail(w, "list messages", err)
		return
	}
	stats, err := h.store.SessionStats(ctx, session.ID)
	if err != nil {
		h.fail(w, "session stats", err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, MessagesResponse{
		Session:  summary(session),
		Messages: messages,
		Pagination: Pagination{
			Limit:      page.Limit,
			Offset:     page.Offset,
			TotalCount: stats.MessageCount,
		},
	})
}

func (h *Handler) handleSavePartial(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	var body request.SavePartial
	if err := request.Decode(r, &body); err != nil {
		utils.RespondAppErrorDetails(w, err, request.Details(err))
		return
	}

	committed, err := h.store.SavePartial(r.Context(), user.ID, body.SessionID, body.UserMessage, body.AIMessage)
	if err != nil {
		h.fail(w, "save partial", err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, SavePartialResponse{
		Success:       true,
		UserMessageID: committed.UserMessageID,
		AIMessageID:   committed.AIMessageID,
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	deleted, err := h.store.DeleteSession(r.Context(), user.ID, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, "delete session", err)
		return
	}
	if !deleted {
		utils.RespondAppError(w, chatService.ErrSessionNotFound)
		return
	}

	utils.RespondJSON(w, http.StatusOK, DeleteResponse{
		Success: true,
		Message: "Session and all messages deleted successfully",
		Deleted: 1,
	})
}

func (h *Handler) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	n, err := h.store.DeleteAllSessions(r.Context(), user.ID)
	if err != nil {
		h.fail(w, "delete sessions", err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, DeleteResponse{
		Success: true,
		Message: "All sessions deleted successfully",
		Deleted: n,
	})
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (middleware.User, bool) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		utils.RespondAppError(w, apperr.New(apperr.ErrUnauthenticated, "Unauthorized"))
	}
	return user, ok
}

// fail logs unexpected errors and writes the mapped response.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if apperr.KindOf(err) == apperr.ErrFatal {
		h.logger.Error(op+" failed", zap.Error(err))
	}
	utils.RespondAppError(w, err)
}

func summary(s chat.Session) SessionSummary {
	return SessionSummary{
		ID:          s.ID,
		Title:       s.Title,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
