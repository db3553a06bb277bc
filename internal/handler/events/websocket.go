// Package events streams session lifecycle events to the owner's browser
// tabs over a websocket.
package events

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/apperr"
	eventHub "github.com/zhouzirui/chatstream/internal/events"
	"github.com/zhouzirui/chatstream/internal/middleware"
	"github.com/zhouzirui/chatstream/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Subscriber hands out per-user event subscriptions.
type Subscriber interface {
	Subscribe(userID string) *eventHub.Subscription
}

// WebSocketHandler pushes the caller's session events.
type WebSocketHandler struct {
	hub        Subscriber
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	pingPeriod time.Duration
}

// NewWebSocketHandler creates the feed handler. checkOrigin may be nil to
// accept any origin.
func NewWebSocketHandler(hub Subscriber, checkOrigin func(*http.Request) bool, logger *zap.Logger) *WebSocketHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:     logger.Named("events"),
		pingPeriod: pingPeriod,
	}
}

// RegisterRoutes mounts the feed on r.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleWebSocket)
}

type outgoingMessage struct {
	Type      string          `json:"type"`
	Event     *eventHub.Event `json:"event,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		utils.RespondAppError(w, apperr.New(apperr.ErrUnauthenticated, "Unauthorized"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(user.ID)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readLoop(conn, cancel)

	if err := h.send(conn, outgoingMessage{Type: "connected"}); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.send(conn, outgoingMessage{Type: string(e.Type), Event: &e}); err != nil {
				h.logger.Debug("write event failed", zap.String("user_id", user.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so control messages are processed, and
// cancels the writer once the peer goes away.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
