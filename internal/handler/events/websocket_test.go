package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	eventHub "github.com/zhouzirui/chatstream/internal/events"
	"github.com/zhouzirui/chatstream/internal/middleware"
)

func newServer(t *testing.T, hub *eventHub.Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.URL.Query().Get("user"); id != "" {
				r = r.WithContext(middleware.WithUser(r.Context(), middleware.User{ID: id}))
			}
			next.ServeHTTP(w, r)
		})
	})
	NewWebSocketHandler(hub, nil, zap.NewNop()).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = resp.Body.Close()
	})
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) outgoingMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg outgoingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestFeedDeliversOwnEventsOnly(t *testing.T) {
	hub := eventHub.NewHub(8)
	srv := newServer(t, hub)

	alice := dial(t, srv, "alice")
	assert.Equal(t, "connected", readMessage(t, alice).Type)
	require.Eventually(t, func() bool { return hub.Subscribers("alice") == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(eventHub.Event{Type: eventHub.SessionCreated, UserID: "bob", SessionID: "s-bob"})
	hub.Publish(eventHub.Event{Type: eventHub.SessionCreated, UserID: "alice", SessionID: "s-1", Title: "Trip"})

	msg := readMessage(t, alice)
	assert.Equal(t, string(eventHub.SessionCreated), msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "s-1", msg.Event.SessionID)
	assert.Equal(t, "Trip", msg.Event.Title)
}

func TestFeedUnsubscribesOnClose(t *testing.T) {
	hub := eventHub.NewHub(8)
	srv := newServer(t, hub)

	conn := dial(t, srv, "carol")
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.Subscribers("carol") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return hub.Subscribers("carol") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFeedRequiresUser(t *testing.T) {
	srv := newServer(t, eventHub.NewHub(1))

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
