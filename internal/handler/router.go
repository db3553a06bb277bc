package handler

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/config"
	"github.com/zhouzirui/chatstream/internal/handler/chat"
	eventsHandler "github.com/zhouzirui/chatstream/internal/handler/events"
	"github.com/zhouzirui/chatstream/internal/handler/stream"
	"github.com/zhouzirui/chatstream/internal/metrics"
	middlewarePkg "github.com/zhouzirui/chatstream/internal/middleware"
	chatService "github.com/zhouzirui/chatstream/internal/service/chat"
	"github.com/zhouzirui/chatstream/pkg/utils"
)

// Dependencies are the services the router wires to routes.
type Dependencies struct {
	Config *config.Config
	Chat   *chatService.Service
	// Engine is nil when no completion model is configured.
	Engine stream.Engine
	Events eventsHandler.Subscriber
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Server.AllowedOrigins,
		cfg.Auth.UserHeader, cfg.Auth.EmailHeader, cfg.Auth.NameHeader, cfg.Auth.SecretHeader))

	r.Get("/healthz", handleHealth(deps.Health))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	chatHandler := chat.New(deps.Chat, logger)
	eventFeed := eventsHandler.NewWebSocketHandler(deps.Events, originChecker(cfg.Server.AllowedOrigins), logger)
	throttle := middlewarePkg.NewThrottle(cfg.RateLimit)

	var streamHandler *stream.Handler
	if deps.Engine != nil {
		streamHandler = stream.New(deps.Engine, deps.Chat, stream.Options{
			CharDelay:     cfg.Chat.CharDelay,
			CommitTimeout: cfg.Chat.CommitTimeout,
			Logger:        logger,
		})
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.Authenticate(cfg.Auth, deps.Chat, logger))

		api.Route("/chat", func(cr chi.Router) {
			cr.With(throttle.Middleware).Post("/", func(w http.ResponseWriter, r *http.Request) {
				if streamHandler == nil {
					utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
					return
				}
				streamHandler.SendTurn(w, r)
			})

			eventFeed.RegisterRoutes(cr)
			chatHandler.RegisterRoutes(cr)
		})
	})

	return r
}

func handleHealth(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				utils.RespondError(w, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
