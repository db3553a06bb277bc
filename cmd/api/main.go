package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/config"
	"github.com/zhouzirui/chatstream/internal/database"
	"github.com/zhouzirui/chatstream/internal/events"
	"github.com/zhouzirui/chatstream/internal/handler"
	"github.com/zhouzirui/chatstream/internal/logging"
	"github.com/zhouzirui/chatstream/internal/service/ai"
	"github.com/zhouzirui/chatstream/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using process environment", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Init(database.Config{
		Path:     cfg.Database.Path,
		LogLevel: cfg.Database.LogLevel,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
	}()

	hub := events.NewHub(32)

	// Without a model the API still serves history; send-turn answers 503.
	aiService := newAIService(ctx, cfg, logger)

	var generator chat.MetadataGenerator
	if aiService != nil {
		generator = aiService
	}
	chatService := chat.NewService(db, generator, chat.Options{
		HistoryWindow:   cfg.Chat.HistoryWindow,
		MetadataTimeout: cfg.AI.MetadataTimeout,
		Events:          hub,
		Logger:          logger,
	})

	deps := handler.Dependencies{
		Config: cfg,
		Chat:   chatService,
		Events: hub,
		Health: func(ctx context.Context) error { return database.Ping(ctx, db) },
		Logger: logger,
	}
	if aiService != nil {
		deps.Engine = aiService
	}

	return startServer(ctx, cfg.Server, handler.NewRouter(deps), logger)
}

func newAIService(ctx context.Context, cfg *config.Config, logger *zap.Logger) *ai.Service {
	if !cfg.AI.Enabled() {
		logger.Warn("AI credentials not configured, send-turn disabled", zap.String("provider", cfg.AI.Provider))
		return nil
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		logger.Error("failed to initialize chat model", zap.Error(err))
		return nil
	}

	tools, err := ai.NewTools(cfg.Tools)
	if err != nil {
		logger.Warn("failed to build tools, continuing without them", zap.Error(err))
		tools = nil
	}

	svc, err := ai.NewService(ctx, chatModel, tools, cfg.AI, logger)
	if err != nil {
		logger.Error("failed to initialize AI service", zap.Error(err))
		return nil
	}

	logger.Info("AI service initialized",
		zap.String("provider", cfg.AI.Provider),
		zap.String("model", cfg.AI.Model),
		zap.Int("tools", len(tools)),
	)
	return svc
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("chatstream listening", zap.String("addr", serverCfg.Addr))
	return runServer(ctx, srv, serverCfg.ShutdownTimeout)
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
