// Command turntester drives one chat turn against a running server and
// prints the streamed reply, optionally cancelling mid-stream to exercise
// the abort path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/logging"
	"github.com/zhouzirui/chatstream/pkg/client"
	"github.com/zhouzirui/chatstream/pkg/frame"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", envOr("CHATSTREAM_URL", "http://localhost:8080"), "server base URL")
	email := flag.String("email", os.Getenv("CHATSTREAM_EMAIL"), "identity email sent as X-Auth-Email")
	secret := flag.String("secret", os.Getenv("AUTH_SHARED_SECRET"), "shared proxy secret")
	session := flag.String("session", "", "existing session id, empty starts a new session")
	message := flag.String("message", "", "message to send")
	abortAfter := flag.Int("abort-after", 0, "cancel the turn after N text fragments (0 disables)")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	showHistory := flag.Bool("history", false, "print the session's messages after the turn")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *message == "" || *email == "" {
		flag.Usage()
		logger.Fatal("both -message and -email are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	turnCtx, abort := context.WithCancel(ctx)
	defer abort()

	c := client.New(*baseURL, client.WithIdentity(*email, "", *secret))

	var sessionID string
	fragments := 0
	started := time.Now()
	res, err := c.SendTurn(turnCtx, *session, *message, client.TurnCallbacks{
		OnMetadata: func(m frame.Metadata) {
			sessionID = m.SessionID
			logger.Info("turn started",
				zap.String("session_id", m.SessionID),
				zap.Bool("new_session", m.IsNewSession),
				zap.Int("tool_calls", len(m.ToolCalls)))
		},
		OnText: func(text string) {
			fmt.Print(text)
			fragments++
			if *abortAfter > 0 && fragments >= *abortAfter {
				abort()
			}
		},
	})
	fmt.Println()

	switch {
	case err == nil:
		if res.Done.SaveFailed {
			logger.Warn("reply streamed but not saved", zap.String("session_id", sessionID))
		} else {
			logger.Info("turn committed",
				zap.String("session_id", res.Done.SessionID),
				zap.String("ai_message_id", res.Done.AIMessageID),
				zap.Duration("elapsed", time.Since(started)))
		}
	case errors.Is(err, context.Canceled) && turnCtx.Err() != nil && ctx.Err() == nil:
		logger.Info("turn aborted by client", zap.Int("fragments", fragments), zap.String("session_id", sessionID))
	default:
		logger.Fatal("turn failed", zap.Error(err))
	}

	if *showHistory && sessionID != "" {
		// the server settles an aborted turn asynchronously
		time.Sleep(500 * time.Millisecond)
		page, err := c.GetMessages(ctx, sessionID, 0, 0)
		if err != nil {
			logger.Fatal("load messages", zap.Error(err))
		}
		for _, msg := range page.Messages {
			fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
