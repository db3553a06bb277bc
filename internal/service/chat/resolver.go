package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/events"
	"github.com/zhouzirui/chatstream/internal/model/chat"
	"github.com/zhouzirui/chatstream/internal/service/ai"
)

const (
	DefaultTitle       = "New Session"
	DefaultDescription = "New Session"
)

// Metadata is the generated title and description of a new session.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Resolution describes the session a turn will run against.
type Resolution struct {
	SessionID    string
	IsNewSession bool
	History      []ai.HistoryMessage
}

// Resolve returns the session for the turn. An empty sessionID creates a
// session owned by userID, titled from firstMessage; anything else must be
// an existing session owned by userID. A new session has no history.
func (s *Service) Resolve(ctx context.Context, userID, sessionID, firstMessage string) (Resolution, error) {
	if sessionID != "" {
		if _, err := s.GetOwnedSession(ctx, userID, sessionID); err != nil {
			return Resolution{}, err
		}
		history, err := s.LoadHistory(ctx, sessionID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{SessionID: sessionID, History: history}, nil
	}

	meta := s.GenerateMetadata(ctx, firstMessage)
	session := chat.Session{
		UserID:      userID,
		Title:       &meta.Title,
		Description: &meta.Description,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return Resolution{}, fmt.Errorf("create session: %w", err)
	}

	s.logger.Debug("session created", zap.String("session_id", session.ID), zap.String("user_id", userID))
	s.events.Publish(events.Event{
		Type:        events.SessionCreated,
		UserID:      userID,
		SessionID:   session.ID,
		Title:       meta.Title,
		Description: meta.Description,
	})
	return Resolution{SessionID: session.ID, IsNewSession: true, History: []ai.HistoryMessage{}}, nil
}

// GenerateMetadata asks the generator for a title and description. Any
// failure, timeout or empty field falls back to the defaults.
func (s *Service) GenerateMetadata(ctx context.Context, message string) Metadata {
	meta := Metadata{Title: DefaultTitle, Description: DefaultDescription}
	if s.generator == nil {
		return meta
	}

	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	raw, err := s.generator.Generate(ctx, ai.BuildMetadataPrompt(message))
	if err != nil {
		s.logger.Warn("metadata generation failed", zap.Error(err))
		return meta
	}

	var parsed Metadata
	if err := json.Unmarshal([]byte(ai.CleanMarkdownFormatting(raw)), &parsed); err != nil {
		s.logger.Warn("metadata response is not JSON", zap.Error(err))
		return meta
	}
	if title := strings.TrimSpace(parsed.Title); title != "" {
		meta.Title = title
	}
	if description := strings.TrimSpace(parsed.Description); description != "" {
		meta.Description = description
	}
	return meta
}
