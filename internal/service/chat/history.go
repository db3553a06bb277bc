package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/zhouzirui/chatstream/internal/model/chat"
	"github.com/zhouzirui/chatstream/internal/service/ai"
)

// LoadHistory returns the most recent messages of a session, oldest first,
// capped at the configured window.
func (s *Service) LoadHistory(ctx context.Context, sessionID string) ([]ai.HistoryMessage, error) {
	var rows []chat.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at desc").
		Order("id desc").
		Limit(s.historyWindow).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	slices.Reverse(rows)
	history := make([]ai.HistoryMessage, 0, len(rows))
	for _, m := range rows {
		history = append(history, ai.HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return history, nil
}
