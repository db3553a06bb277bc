package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zhouzirui/chatstream/internal/events"
	"github.com/zhouzirui/chatstream/internal/metrics"
	"github.com/zhouzirui/chatstream/internal/model/chat"
)

// StoppedPlaceholder replaces an empty assistant reply so a committed turn
// always has both sides.
const StoppedPlaceholder = "(Stopped by user)"

// TurnCommit is the input of CommitTurn.
type TurnCommit struct {
	UserID       string
	SessionID    string
	UserMessage  string
	AIMessage    string
	IsNewSession bool
}

// CommittedTurn holds the identifiers assigned by CommitTurn.
type CommittedTurn struct {
	UserMessageID string
	AIMessageID   string
}

// CommitTurn persists one user message and one assistant message atomically.
// The assistant row is stamped strictly after the user row. For an existing
// session, updated_at is advanced inside the same transaction.
func (s *Service) CommitTurn(ctx context.Context, in TurnCommit) (CommittedTurn, error) {
	content := in.AIMessage
	if content == "" {
		content = StoppedPlaceholder
	}

	now := s.now()
	userMsg := chat.Message{
		SessionID: in.SessionID,
		Role:      chat.RoleUser,
		Content:   in.UserMessage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	aiMsg := chat.Message{
		SessionID: in.SessionID,
		Role:      chat.RoleAssistant,
		Content:   content,
		CreatedAt: now.Add(time.Microsecond),
		UpdatedAt: now.Add(time.Microsecond),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !in.IsNewSession {
			res := tx.Model(&chat.Session{}).Where("id = ?", in.SessionID).Update("updated_at", now)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrSessionNotFound
			}
		}
		if err := tx.Create(&userMsg).Error; err != nil {
			return err
		}
		return tx.Create(&aiMsg).Error
	})
	if err != nil {
		return CommittedTurn{}, fmt.Errorf("commit turn: %w", err)
	}

	if !in.IsNewSession {
		s.events.Publish(events.Event{Type: events.SessionUpdated, UserID: in.UserID, SessionID: in.SessionID, At: now})
	}
	return CommittedTurn{UserMessageID: userMsg.ID, AIMessageID: aiMsg.ID}, nil
}

// SavePartial commits a turn the client assembled itself, for example after
// losing the stream. The session must exist and be owned by userID.
func (s *Service) SavePartial(ctx context.Context, userID, sessionID, userMessage, aiMessage string) (CommittedTurn, error) {
	if _, err := s.GetOwnedSession(ctx, userID, sessionID); err != nil {
		return CommittedTurn{}, err
	}
	return s.CommitTurn(ctx, TurnCommit{
		UserID:      userID,
		SessionID:   sessionID,
		UserMessage: userMessage,
		AIMessage:   aiMessage,
	})
}

// CleanupOrphanedSession deletes sessionID if it holds no messages. The
// check and the delete share a transaction, so a session that gained
// messages in the meantime is left alone. It reports whether a row went.
func (s *Service) CleanupOrphanedSession(ctx context.Context, sessionID string) (bool, error) {
	var (
		deleted bool
		owner   string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&chat.Message{}).Where("session_id = ?", sessionID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		var session chat.Session
		res := tx.Where("id = ?", sessionID).Limit(1).Find(&session)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		owner = session.UserID

		del := tx.Where("id = ?", sessionID).Delete(&chat.Session{})
		if del.Error != nil {
			return del.Error
		}
		deleted = del.RowsAffected > 0
		return nil
	})
	if err != nil {
		metrics.OrphanCleanupsTotal.WithLabelValues("error").Inc()
		s.logger.Error("orphaned session cleanup failed", zap.String("session_id", sessionID), zap.Error(err))
		return false, fmt.Errorf("cleanup session: %w", err)
	}

	if !deleted {
		metrics.OrphanCleanupsTotal.WithLabelValues("kept").Inc()
		return false, nil
	}
	metrics.OrphanCleanupsTotal.WithLabelValues("deleted").Inc()
	s.logger.Info("orphaned session removed", zap.String("session_id", sessionID))
	s.events.Publish(events.Event{Type: events.SessionDeleted, UserID: owner, SessionID: sessionID})
	return true, nil
}
