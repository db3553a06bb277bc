package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/events"
	"github.com/zhouzirui/chatstream/internal/model/chat"
)

// ErrSessionNotFound merges "absent" and "owned by someone else".
var ErrSessionNotFound = apperr.New(apperr.ErrNotFound, "Session not found or access denied")

const (
	DefaultHistoryWindow = 20
	DefaultMessagesLimit = 50
	DefaultSessionsLimit = 20
)

// MetadataGenerator produces the raw title/description completion.
type MetadataGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	HistoryWindow   int
	MetadataTimeout time.Duration
	Events          events.Publisher
	Logger          *zap.Logger
}

// Service owns chat sessions and messages in the relational store.
type Service struct {
	db              *gorm.DB
	generator       MetadataGenerator
	events          events.Publisher
	historyWindow   int
	metadataTimeout time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

// Stats summarises a session's messages.
type Stats struct {
	MessageCount int64
	LastActivity time.Time
}

// NewService wires the store. generator may be nil, in which case new
// sessions always receive the default metadata.
func NewService(db *gorm.DB, generator MetadataGenerator, opts Options) *Service {
	if opts.HistoryWindow < 1 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = discard{}
	}

	return &Service{
		db:              db,
		generator:       generator,
		events:          opts.Events,
		historyWindow:   opts.HistoryWindow,
		metadataTimeout: opts.MetadataTimeout,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          opts.Logger.Named("chat"),
	}
}

// GetSession retrieves a session by identifier regardless of owner.
func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	var session chat.Session
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// GetOwnedSession retrieves a session only when userID owns it.
func (s *Service) GetOwnedSession(ctx context.Context, userID, sessionID string) (chat.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if session.UserID != userID {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions pages through the user's sessions, most recently updated
// first. hasMore is computed by fetching one extra row.
func (s *Service) ListSessions(ctx context.Context, userID string, limit, offset int) ([]chat.Session, bool, error) {
	if limit < 1 {
		limit = DefaultSessionsLimit
	}
	offset = max(offset, 0)

	var rows []chat.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Order("id desc").
		Limit(limit + 1).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, false, fmt.Errorf("list sessions: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return rows, hasMore, nil
}

// ListMessages returns a page of a session's messages in chronological order.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	if limit < 1 {
		limit = DefaultMessagesLimit
	}
	offset = max(offset, 0)

	var rows []chat.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at asc").
		Order("id asc").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows, nil
}

// SessionStats counts a session's messages.
func (s *Service) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&chat.Message{}).Where("session_id = ?", sessionID).Count(&count).Error; err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	return Stats{MessageCount: count, LastActivity: session.UpdatedAt}, nil
}

// DeleteSession removes an owned session and its messages. It reports false
// when the session does not exist or belongs to someone else.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ? AND session_id IN (?)", sessionID,
			tx.Model(&chat.Session{}).Select("id").Where("user_id = ?", userID),
		).Delete(&chat.Message{}).Error; err != nil {
			return err
		}

		res := tx.Where("id = ? AND user_id = ?", sessionID, userID).Delete(&chat.Session{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	if deleted {
		s.events.Publish(events.Event{Type: events.SessionDeleted, UserID: userID, SessionID: sessionID})
	}
	return deleted, nil
}

// DeleteAllSessions removes every session of userID and returns how many went.
func (s *Service) DeleteAllSessions(ctx context.Context, userID string) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN (?)",
			tx.Model(&chat.Session{}).Select("id").Where("user_id = ?", userID),
		).Delete(&chat.Message{}).Error; err != nil {
			return err
		}

		res := tx.Where("user_id = ?", userID).Delete(&chat.Session{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return deleted, nil
}

type discard struct{}

func (discard) Publish(events.Event) {}
