package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is a conversation owned by exactly one user.
type Session struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	UserID      string    `gorm:"type:text;not null;index:idx_sessions_user_updated,priority:1" json:"-"`
	Title       *string   `gorm:"type:text" json:"title"`
	Description *string   `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `gorm:"index:idx_sessions_user_updated,priority:2" json:"updatedAt"`

	Messages []Message `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string {
	return "chat_sessions"
}

func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
