package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one persisted side of a turn.
type Message struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	SessionID string    `gorm:"type:text;not null;index:idx_messages_session_created,priority:1" json:"-"`
	Role      Role      `gorm:"type:text;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_messages_session_created,priority:2" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
