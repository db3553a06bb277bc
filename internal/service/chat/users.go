package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/model/chat"
)

// Identity is what the authenticator knows about the caller.
type Identity struct {
	ID    string
	Email string
	Name  string
	Image string
}

// EnsureUser returns the user with identity.Email, creating it on first
// sight. A supplied ID is only used for the initial insert.
func (s *Service) EnsureUser(ctx context.Context, identity Identity) (chat.User, error) {
	email := strings.ToLower(strings.TrimSpace(identity.Email))
	if email == "" {
		return chat.User{}, apperr.New(apperr.ErrUnauthenticated, "Unauthorized")
	}

	user := chat.User{}
	err := s.db.WithContext(ctx).
		Where(chat.User{Email: email}).
		Attrs(chat.User{ID: identity.ID, Name: identity.Name, Image: identity.Image}).
		FirstOrCreate(&user).Error
	if err != nil {
		return chat.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}
