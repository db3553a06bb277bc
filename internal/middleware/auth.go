// Package middleware holds the HTTP middleware chain of the API.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/config"
	chatmodel "github.com/zhouzirui/chatstream/internal/model/chat"
	chatService "github.com/zhouzirui/chatstream/internal/service/chat"
	"github.com/zhouzirui/chatstream/pkg/utils"
)

type ctxKey struct{}

// User is the authenticated caller attached to the request context.
type User struct {
	ID    string
	Email string
	Name  string
}

// UserStore resolves an identity into a stored user.
type UserStore interface {
	EnsureUser(ctx context.Context, identity chatService.Identity) (chatmodel.User, error)
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// UserFrom returns the authenticated user, if any.
func UserFrom(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(ctxKey{}).(User)
	return user, ok && user.ID != ""
}

// Authenticate trusts identity headers set by the fronting proxy. When a
// shared secret is configured the proxy must also present it.
func Authenticate(cfg config.AuthConfig, users UserStore, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("auth")
	unauthorized := apperr.New(apperr.ErrUnauthenticated, "Unauthorized")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.SharedSecret != "" {
				presented := r.Header.Get(cfg.SecretHeader)
				if subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.SharedSecret)) != 1 {
					utils.RespondAppError(w, unauthorized)
					return
				}
			}

			email := strings.TrimSpace(r.Header.Get(cfg.EmailHeader))
			if email == "" {
				utils.RespondAppError(w, unauthorized)
				return
			}

			stored, err := users.EnsureUser(r.Context(), chatService.Identity{
				ID:    strings.TrimSpace(r.Header.Get(cfg.UserHeader)),
				Email: email,
				Name:  strings.TrimSpace(r.Header.Get(cfg.NameHeader)),
			})
			if err != nil {
				logger.Error("resolve user failed", zap.Error(err))
				utils.RespondAppError(w, err)
				return
			}

			ctx := WithUser(r.Context(), User{ID: stored.ID, Email: stored.Email, Name: stored.Name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
