package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/config"
	"github.com/zhouzirui/chatstream/pkg/utils"
)

const limiterIdleTTL = 10 * time.Minute

// Throttle is a per-user token bucket. Requests without an authenticated
// user pass through untouched.
type Throttle struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle builds a throttle from cfg. A non-positive RPS disables it.
func NewThrottle(cfg config.RateLimitConfig) *Throttle {
	return &Throttle{
		rps:     rate.Limit(cfg.RPS),
		burst:   max(cfg.Burst, 1),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether userID may proceed now.
func (t *Throttle) Allow(userID string) bool {
	if t.rps <= 0 {
		return true
	}

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, b := range t.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(t.buckets, id)
		}
	}

	b, ok := t.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Middleware rejects callers over their budget with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	throttled := apperr.New(apperr.ErrThrottled, "")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		if ok && !t.Allow(user.ID) {
			w.Header().Set("Retry-After", "1")
			utils.RespondAppError(w, throttled)
			return
		}
		next.ServeHTTP(w, r)
	})
}
