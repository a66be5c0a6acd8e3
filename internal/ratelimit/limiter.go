package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"progress-serverless/internal/observability"
)

// Store counts hits for a key inside a window and reports whether the new hit
// is allowed, and if not, how long until it would be.
type Store interface {
	Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

type Limiter struct {
	store   Store
	scope   string
	maxHits int
	window  time.Duration
	logger  *observability.Logger
	now     func() time.Time
}

func NewLimiter(store Store, scope string, maxHits int, window time.Duration, logger *observability.Logger) *Limiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		store:   store,
		scope:   scope,
		maxHits: maxHits,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// Middleware lets requests through when the store itself fails.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.scope + ":" + observability.ClientIP(r)

		allowed, retryAfter, err := l.store.Allow(r.Context(), key, l.maxHits, l.window, l.now().UTC())
		if err != nil {
			sentry.CaptureException(err)
			if l.logger != nil {
				l.logger.Error("rate_limit_store_failed", map[string]any{"error": err.Error(), "scope": l.scope})
			}
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "too many requests"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
