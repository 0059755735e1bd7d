// Package admission gates turns with rate limits and an abuse heuristic.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/intake-agent/internal/kv"
	"github.com/capitalize-ai/intake-agent/internal/model"
	"github.com/capitalize-ai/intake-agent/pkg/logger"
	"github.com/capitalize-ai/intake-agent/pkg/metrics"
)

// Categories of counted actions.
const (
	CategoryMessages    = "messages"
	CategorySessions    = "sessions"
	CategorySubmissions = "submissions"
)

// Limit is the number of actions allowed per window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits are the stock limits per category.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		CategoryMessages:    {Max: 30, Window: time.Minute},
		CategorySessions:    {Max: 5, Window: time.Hour},
		CategorySubmissions: {Max: 20, Window: time.Minute},
	}
}

type counter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// RateLimiter counts actions per key and category in a window that starts
// with the first action and resets once it has elapsed.
type RateLimiter struct {
	store  kv.Store
	limits map[string]Limit
	logger *logger.Logger
	now    func() time.Time

	// serialises read-modify-write against the store within this process
	mu sync.Mutex
}

// NewRateLimiter creates a rate limiter over store.
func NewRateLimiter(store kv.Store, limits map[string]Limit, log *logger.Logger) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &RateLimiter{
		store:  store,
		limits: limits,
		logger: log,
		now:    time.Now,
	}
}

// Limit returns the configured limit for category.
func (r *RateLimiter) Limit(category string) (Limit, bool) {
	l, ok := r.limits[category]
	return l, ok
}

// Check counts one action for key in category. Store failures allow the action.
func (r *RateLimiter) Check(ctx context.Context, key, category string) (model.RateLimitResult, error) {
	limit, ok := r.limits[category]
	if !ok {
		return model.RateLimitResult{}, fmt.Errorf("%w: unknown rate limit category %q", model.ErrInvalidInput, category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	storeKey := counterKey(key, category)

	c, err := r.load(ctx, storeKey)
	if err != nil {
		r.logger.Warn("rate limit store read failed, allowing",
			zap.String("key", storeKey),
			zap.Error(err),
		)
		metrics.RecordAdmission(category, true)
		return model.RateLimitResult{Allowed: true, Remaining: limit.Max - 1, ResetAt: now.Add(limit.Window)}, nil
	}

	if c == nil || !now.Before(c.ResetAt) {
		c = &counter{Count: 0, ResetAt: now.Add(limit.Window)}
	}

	if c.Count >= limit.Max {
		metrics.RecordAdmission(category, false)
		return model.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    c.ResetAt,
			RetryAfter: retryAfter(c.ResetAt.Sub(now)),
		}, nil
	}

	c.Count++
	if err := r.save(ctx, storeKey, c, c.ResetAt.Sub(now)); err != nil {
		r.logger.Warn("rate limit store write failed, allowing",
			zap.String("key", storeKey),
			zap.Error(err),
		)
	}

	metrics.RecordAdmission(category, true)
	return model.RateLimitResult{
		Allowed:   true,
		Remaining: limit.Max - c.Count,
		ResetAt:   c.ResetAt,
	}, nil
}

// Reset clears the counter for key in category.
func (r *RateLimiter) Reset(ctx context.Context, key, category string) error {
	return r.store.Delete(ctx, counterKey(key, category))
}

func (r *RateLimiter) load(ctx context.Context, key string) (*counter, error) {
	data, err := r.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var c counter
	if err := json.Unmarshal(data, &c); err != nil {
		// a corrupt counter starts a fresh window
		return nil, nil
	}
	return &c, nil
}

func (r *RateLimiter) save(ctx context.Context, key string, c *counter, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, key, data, ttl)
}

func counterKey(key, category string) string {
	return "ratelimit." + category + "." + key
}

func retryAfter(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
