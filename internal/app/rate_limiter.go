package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var webhookRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements fixed-window rate limiting shared by every
// billing-service replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "billing"
	}

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix + ":rate_limit",
	}
}

func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := webhookRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	return int(currentCount), ceilSeconds(time.Duration(ttlMs) * time.Millisecond), nil
}

// localLimiters is a per-subject token bucket store used when Redis is not
// configured or unavailable.
type localLimiters struct {
	mu       sync.Mutex
	limiters map[string]*localLimiter
	r        rate.Limit
	b        int
}

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLocalLimiters(limit int, window time.Duration) *localLimiters {
	return &localLimiters{
		limiters: make(map[string]*localLimiter),
		r:        rate.Limit(float64(limit) / window.Seconds()),
		b:        limit,
	}
}

func (s *localLimiters) get(subject string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Opportunistic cleanup keeps the map bounded without a goroutine.
	if len(s.limiters) > 10000 {
		for key, l := range s.limiters {
			if now.Sub(l.lastSeen) > time.Hour {
				delete(s.limiters, key)
			}
		}
	}

	l, ok := s.limiters[subject]
	if !ok {
		l = &localLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[subject] = l
	}
	l.lastSeen = now
	return l.limiter
}

func (s *localLimiters) allow(subject string, now time.Time) (bool, int) {
	reservation := s.get(subject, now).ReserveN(now, 1)
	if !reservation.OK() {
		return false, 1
	}
	if d := reservation.DelayFrom(now); d > 0 {
		reservation.CancelAt(now)
		return false, ceilSeconds(d)
	}
	return true, 0
}

// WebhookThrottle limits webhook requests per client address. Redis is used
// when configured; the in-process limiter covers the rest.
type WebhookThrottle struct {
	redis  *RedisRateLimiter
	local  *localLimiters
	limit  int
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhookThrottle creates a throttle allowing limitPerHour requests per
// address. redisLimiter may be nil.
func NewWebhookThrottle(redisLimiter *RedisRateLimiter, limitPerHour int, logger *slog.Logger) *WebhookThrottle {
	if limitPerHour <= 0 {
		limitPerHour = 100
	}
	return &WebhookThrottle{
		redis:  redisLimiter,
		local:  newLocalLimiters(limitPerHour, time.Hour),
		limit:  limitPerHour,
		window: time.Hour,
		logger: logger,
		now:    time.Now,
	}
}

// Allow consumes one request for subject. retryAfter is in whole seconds.
func (t *WebhookThrottle) Allow(ctx context.Context, subject string) (allowed bool, retryAfter int) {
	if t.redis != nil {
		count, retryAfter, err := t.redis.ConsumeRateLimit(ctx, "webhook", subject, t.limit, t.window)
		if err == nil {
			if count > t.limit {
				return false, retryAfter
			}
			return true, 0
		}
		t.logger.Warn("redis webhook rate limiter unavailable; using local limiter", "error", err)
	}
	return t.local.allow(subject, t.now())
}

func ceilSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
