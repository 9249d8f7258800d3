package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDigestState keeps the digest bookkeeping in Redis so every
// billing-service replica sees the same last success.
type RedisDigestState struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDigestState(client redis.UniversalClient, prefix string) *RedisDigestState {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "billing"
	}
	return &RedisDigestState{client: client, prefix: trimmedPrefix + ":digest"}
}

func (s *RedisDigestState) lastSuccessKey() string { return s.prefix + ":last_success" }
func (s *RedisDigestState) alertedKey() string     { return s.prefix + ":health_alerted" }

// LastSuccess returns the last successful digest delivery, or nil if none was
// ever recorded.
func (s *RedisDigestState) LastSuccess(ctx context.Context) (*time.Time, error) {
	raw, err := s.client.Get(ctx, s.lastSuccessKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid digest last success timestamp %q: %w", raw, err)
	}
	return &ts, nil
}

// RecordSuccess stores at without expiry.
func (s *RedisDigestState) RecordSuccess(ctx context.Context, at time.Time) error {
	return s.client.Set(ctx, s.lastSuccessKey(), at.UTC().Format(time.RFC3339Nano), 0).Err()
}

// AlertSuppressed reports whether a degradation alert was sent recently.
func (s *RedisDigestState) AlertSuppressed(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.alertedKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SuppressAlerts sets the anti-spam flag for ttl.
func (s *RedisDigestState) SuppressAlerts(ctx context.Context, ttl time.Duration) error {
	return s.client.Set(ctx, s.alertedKey(), "1", ttl).Err()
}

// MemoryDigestState is the single-process fallback used when Redis is not
// configured. State is lost on restart.
type MemoryDigestState struct {
	mu              sync.Mutex
	lastSuccess     *time.Time
	suppressedUntil time.Time
	now             func() time.Time
}

func NewMemoryDigestState() *MemoryDigestState {
	return &MemoryDigestState{now: time.Now}
}

func (s *MemoryDigestState) LastSuccess(context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSuccess == nil {
		return nil, nil
	}
	ts := *s.lastSuccess
	return &ts, nil
}

func (s *MemoryDigestState) RecordSuccess(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	s.lastSuccess = &at
	return nil
}

func (s *MemoryDigestState) AlertSuppressed(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.suppressedUntil), nil
}

func (s *MemoryDigestState) SuppressAlerts(_ context.Context, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressedUntil = s.now().Add(ttl)
	return nil
}
