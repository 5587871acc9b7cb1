package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the last fired occurrence of each entry.
type Store interface {
	// LastFired returns the zero time for an entry that never fired.
	LastFired(ctx context.Context, name string) (time.Time, error)
	SetLastFired(ctx context.Context, name string, at time.Time) error
}

// RedisStore keeps last-fired times in one hash, field per entry, value in unix
// seconds.
type RedisStore struct {
	rdb redis.UniversalClient
	key string
}

// NewRedisStore stores state under prefix + "schedule:last_fired".
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, key: prefix + "schedule:last_fired"}
}

func (s *RedisStore) LastFired(ctx context.Context, name string) (time.Time, error) {
	raw, err := s.rdb.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func (s *RedisStore) SetLastFired(ctx context.Context, name string, at time.Time) error {
	return s.rdb.HSet(ctx, s.key, name, at.Unix()).Err()
}

// MemoryStore is a process-local Store, used in tests and by one-shot tools.
type MemoryStore struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]time.Time)}
}

func (s *MemoryStore) LastFired(_ context.Context, name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[name], nil
}

func (s *MemoryStore) SetLastFired(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[name] = at
	return nil
}
