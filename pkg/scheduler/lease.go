package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only if the caller still owns it.
//
// KEYS: lease
// ARGV: owner, ttl ms
var renewScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 1
	end
	return 0
`)

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Lease is a single-leader lock. Only the instance holding it ticks; the
// others stay idle until it expires.
type Lease struct {
	rdb   redis.UniversalClient
	key   string
	owner string
	ttl   time.Duration
}

// NewLease creates a lease on prefix + "schedule:leader". ttl should be several
// tick intervals so a live leader never loses it between ticks.
func NewLease(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Lease {
	return &Lease{
		rdb:   rdb,
		key:   prefix + "schedule:leader",
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

// Owner identifies this instance in the lease value.
func (l *Lease) Owner() string { return l.owner }

// Acquire takes the lease if free or renews it if already held.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

// Release gives the lease up if held.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err()
}
