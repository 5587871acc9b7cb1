// Package queue provides the Redis-backed dispatcher and result store of the job worker.
// It supports reliable task processing with features including:
//   - Atomic claims through a Lua script (one holder per invocation)
//   - Visibility timeouts with reclaim of abandoned invocations
//   - Exponential backoff retries via a delayed sorted set
//   - A dead-letter list for invocations that exhausted their attempts
//   - Idempotent enqueue of deterministic invocation ids
//
// The Client type is the main entry point for interacting with the queue system.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrEmpty is returned by Claim when no invocation is due.
	ErrEmpty = errors.New("no invocation ready")
	// ErrNotFound is returned for unknown invocation ids.
	ErrNotFound = errors.New("invocation not found")
	// ErrNotHeld is returned when acknowledging an invocation nobody holds.
	ErrNotHeld = errors.New("invocation is not held by a worker")
	// ErrUnencodableResult is returned by Ack when the handler result cannot be
	// stored as JSON. The invocation is left held.
	ErrUnencodableResult = errors.New("result cannot be encoded")
)

// Client manages the connection to Redis and provides methods for queue operations.
// All operations are context-aware and support graceful cancellation.
//
// Queue Architecture:
//   - queue:{high,default,low}: FIFO lists of invocation ids ready to run
//   - delayed: sorted set of ids keyed by not_before (retries, scheduled starts)
//   - processing: sorted set of claimed ids keyed by visibility deadline
//   - dead_letter: ids of invocations that failed terminally
//   - invocation:{id}: the invocation JSON
//   - result:{id}: hash with status, result, error detail and attempt count
type Client struct {
	rdb  redis.UniversalClient
	keys keyspace

	now          func() time.Time
	visibility   time.Duration
	resultTTL    time.Duration
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithKeyPrefix namespaces all keys. Defaults to DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Client) { c.keys.prefix = prefix }
}

// WithVisibilityTimeout sets how long a claim stays valid without ack or nack.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.visibility = d
		}
	}
}

// WithResultTTL expires succeeded results after d. Failed results never expire.
func WithResultTTL(d time.Duration) Option {
	return func(c *Client) { c.resultTTL = d }
}

// WithClock replaces time.Now for not_before and visibility bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithPollInterval sets how often ClaimWait re-checks an empty queue.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient wraps an existing Redis client. The caller keeps ownership of rdb.
//
// Example:
//
//	rdb := broker.NewClient(desc)
//	q := queue.NewClient(rdb, queue.WithVisibilityTimeout(time.Hour))
func NewClient(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{
		rdb:          rdb,
		keys:         keyspace{prefix: DefaultKeyPrefix},
		now:          time.Now,
		visibility:   time.Hour,
		resultTTL:    24 * time.Hour,
		pollInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Redis exposes the underlying client to components sharing the broker
// connection (scheduler store, health checks).
func (c *Client) Redis() redis.UniversalClient { return c.rdb }

// KeyPrefix returns the namespace applied to all keys.
func (c *Client) KeyPrefix() string { return c.keys.prefix }

// Enqueue stores the invocation and makes it claimable.
//
// A missing ID is generated; EnqueuedAt defaults to now. If NotBefore is in the
// future the invocation waits in the delayed set. Enqueueing an id that already
// exists is a no-op that returns the same id.
//
// Queue selection based on Priority:
//   - High (2) -> queue:high
//   - Default (1) -> queue:default
//   - Low (0) -> queue:low
func (c *Client) Enqueue(ctx context.Context, inv tasks.Invocation) (string, error) {
	if inv.TaskName == "" {
		return "", errors.New("enqueue: task name is required")
	}
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	now := c.now()
	if inv.EnqueuedAt.IsZero() {
		inv.EnqueuedAt = now
	}
	if inv.MaxAttempts < 1 {
		inv.MaxAttempts = 1
	}
	if inv.Priority < tasks.PriorityLow || inv.Priority > tasks.PriorityHigh {
		inv.Priority = tasks.PriorityDefault
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", inv.ID, err)
	}

	var notBefore int64
	if !inv.NotBefore.IsZero() {
		notBefore = inv.NotBefore.UnixMilli()
	}

	created, err := enqueueScript.Run(ctx, c.rdb,
		[]string{c.keys.invocation(inv.ID), c.keys.result(inv.ID), c.keys.ready(inv.Priority), c.keys.delayed()},
		data, inv.ID, inv.TaskName, notBefore, now.UnixMilli(), inv.AttemptCount,
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", inv.ID, err)
	}
	if created == 0 {
		logger.Log.Debug().Str("invocation_id", inv.ID).Str("task", inv.TaskName).Msg("Invocation already enqueued")
	}
	return inv.ID, nil
}

// Claim atomically hands the next due invocation to slot. It never blocks and
// returns ErrEmpty when nothing is ready.
//
// Ready lists are checked in the following order:
//  1. queue:high
//  2. queue:default
//  3. queue:low
//
// Delayed invocations whose not_before has passed are promoted first, so a retry
// is never claimable before its backoff expires.
func (c *Client) Claim(ctx context.Context, slot string) (*tasks.Invocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Once the script may have run, the claim must be seen through: a reply or
	// body read lost to cancellation would strand the id in processing for the
	// whole visibility window.
	ctx = context.WithoutCancel(ctx)

	now := c.now()
	ready := c.keys.readyOrder()
	id, err := claimScript.Run(ctx, c.rdb,
		[]string{c.keys.delayed(), c.keys.processing(), ready[0], ready[1], ready[2]},
		now.UnixMilli(), now.Add(c.visibility).UnixMilli(), c.keys.resultPrefix(), slot,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	inv, err := c.Invocation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// The body is gone (expired or deleted by hand); drop the orphaned claim.
		logger.Log.Warn().Str("invocation_id", id).Msg("Claimed invocation has no body, dropping")
		c.rdb.ZRem(ctx, c.keys.processing(), id)
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ClaimWait polls Claim until an invocation is available, timeout elapses
// (ErrEmpty) or ctx is cancelled.
func (c *Client) ClaimWait(ctx context.Context, slot string, timeout time.Duration) (*tasks.Invocation, error) {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	for {
		inv, err := c.Claim(ctx, slot)
		if !errors.Is(err, ErrEmpty) {
			return inv, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrEmpty
		}
		timer.Reset(c.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Invocation loads the stored invocation body.
func (c *Client) Invocation(ctx context.Context, id string) (*tasks.Invocation, error) {
	raw, err := c.rdb.Get(ctx, c.keys.invocation(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var inv tasks.Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invocation %s: %w", id, err)
	}
	return &inv, nil
}

// RecoverStale makes invocations whose visibility deadline has passed claimable
// again. Their handlers may still be running somewhere, which is why handlers must
// tolerate duplicate delivery.
func (c *Client) RecoverStale(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, c.rdb,
		[]string{c.keys.processing(), c.keys.ready(tasks.PriorityDefault)},
		c.now().UnixMilli(), c.keys.resultPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	return n, nil
}

// Depths returns the current number of ids in each queue.
func (c *Client) Depths(ctx context.Context) (map[string]int64, error) {
	lists := []string{QueueHigh, QueueDefault, QueueLow, QueueDeadLetter}
	sets := []string{QueueDelayed, QueueProcessing}

	pipe := c.rdb.Pipeline()
	counts := make(map[string]*redis.IntCmd, len(lists)+len(sets))
	for _, name := range lists {
		key, _, _ := c.keys.named(name)
		counts[name] = pipe.LLen(ctx, key)
	}
	for _, name := range sets {
		key, _, _ := c.keys.named(name)
		counts[name] = pipe.ZCard(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	depths := make(map[string]int64, len(counts))
	for name, cmd := range counts {
		depths[name] = cmd.Val()
	}
	return depths, nil
}

// Inspect returns up to limit invocations from a named queue without removing
// them. Ids whose body is gone are skipped.
func (c *Client) Inspect(ctx context.Context, queueName string, limit int64) ([]*tasks.Invocation, error) {
	key, sorted, ok := c.keys.named(queueName)
	if !ok {
		return nil, fmt.Errorf("unknown queue %q", queueName)
	}
	if limit <= 0 {
		limit = 50
	}

	var ids []string
	var err error
	if sorted {
		ids, err = c.rdb.ZRange(ctx, key, 0, limit-1).Result()
	} else {
		ids, err = c.rdb.LRange(ctx, key, 0, limit-1).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*tasks.Invocation{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.keys.invocation(id)
	}
	raws, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*tasks.Invocation, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var inv tasks.Invocation
		if err := json.Unmarshal([]byte(s), &inv); err != nil {
			continue
		}
		out = append(out, &inv)
	}
	return out, nil
}

// Allow checks if a task of a specific type is allowed to proceed based on the rate limit.
// It uses a Token Bucket algorithm implemented in Lua, shared by all workers.
//
// Parameters:
//   - name: bucket name (typically the task name)
//   - limit: Number of tokens added per second (rate)
//   - burst: Maximum number of tokens in the bucket (capacity)
//
// Returns true if allowed, false otherwise. A non-positive limit always allows.
func (c *Client) Allow(ctx context.Context, name string, limit int, burst int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if burst <= 0 {
		burst = limit
	}
	now := float64(c.now().UnixMilli()) / 1000
	result, err := tokenBucketScript.Run(ctx, c.rdb,
		[]string{c.keys.rateLimit(name)},
		limit, burst, now, 1,
	).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
