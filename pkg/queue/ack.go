package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/faultmaven/jobworker/pkg/retry"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries when a watched key changes.
const maxTxRetries = 16

// Outcome describes what Nack did with a failed invocation.
type Outcome struct {
	Status    tasks.Status
	Attempt   int
	Delay     time.Duration
	NotBefore time.Time
	// Err is a *tasks.AttemptsExhaustedError when this call made the invocation
	// terminal. It is nil for retries and for no-op calls.
	Err error
}

// Ack records a successful execution. The invocation body is deleted and the
// result is kept (expiring after the result TTL, if any).
//
// slot must be the slot that claimed the invocation. Acking an invocation that
// already reached a terminal state is a no-op.
func (c *Client) Ack(ctx context.Context, slot, id string, result tasks.Payload) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("ack %s: %w: %w", id, ErrUnencodableResult, err)
	}
	resKey := c.keys.result(id)

	return c.watch(ctx, func(tx *redis.Tx) error {
		status, err := c.heldStatus(ctx, tx, slot, id)
		if err != nil || status.Terminal() {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, c.keys.processing(), id)
			pipe.HSet(ctx, resKey,
				"status", string(tasks.StatusSucceeded),
				"result", data,
				"error", "",
				"completed_at", c.now().UnixMilli(),
			)
			pipe.Del(ctx, c.keys.invocation(id))
			if c.resultTTL > 0 {
				pipe.Expire(ctx, resKey, c.resultTTL)
			}
			return nil
		})
		return err
	}, resKey, c.keys.invocation(id))
}

// Nack records a failed execution and applies the retry policy carried by the
// invocation.
//
// Flow:
//  1. Increments AttemptCount
//  2. If attempts are exhausted (or the error is tasks.NoRetry): status failed,
//     error detail recorded, id pushed to dead_letter
//  3. Otherwise: not_before = now + base × 2^(attempt−1), status retrying, id
//     added to the delayed set
//
// Nacking a terminal invocation is a no-op that reports its current status.
// Like Ack, only the claiming slot may nack.
func (c *Client) Nack(ctx context.Context, slot, id string, cause error) (Outcome, error) {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	resKey := c.keys.result(id)
	invKey := c.keys.invocation(id)
	detail := ErrorDetail(cause)

	var out Outcome
	err := c.watch(ctx, func(tx *redis.Tx) error {
		out = Outcome{}
		status, err := c.heldStatus(ctx, tx, slot, id)
		if err != nil {
			return err
		}
		if status.Terminal() {
			attempt, _ := tx.HGet(ctx, resKey, "attempt").Int()
			out = Outcome{Status: status, Attempt: attempt}
			return nil
		}

		raw, err := tx.Get(ctx, invKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var inv tasks.Invocation
		if err := json.Unmarshal(raw, &inv); err != nil {
			return fmt.Errorf("decode invocation %s: %w", id, err)
		}

		inv.AttemptCount++
		now := c.now()
		decision := retry.Decide(inv.AttemptCount, inv.MaxAttempts, inv.BaseBackoff, inv.MaxBackoff, cause)
		out.Attempt = inv.AttemptCount

		if decision.Retry {
			inv.NotBefore = now.Add(decision.Delay)
			out.Status = tasks.StatusRetrying
			out.Delay = decision.Delay
			out.NotBefore = inv.NotBefore
		} else {
			out.Status = tasks.StatusFailed
			out.Err = &tasks.AttemptsExhaustedError{
				InvocationID: id,
				Task:         inv.TaskName,
				Attempts:     inv.AttemptCount,
				Last:         cause,
			}
		}

		body, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, c.keys.processing(), id)
			pipe.Set(ctx, invKey, body, 0)
			if decision.Retry {
				pipe.ZAdd(ctx, c.keys.delayed(), redis.Z{Score: float64(inv.NotBefore.UnixMilli()), Member: id})
				pipe.HSet(ctx, resKey,
					"status", string(tasks.StatusRetrying),
					"error", detail,
					"attempt", inv.AttemptCount,
					"slot", "",
				)
				return nil
			}
			pipe.RPush(ctx, c.keys.deadLetter(), id)
			pipe.HSet(ctx, resKey,
				"status", string(tasks.StatusFailed),
				"error", detail+" ("+decision.Reason+")",
				"attempt", inv.AttemptCount,
				"completed_at", now.UnixMilli(),
			)
			pipe.Persist(ctx, resKey)
			return nil
		})
		return err
	}, resKey, invKey)
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Requeue releases a held invocation without counting an attempt; it becomes
// claimable again after delay. Used for rate-limit deferral and for handing work
// back on shutdown.
func (c *Client) Requeue(ctx context.Context, slot, id string, delay time.Duration) error {
	resKey := c.keys.result(id)
	invKey := c.keys.invocation(id)

	return c.watch(ctx, func(tx *redis.Tx) error {
		status, err := c.heldStatus(ctx, tx, slot, id)
		if err != nil || status.Terminal() {
			return err
		}
		raw, err := tx.Get(ctx, invKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var inv tasks.Invocation
		if err := json.Unmarshal(raw, &inv); err != nil {
			return fmt.Errorf("decode invocation %s: %w", id, err)
		}
		inv.NotBefore = c.now().Add(delay)
		body, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, c.keys.processing(), id)
			pipe.Set(ctx, invKey, body, 0)
			pipe.ZAdd(ctx, c.keys.delayed(), redis.Z{Score: float64(inv.NotBefore.UnixMilli()), Member: id})
			pipe.HSet(ctx, resKey, "status", string(tasks.StatusPending), "slot", "")
			return nil
		})
		return err
	}, resKey, invKey)
}

// Result returns the stored result of an invocation.
func (c *Client) Result(ctx context.Context, id string) (*tasks.Result, error) {
	fields, err := c.rdb.HGetAll(ctx, c.keys.result(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	res := &tasks.Result{
		InvocationID: id,
		TaskName:     fields["task"],
		Status:       tasks.Status(fields["status"]),
		Error:        fields["error"],
		Slot:         fields["slot"],
		StartedAt:    millis(fields["started_at"]),
		CompletedAt:  millis(fields["completed_at"]),
	}
	res.AttemptCount, _ = strconv.Atoi(fields["attempt"])
	if raw := fields["result"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &res.Result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", id, err)
		}
	}
	return res, nil
}

// DeadLetters lists the ids of terminally failed invocations, oldest first.
func (c *Client) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.rdb.LRange(ctx, c.keys.deadLetter(), 0, limit-1).Result()
}

// heldStatus reads the result status inside a transaction. Terminal statuses are
// returned without error so callers can turn repeats into no-ops; otherwise the
// invocation must be in the processing set and claimed by slot. A slot whose
// claim expired and was taken over by another slot no longer holds it.
func (c *Client) heldStatus(ctx context.Context, tx *redis.Tx, slot, id string) (tasks.Status, error) {
	fields, err := tx.HMGet(ctx, c.keys.result(id), "status", "slot").Result()
	if err != nil {
		return "", err
	}
	raw, _ := fields[0].(string)
	if raw == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	status := tasks.Status(raw)
	if status.Terminal() {
		return status, nil
	}
	if err := tx.ZScore(ctx, c.keys.processing(), id).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", ErrNotHeld, id)
		}
		return "", err
	}
	if holder, _ := fields[1].(string); holder != slot {
		return "", fmt.Errorf("%w: %s (claimed by %q)", ErrNotHeld, id, holder)
	}
	return status, nil
}

// watch runs fn in an optimistic transaction over keys, retrying when another
// client changed them first.
func (c *Client) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction on %v: %w", keys, redis.TxFailedErr)
}

// ErrorDetail renders cause for the result record, naming its class so timeouts
// stay distinguishable from ordinary handler failures.
func ErrorDetail(cause error) string {
	var (
		te *tasks.TimeoutError
		he *tasks.HandlerError
	)
	switch {
	case errors.As(cause, &te):
		return "TimeoutError: " + cause.Error()
	case errors.As(cause, &he):
		return "HandlerError: " + cause.Error()
	}
	return "Error: " + cause.Error()
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
