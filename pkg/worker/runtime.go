// Package worker runs the execution slots that claim invocations from the queue
// and drive them through their handlers.
//
// Each slot claims one invocation at a time, enforces the soft and hard time
// limits, then acks or nacks. A slot is replaced by a fresh generation after a
// fixed number of completed invocations or after abandoning a handler at its hard
// limit. Shutdown is warm: slots stop claiming and finish what they hold.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/metrics"
	"github.com/faultmaven/jobworker/pkg/queue"
	"github.com/faultmaven/jobworker/pkg/registry"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Queue is the dispatcher surface the runtime needs.
type Queue interface {
	ClaimWait(ctx context.Context, slot string, timeout time.Duration) (*tasks.Invocation, error)
	Ack(ctx context.Context, slot, id string, result tasks.Payload) error
	Nack(ctx context.Context, slot, id string, cause error) (queue.Outcome, error)
	Requeue(ctx context.Context, slot, id string, delay time.Duration) error
	RecoverStale(ctx context.Context) (int, error)
	Depths(ctx context.Context) (map[string]int64, error)
	Allow(ctx context.Context, name string, limit int, burst int) (bool, error)
}

// Registry resolves task names.
type Registry interface {
	Lookup(name string) (registry.Handler, registry.Policy, error)
}

// Config tunes the runtime.
type Config struct {
	// Name prefixes slot ids. Defaults to the hostname.
	Name string
	// Concurrency is the number of slots. Defaults to the CPU count.
	Concurrency int
	// Capacity is the total concurrency weight shared by running handlers.
	// Defaults to Concurrency.
	Capacity int
	// MaxTasksPerSlot recycles a slot after that many completed invocations;
	// 0 never recycles.
	MaxTasksPerSlot int
	// ClaimTimeout bounds one wait for work, which is how often an idle slot
	// notices shutdown.
	ClaimTimeout time.Duration
	// ReclaimInterval is the cadence of stale-claim recovery and depth gauges.
	ReclaimInterval time.Duration
	// ThrottleDelay is how long a rate-limited invocation waits before it is
	// claimable again.
	ThrottleDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name, _ = os.Hostname()
		if c.Name == "" {
			c.Name = "worker"
		}
	}
	if c.Concurrency < 1 {
		c.Concurrency = runtime.NumCPU()
	}
	if c.Capacity < 1 {
		c.Capacity = c.Concurrency
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = time.Second
	}
}

// Runtime owns the slots of one worker process.
type Runtime struct {
	cfg      Config
	queue    Queue
	registry Registry
	metrics  *metrics.Metrics
	weight   *semaphore.Weighted
	slots    *slotTable
}

// New builds a runtime. A nil m records into a private registry.
func New(cfg Config, q Queue, reg Registry, m *metrics.Metrics) *Runtime {
	cfg.setDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Runtime{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		metrics:  m,
		weight:   semaphore.NewWeighted(int64(cfg.Capacity)),
		slots:    newSlotTable(cfg.Concurrency),
	}
}

// Config returns the effective configuration.
func (r *Runtime) Config() Config { return r.cfg }

// Slots reports the current generation of every slot.
func (r *Runtime) Slots() []SlotState { return r.slots.snapshot() }

// Run starts the slots and the maintenance loop and blocks until ctx is
// cancelled and every slot finished its current invocation.
func (r *Runtime) Run(ctx context.Context) error {
	logger.Log.Info().
		Str("worker", r.cfg.Name).
		Int("concurrency", r.cfg.Concurrency).
		Int("max_tasks_per_slot", r.cfg.MaxTasksPerSlot).
		Msg("Worker started. Waiting for tasks...")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		i := i
		g.Go(func() error {
			r.runSlot(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		r.maintain(gctx)
		return nil
	})

	err := g.Wait()
	logger.Log.Info().Str("worker", r.cfg.Name).Msg("Worker stopped")
	return err
}

type exitReason string

const (
	exitStopped     exitReason = "stopped"
	exitCap         exitReason = "cap"
	exitHardTimeout exitReason = "hard_timeout"
)

// runSlot keeps slot index alive, starting a new generation whenever the
// previous one exits for a reason other than shutdown.
func (r *Runtime) runSlot(ctx context.Context, index int) {
	for gen := 1; ; gen++ {
		id := slotID(r.cfg.Name, index, gen)
		r.slots.update(index, func(s *SlotState) {
			*s = SlotState{ID: id, Generation: gen}
		})

		reason := r.serve(ctx, index, id)
		if reason == exitStopped {
			return
		}
		r.metrics.Recycles.WithLabelValues(string(reason)).Inc()
		logger.Log.Info().Str("slot", id).Str("reason", string(reason)).Msg("Recycling worker slot")
	}
}

func (r *Runtime) serve(ctx context.Context, index int, id string) exitReason {
	log := logger.Log.With().Str("slot", id).Logger()
	executions := 0

	for r.cfg.MaxTasksPerSlot <= 0 || executions < r.cfg.MaxTasksPerSlot {
		if ctx.Err() != nil {
			return exitStopped
		}
		inv, err := r.queue.ClaimWait(ctx, id, r.cfg.ClaimTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return exitStopped
			}
			log.Error().Err(err).Msg("Claim failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		r.slots.update(index, func(s *SlotState) { s.Invocation = inv.ID })
		// The invocation is finished even if shutdown starts meanwhile.
		completed, abandoned := r.execute(context.WithoutCancel(ctx), id, inv)
		if completed {
			executions++
		}
		r.slots.update(index, func(s *SlotState) {
			s.Invocation = ""
			s.Executions = executions
		})
		if abandoned {
			return exitHardTimeout
		}
	}
	return exitCap
}

// execute runs one claimed invocation. completed is false when the invocation
// was handed back without counting an attempt; abandoned is true when the
// handler outlived its hard limit and the slot must be replaced.
func (r *Runtime) execute(ctx context.Context, slot string, inv *tasks.Invocation) (completed, abandoned bool) {
	log := logger.Log.With().
		Str("task", inv.TaskName).
		Str("invocation_id", inv.ID).
		Str("slot", slot).
		Int("attempt", inv.AttemptCount+1).
		Logger()

	if inv.AttemptCount == 0 && !inv.EnqueuedAt.IsZero() {
		r.metrics.QueueLatency.WithLabelValues(inv.TaskName).Observe(time.Since(inv.EnqueuedAt).Seconds())
	}

	h, policy, err := r.registry.Lookup(inv.TaskName)
	if err != nil {
		log.Error().Err(err).Msg("No handler registered, failing invocation")
		r.finish(ctx, log, slot, inv, nil, tasks.NoRetry(err))
		return true, false
	}

	weight := int64(min(max(policy.Weight, 1), r.cfg.Capacity))
	if err := r.weight.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire capacity")
		return false, false
	}
	// An abandoned handler keeps running, so its weight stays taken until it
	// returns.
	var orphan <-chan struct{}
	defer func() {
		if orphan == nil {
			r.weight.Release(weight)
			return
		}
		go func() {
			<-orphan
			r.weight.Release(weight)
		}()
	}()

	if policy.RateLimit > 0 {
		allowed, err := r.queue.Allow(ctx, inv.TaskName, policy.RateLimit, policy.RateLimit)
		if err != nil {
			// Fail open.
			log.Error().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			log.Debug().Dur("delay", r.cfg.ThrottleDelay).Msg("Rate limit exceeded, re-queueing")
			if err := r.queue.Requeue(ctx, slot, inv.ID, r.cfg.ThrottleDelay); err != nil {
				log.Error().Err(err).Msg("Requeue failed")
			}
			r.metrics.Processed.WithLabelValues("deferred", inv.TaskName).Inc()
			return false, false
		}
	}

	hard := inv.HardTimeLimit
	if hard <= 0 {
		hard = policy.HardTimeLimit
	}
	soft := inv.SoftTimeLimit
	if soft <= 0 {
		soft = policy.SoftTimeLimit
	}

	log.Info().Msg("Processing task")
	start := time.Now()
	result, orphan, err := r.invoke(withSlot(ctx, slot), h, inv, soft, hard)
	r.metrics.Duration.WithLabelValues(inv.TaskName).Observe(time.Since(start).Seconds())

	r.finish(ctx, log, slot, inv, result, err)
	return true, orphan != nil
}

type handlerOutcome struct {
	result tasks.Payload
	err    error
}

// invoke runs the handler under the time limits. Past the soft limit the
// handler context is cancelled with tasks.ErrSoftTimeLimit; past the hard limit
// the handler is abandoned and the returned channel closes once it returns.
func (r *Runtime) invoke(ctx context.Context, h registry.Handler, inv *tasks.Invocation, soft, hard time.Duration) (tasks.Payload, <-chan struct{}, error) {
	hctx, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)

	runCtx := hctx
	if soft > 0 && (hard <= 0 || soft < hard) {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(hctx, soft, tasks.ErrSoftTimeLimit)
		defer cancel()
	}

	done := make(chan handlerOutcome, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: &tasks.HandlerError{Task: inv.TaskName, Err: fmt.Errorf("panic: %v", p)}}
			}
		}()
		res, err := h.Handle(runCtx, inv.Payload)
		done <- handlerOutcome{result: res, err: err}
	}()

	var hardC <-chan time.Time
	if hard > 0 {
		timer := time.NewTimer(hard)
		defer timer.Stop()
		hardC = timer.C
	}

	select {
	case out := <-done:
		if out.err == nil {
			return out.result, nil, nil
		}
		return nil, nil, classify(runCtx, inv.TaskName, soft, out.err)
	case <-hardC:
		err := &tasks.TimeoutError{Kind: tasks.TimeoutHard, Limit: hard}
		abandon(err)
		return nil, exited, err
	}
}

// classify wraps a handler error in the taxonomy the retry controller and the
// result store expect.
func classify(ctx context.Context, task string, soft time.Duration, err error) error {
	var (
		te *tasks.TimeoutError
		he *tasks.HandlerError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &he):
		return err
	case errors.Is(context.Cause(ctx), tasks.ErrSoftTimeLimit):
		return &tasks.TimeoutError{Kind: tasks.TimeoutSoft, Limit: soft, Err: err}
	}
	return &tasks.HandlerError{Task: task, Err: err}
}

// finish records the outcome of an execution in the queue. A result that cannot
// be stored fails the invocation for good; retrying would produce it again.
func (r *Runtime) finish(ctx context.Context, log zerolog.Logger, slot string, inv *tasks.Invocation, result tasks.Payload, cause error) {
	if cause == nil {
		err := r.queue.Ack(ctx, slot, inv.ID, result)
		switch {
		case err == nil:
			r.metrics.Processed.WithLabelValues(string(tasks.StatusSucceeded), inv.TaskName).Inc()
			log.Info().Msg("Task succeeded")
			return
		case errors.Is(err, queue.ErrUnencodableResult):
			cause = tasks.NoRetry(&tasks.HandlerError{Task: inv.TaskName, Err: err})
		default:
			log.Error().Err(err).Msg("Ack failed")
			return
		}
	}

	out, err := r.queue.Nack(ctx, slot, inv.ID, cause)
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("Nack failed")
		return
	}
	r.metrics.Processed.WithLabelValues(string(out.Status), inv.TaskName).Inc()

	if out.Err != nil {
		r.metrics.Exhausted.WithLabelValues(inv.TaskName).Inc()
		log.Error().Err(out.Err).Int("attempts", out.Attempt).Msg("Task failed terminally, moved to dead letter")
		return
	}
	log.Warn().Err(cause).Dur("delay", out.Delay).Time("not_before", out.NotBefore).Msg("Task failed, retry scheduled")
}

// maintain returns stale claims to the queue and refreshes depth gauges.
func (r *Runtime) maintain(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		n, err := r.queue.RecoverStale(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Log.Error().Err(err).Msg("Stale claim recovery failed")
		}
		if n > 0 {
			r.metrics.Reclaimed.Add(float64(n))
			logger.Log.Warn().Int("count", n).Msg("Reclaimed invocations past their visibility timeout")
		}
		if depths, err := r.queue.Depths(ctx); err == nil {
			r.metrics.ObserveDepths(depths)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
