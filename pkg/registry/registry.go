// Package registry maps task names to handlers and their execution policy.
//
// Registration happens once while wiring the process; lookups happen for every
// claimed invocation. Handlers are passed in explicitly, so there is no package
// level state and no import-time side effect.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Lookup for unregistered names.
var ErrNotFound = errors.New("task not registered")

// Handler executes one invocation. A returned error feeds the retry controller;
// wrap it with tasks.NoRetry or tasks.RetryAfter to steer that decision.
type Handler interface {
	Handle(ctx context.Context, payload tasks.Payload) (tasks.Payload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload tasks.Payload) (tasks.Payload, error)

func (f HandlerFunc) Handle(ctx context.Context, payload tasks.Payload) (tasks.Payload, error) {
	return f(ctx, payload)
}

// Policy is the per-task execution policy.
type Policy struct {
	HardTimeLimit time.Duration
	SoftTimeLimit time.Duration

	// MaxAttempts counts the first execution; 1 disables retries.
	MaxAttempts int
	BaseBackoff time.Duration
	// MaxBackoff caps a single retry delay; 0 leaves it uncapped.
	MaxBackoff time.Duration

	Priority int

	// RateLimit is the number of executions per second allowed across all
	// workers; 0 disables the limit.
	RateLimit int

	// Weight is the share of worker capacity one execution occupies.
	Weight int
}

// Validate reports the first policy violation as a ConfigurationError.
func (p Policy) Validate(name string) error {
	field := "tasks." + name
	switch {
	case p.HardTimeLimit <= 0:
		return tasks.Configf(field+".hard_time_limit", "must be > 0")
	case p.SoftTimeLimit <= 0 || p.SoftTimeLimit >= p.HardTimeLimit:
		return tasks.Configf(field+".soft_time_limit", "must be > 0 and below the hard limit (%s), got %s", p.HardTimeLimit, p.SoftTimeLimit)
	case p.MaxAttempts < 1:
		return tasks.Configf(field+".max_attempts", "must be >= 1, got %d", p.MaxAttempts)
	case p.MaxAttempts > 1 && p.BaseBackoff <= 0:
		return tasks.Configf(field+".base_backoff", "must be > 0 when retries are enabled")
	case p.MaxBackoff < 0:
		return tasks.Configf(field+".max_backoff", "must be >= 0")
	case p.Priority < tasks.PriorityLow || p.Priority > tasks.PriorityHigh:
		return tasks.Configf(field+".priority", "must be between %d and %d, got %d", tasks.PriorityLow, tasks.PriorityHigh, p.Priority)
	case p.RateLimit < 0:
		return tasks.Configf(field+".rate_limit", "must be >= 0")
	case p.Weight < 1:
		return tasks.Configf(field+".weight", "must be >= 1, got %d", p.Weight)
	}
	return nil
}

type entry struct {
	handler Handler
	policy  Policy
}

// Registry is safe for concurrent lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a handler. Duplicate names and invalid policies are
// configuration errors; an existing registration is never replaced.
func (r *Registry) Register(name string, h Handler, p Policy) error {
	if name == "" {
		return tasks.Configf("tasks", "task name is required")
	}
	if h == nil {
		return tasks.Configf("tasks."+name, "handler is nil")
	}
	if err := p.Validate(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		return tasks.Configf("tasks."+name, "already registered")
	}
	r.entries[name] = entry{handler: h, policy: p}
	return nil
}

// Lookup returns the handler and policy registered under name.
func (r *Registry) Lookup(name string) (Handler, Policy, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Policy{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.handler, e.policy, nil
}

// Names lists registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// NewInvocation builds an invocation of name stamped with its policy.
func (r *Registry) NewInvocation(name string, payload tasks.Payload) (tasks.Invocation, error) {
	_, p, err := r.Lookup(name)
	if err != nil {
		return tasks.Invocation{}, err
	}
	if payload == nil {
		payload = tasks.Payload{}
	}
	return tasks.Invocation{
		ID:            uuid.New().String(),
		TaskName:      name,
		Payload:       payload,
		Priority:      p.Priority,
		MaxAttempts:   p.MaxAttempts,
		HardTimeLimit: p.HardTimeLimit,
		SoftTimeLimit: p.SoftTimeLimit,
		BaseBackoff:   p.BaseBackoff,
		MaxBackoff:    p.MaxBackoff,
	}, nil
}
