// Package tasks defines the core data structures for task representation in the job worker.
// An Invocation is one request to execute a named task with a payload; a Result records
// the latest known state of that invocation.
package tasks

import (
	"time"
)

// Payload is the opaque key/value mapping handed to and returned from handlers.
type Payload map[string]any

// Invocation represents a unit of work to be processed by the task queue.
//
// The TaskName routes the invocation to a registered handler, while the Payload
// carries its arguments. AttemptCount is incremented by the queue each time the
// handler fails; once it reaches MaxAttempts the invocation is terminally failed.
type Invocation struct {
	// ID is a unique identifier for the invocation (typically UUID).
	ID string `json:"id"`

	// TaskName selects the registered handler.
	TaskName string `json:"task_name"`

	Payload Payload `json:"payload,omitempty"`

	// Priority determines the processing order of the invocation.
	// 0 = Low, 1 = Default, 2 = High
	Priority int `json:"priority"`

	// EnqueuedAt is the timestamp when the invocation was first enqueued.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore delays delivery; the invocation is never claimable earlier.
	NotBefore time.Time `json:"not_before,omitempty"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	HardTimeLimit time.Duration `json:"hard_time_limit"`
	SoftTimeLimit time.Duration `json:"soft_time_limit"`

	// BaseBackoff and MaxBackoff are copied from the task policy when the
	// invocation is built. MaxBackoff of zero leaves the delay uncapped.
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty"`
}

const (
	PriorityLow     = 0
	PriorityDefault = 1
	PriorityHigh    = 2
)

// Status is the lifecycle state recorded in a Result.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Result is the queryable record of an invocation. It is overwritten on every
// attempt and frozen once the invocation succeeds or exhausts its attempts.
type Result struct {
	InvocationID string    `json:"invocation_id"`
	TaskName     string    `json:"task_name"`
	Status       Status    `json:"status"`
	Result       Payload   `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	Slot         string    `json:"slot,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}
