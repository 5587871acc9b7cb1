package queue

import "github.com/faultmaven/jobworker/pkg/tasks"

// DefaultKeyPrefix namespaces every key the queue touches.
const DefaultKeyPrefix = "faultmaven_jobs:"

// Queue names accepted by Inspect and reported by Depths.
const (
	QueueHigh       = "high"
	QueueDefault    = "default"
	QueueLow        = "low"
	QueueDelayed    = "delayed"
	QueueProcessing = "processing"
	QueueDeadLetter = "dead_letter"
)

type keyspace struct{ prefix string }

func (k keyspace) ready(priority int) string {
	switch priority {
	case tasks.PriorityHigh:
		return k.prefix + "queue:high"
	case tasks.PriorityLow:
		return k.prefix + "queue:low"
	}
	return k.prefix + "queue:default"
}

// readyOrder lists the ready lists from highest to lowest priority.
func (k keyspace) readyOrder() []string {
	return []string{
		k.ready(tasks.PriorityHigh),
		k.ready(tasks.PriorityDefault),
		k.ready(tasks.PriorityLow),
	}
}

func (k keyspace) delayed() string { return k.prefix + "delayed" }
func (k keyspace) processing() string { return k.prefix + "processing" }
func (k keyspace) deadLetter() string { return k.prefix + "dead_letter" }
func (k keyspace) invocation(id string) string { return k.prefix + "invocation:" + id }
func (k keyspace) resultPrefix() string { return k.prefix + "result:" }
func (k keyspace) result(id string) string { return k.resultPrefix() + id }
func (k keyspace) rateLimit(name string) string { return k.prefix + "ratelimit:" + name }

// named maps a public queue name to its key and whether it is a sorted set.
func (k keyspace) named(name string) (key string, sorted bool, ok bool) {
	switch name {
	case QueueHigh:
		return k.ready(tasks.PriorityHigh), false, true
	case QueueDefault:
		return k.ready(tasks.PriorityDefault), false, true
	case QueueLow:
		return k.ready(tasks.PriorityLow), false, true
	case QueueDeadLetter:
		return k.deadLetter(), false, true
	case QueueDelayed:
		return k.delayed(), true, true
	case QueueProcessing:
		return k.processing(), true, true
	}
	return "", false, false
}
