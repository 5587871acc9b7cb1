// Package scheduler fires named tasks on calendar schedules.
//
// Each entry moves Idle -> Due -> Fired -> Idle. On every tick the scheduler
// looks for the latest occurrence of the entry's cron expression that is not
// after now, later than the persisted last-fired time and still inside the
// misfire grace window. If there is one it enqueues a single invocation with a
// deterministic id and then persists the occurrence as last fired.
//
// The occurrence is persisted after the enqueue succeeds. A crash in between
// fires the same occurrence again on restart, and the deterministic id turns
// that second enqueue into a no-op in the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/metrics"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/robfig/cron/v3"
)

// Entry declares one periodic trigger.
type Entry struct {
	Name     string        `mapstructure:"name" validate:"required"`
	TaskName string        `mapstructure:"task" validate:"required"`
	Cron     string        `mapstructure:"cron" validate:"required"`
	Payload  tasks.Payload `mapstructure:"payload"`
}

// Enqueuer is the dispatcher side used to submit fires.
type Enqueuer interface {
	Enqueue(ctx context.Context, inv tasks.Invocation) (string, error)
}

// Catalog builds invocations stamped with the task policy.
type Catalog interface {
	NewInvocation(name string, payload tasks.Payload) (tasks.Invocation, error)
}

// EntryState is a point-in-time view of one entry.
type EntryState struct {
	Name      string    `json:"name"`
	TaskName  string    `json:"task"`
	Cron      string    `json:"cron"`
	LastFired time.Time `json:"last_fired,omitempty"`
	NextFire  time.Time `json:"next_fire"`
}

type entry struct {
	Entry
	schedule cron.Schedule
}

// Scheduler evaluates entries at a fixed cadence.
type Scheduler struct {
	entries []entry
	catalog Catalog
	queue   Enqueuer
	store   Store

	loc      *time.Location
	grace    time.Duration
	interval time.Duration
	lease    *Lease
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation evaluates cron expressions in loc. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithMisfireGrace sets how late an occurrence may still fire. Older missed
// occurrences are skipped and logged.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithInterval sets the tick cadence of Run.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLease makes Tick a no-op unless this instance holds the lease.
func WithLease(l *Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now for Run.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New validates the entries against the catalog. Invalid cron expressions,
// unknown tasks and duplicate names are configuration errors.
func New(entries []Entry, catalog Catalog, q Enqueuer, store Store, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		catalog:  catalog,
		queue:    q,
		store:    store,
		loc:      time.UTC,
		grace:    time.Hour,
		interval: time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		field := "schedule." + e.Name
		if e.Name == "" {
			return nil, tasks.Configf("schedule", "entry name is required")
		}
		if seen[e.Name] {
			return nil, tasks.Configf(field, "duplicate entry")
		}
		seen[e.Name] = true

		sched, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, &tasks.ConfigurationError{Field: field + ".cron", Err: err}
		}
		if _, err := catalog.NewInvocation(e.TaskName, nil); err != nil {
			return nil, &tasks.ConfigurationError{Field: field + ".task", Err: err}
		}
		s.entries = append(s.entries, entry{Entry: e, schedule: sched})
	}
	return s, nil
}

// Run ticks until ctx is cancelled. A held lease is released on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.Log.With().Str("component", "scheduler").Logger()
	log.Info().Int("entries", len(s.entries)).Dur("interval", s.interval).Msg("Scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			if s.lease != nil {
				if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Failed to release scheduler lease")
				}
			}
			log.Info().Msg("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fires every entry that is due at now and returns the number of fires.
// Errors of individual entries are joined; one failing entry does not block
// the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	if s.lease != nil {
		leader, err := s.lease.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("scheduler lease: %w", err)
		}
		if !leader {
			return 0, nil
		}
	}

	var (
		fired int
		errs  []error
	)
	for _, e := range s.entries {
		ok, err := s.fire(ctx, e, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", e.Name, err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, e entry, now time.Time) (bool, error) {
	last, err := s.store.LastFired(ctx, e.Name)
	if err != nil {
		return false, err
	}
	occurrence, ok := s.due(e, last, now)
	if !ok {
		return false, nil
	}

	if !last.IsZero() {
		if skipped := e.schedule.Next(last.In(s.loc)); skipped.Before(occurrence) {
			logger.Log.Warn().
				Str("schedule", e.Name).
				Time("first_skipped", skipped).
				Time("occurrence", occurrence).
				Msg("Occurrences missed while the scheduler was down were skipped")
		}
	}

	inv, err := s.catalog.NewInvocation(e.TaskName, maps.Clone(e.Payload))
	if err != nil {
		return false, err
	}
	inv.ID = fmt.Sprintf("sched:%s:%d", e.Name, occurrence.Unix())

	if _, err := s.queue.Enqueue(ctx, inv); err != nil {
		return false, err
	}
	if err := s.store.SetLastFired(ctx, e.Name, occurrence); err != nil {
		return false, err
	}

	s.metrics.ScheduleFires.WithLabelValues(e.Name).Inc()
	logger.Log.Info().
		Str("schedule", e.Name).
		Str("task", e.TaskName).
		Str("invocation_id", inv.ID).
		Time("occurrence", occurrence).
		Msg("Scheduled task enqueued")
	return true, nil
}

// due returns the latest occurrence in (max(last, now-grace), now].
func (s *Scheduler) due(e entry, last, now time.Time) (time.Time, bool) {
	now = now.In(s.loc)
	floor := now.Add(-s.grace)
	if last.After(floor) {
		floor = last.In(s.loc)
	}

	var latest time.Time
	for t := e.schedule.Next(floor); !t.IsZero() && !t.After(now); t = e.schedule.Next(t) {
		latest = t
	}
	if latest.IsZero() {
		return time.Time{}, false
	}
	return latest.UTC(), true
}

// Snapshot reports every entry with its last and next fire time.
func (s *Scheduler) Snapshot(ctx context.Context) ([]EntryState, error) {
	now := s.now().In(s.loc)
	out := make([]EntryState, 0, len(s.entries))
	for _, e := range s.entries {
		last, err := s.store.LastFired(ctx, e.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, EntryState{
			Name:      e.Name,
			TaskName:  e.TaskName,
			Cron:      e.Cron,
			LastFired: last,
			NextFire:  e.schedule.Next(now).UTC(),
		})
	}
	return out, nil
}
