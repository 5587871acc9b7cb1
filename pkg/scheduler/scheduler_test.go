package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/faultmaven/jobworker/pkg/queue"
	"github.com/faultmaven/jobworker/pkg/registry"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanupTask = "job_worker.tasks.case_tasks.cleanup_old_cases"

var dailyCleanup = []Entry{{Name: "cleanup-old-cases", TaskName: cleanupTask, Cron: "0 2 * * *"}}

type fixture struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	reg   *registry.Registry
	queue *queue.Client
	store Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := registry.New()
	noop := registry.HandlerFunc(func(ctx context.Context, p tasks.Payload) (tasks.Payload, error) { return nil, nil })
	require.NoError(t, reg.Register(cleanupTask, noop, registry.Policy{
		HardTimeLimit: time.Hour,
		SoftTimeLimit: 55 * time.Minute,
		MaxAttempts:   1,
		Priority:      tasks.PriorityDefault,
		Weight:        1,
	}))

	return &fixture{
		mr:    mr,
		rdb:   rdb,
		reg:   reg,
		queue: queue.NewClient(rdb),
		store: NewRedisStore(rdb, queue.DefaultKeyPrefix),
	}
}

func (f *fixture) scheduler(t *testing.T, entries []Entry, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(entries, f.reg, f.queue, f.store, opts...)
	require.NoError(t, err)
	return s
}

func (f *fixture) enqueued(t *testing.T) []string {
	t.Helper()
	ids, err := f.mr.List(queue.DefaultKeyPrefix + "queue:default")
	if errors.Is(err, miniredis.ErrKeyNotFound) {
		return nil
	}
	require.NoError(t, err)
	return ids
}

func day(d, hour, minute int) time.Time {
	return time.Date(2025, 1, d, hour, minute, 0, 0, time.UTC)
}

func TestDailyEntryFiresOncePerDay(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, dailyCleanup)
	ctx := context.Background()

	total := 0
	for now := day(1, 0, 0); now.Before(day(4, 0, 0)); now = now.Add(time.Minute) {
		n, err := s.Tick(ctx, now)
		require.NoError(t, err)
		total += n
	}

	assert.Equal(t, 3, total)
	assert.Equal(t, []string{
		"sched:cleanup-old-cases:1735696800",
		"sched:cleanup-old-cases:1735783200",
		"sched:cleanup-old-cases:1735869600",
	}, f.enqueued(t))

	last, err := f.store.LastFired(ctx, "cleanup-old-cases")
	require.NoError(t, err)
	assert.Equal(t, day(3, 2, 0), last)
}

func TestEnqueuedInvocationCarriesPolicy(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, []Entry{{
		Name:     "cleanup-old-cases",
		TaskName: cleanupTask,
		Cron:     "0 2 * * *",
		Payload:  tasks.Payload{"days_threshold": 60},
	}})
	ctx := context.Background()

	_, err := s.Tick(ctx, day(1, 2, 0))
	require.NoError(t, err)

	inv, err := f.queue.Invocation(ctx, "sched:cleanup-old-cases:1735696800")
	require.NoError(t, err)
	assert.Equal(t, cleanupTask, inv.TaskName)
	assert.Equal(t, time.Hour, inv.HardTimeLimit)
	assert.EqualValues(t, 60, inv.Payload["days_threshold"])
}

func TestRestartSameDayDoesNotRefire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.scheduler(t, dailyCleanup)
	n, err := first.Tick(ctx, day(1, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Process paused and resumed: a fresh scheduler shares only the store.
	resumed := f.scheduler(t, dailyCleanup)
	for _, now := range []time.Time{day(1, 2, 0), day(1, 2, 30), day(1, 12, 0), day(1, 23, 59)} {
		n, err := resumed.Tick(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n, "tick at %s", now)
	}
	assert.Len(t, f.enqueued(t), 1)
}

func TestLateStartWithinGraceFires(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, dailyCleanup, WithMisfireGrace(time.Hour))

	n, err := s.Tick(context.Background(), day(1, 2, 45))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"sched:cleanup-old-cases:1735696800"}, f.enqueued(t))
}

func TestOccurrenceOutsideGraceIsSkipped(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, dailyCleanup, WithMisfireGrace(time.Hour))
	ctx := context.Background()

	n, err := s.Tick(ctx, day(1, 2, 0))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Down from day 1 until day 2 04:00.
	n, err = s.Tick(ctx, day(2, 4, 0))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Tick(ctx, day(3, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.enqueued(t), 2)
}

type flakyStore struct {
	Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) SetLastFired(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("store unavailable")
	}
	return s.Store.SetLastFired(ctx, name, at)
}

func TestCrashBeforePersistDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.store = &flakyStore{Store: f.store, fails: 1}
	s := f.scheduler(t, dailyCleanup)
	ctx := context.Background()

	_, err := s.Tick(ctx, day(1, 2, 0))
	require.Error(t, err)

	n, err := s.Tick(ctx, day(1, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the occurrence is fired again")
	assert.Len(t, f.enqueued(t), 1, "but the deterministic id is enqueued once")
}

func TestNewRejectsBadEntries(t *testing.T) {
	f := newFixture(t)
	var cfgErr *tasks.ConfigurationError

	tests := []struct {
		name    string
		entries []Entry
		field   string
	}{
		{"invalid cron", []Entry{{Name: "x", TaskName: cleanupTask, Cron: "at two"}}, "schedule.x.cron"},
		{"unknown task", []Entry{{Name: "x", TaskName: "missing", Cron: "0 2 * * *"}}, "schedule.x.task"},
		{"duplicate", append(append([]Entry{}, dailyCleanup...), dailyCleanup...), "schedule.cleanup-old-cases"},
		{"no name", []Entry{{TaskName: cleanupTask, Cron: "0 2 * * *"}}, "schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.entries, f.reg, f.queue, f.store)
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLocation(t *testing.T) {
	f := newFixture(t)
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := f.scheduler(t, dailyCleanup, WithLocation(loc))
	ctx := context.Background()

	n, err := s.Tick(ctx, day(1, 2, 0))
	require.NoError(t, err)
	assert.Zero(t, n, "02:00 UTC is 04:00 in UTC+2")

	n, err = s.Tick(ctx, day(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "00:00 UTC is 02:00 in UTC+2")
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	now := day(1, 2, 30)
	s := f.scheduler(t, dailyCleanup, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.Tick(ctx, now)
	require.NoError(t, err)

	states, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, day(1, 2, 0), states[0].LastFired)
	assert.Equal(t, day(2, 2, 0), states[0].NextFire)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, dailyCleanup,
		WithInterval(5*time.Millisecond),
		WithClock(func() time.Time { return day(1, 2, 0) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.enqueued(t)) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Len(t, f.enqueued(t), 1)
}

func TestLeaseKeepsSingleLeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.scheduler(t, dailyCleanup, WithLease(NewLease(f.rdb, queue.DefaultKeyPrefix, time.Minute)))
	b := f.scheduler(t, dailyCleanup, WithLease(NewLease(f.rdb, queue.DefaultKeyPrefix, time.Minute)))

	n, err := b.Tick(ctx, day(1, 1, 0))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.Tick(ctx, day(1, 2, 0))
	require.NoError(t, err)
	assert.Zero(t, n, "b holds the lease")

	n, err = b.Tick(ctx, day(1, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := NewLease(f.rdb, "p:", time.Minute)
	b := NewLease(f.rdb, "p:", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews")

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx), "non-owner release is a no-op")
	assert.Equal(t, a.Owner(), mustGet(t, f.mr, "p:schedule:leader"))

	f.mr.FastForward(2 * time.Minute)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, b.Release(ctx))
	assert.False(t, f.mr.Exists("p:schedule:leader"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	last, err := s.LastFired(ctx, "x")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, s.SetLastFired(ctx, "x", day(1, 2, 0)))
	last, err = s.LastFired(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, day(1, 2, 0), last)
}
