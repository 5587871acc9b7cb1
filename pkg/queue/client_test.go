package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func setupTestRedis(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Client, *fakeClock) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithPollInterval(5 * time.Millisecond)}, opts...)
	return s, NewClient(rdb, opts...), clock
}

func newInvocation(id string) tasks.Invocation {
	return tasks.Invocation{
		ID:            id,
		TaskName:      "test",
		Payload:       tasks.Payload{"to": "test@example.com"},
		Priority:      tasks.PriorityDefault,
		MaxAttempts:   3,
		BaseBackoff:   60 * time.Second,
		HardTimeLimit: time.Hour,
		SoftTimeLimit: 55 * time.Minute,
	}
}

func TestEnqueue(t *testing.T) {
	s, client, _ := setupTestRedis(t)
	ctx := context.Background()

	id, err := client.Enqueue(ctx, newInvocation(""))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	items, err := s.List(DefaultKeyPrefix + "queue:default")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, items)

	res, err := client.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, res.Status)
	assert.Equal(t, "test", res.TaskName)
}

func TestEnqueueRequiresTaskName(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	_, err := client.Enqueue(context.Background(), tasks.Invocation{})
	assert.Error(t, err)
}

func TestEnqueueIsIdempotentPerID(t *testing.T) {
	s, client, _ := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := client.Enqueue(ctx, newInvocation("sched:cleanup:1700000000"))
		require.NoError(t, err)
		assert.Equal(t, "sched:cleanup:1700000000", id)
	}
	items, _ := s.List(DefaultKeyPrefix + "queue:default")
	assert.Len(t, items, 1)

	// A finished invocation keeps its result, so the id still cannot run twice.
	inv, err := client.Claim(ctx, "slot-1")
	require.NoError(t, err)
	require.NoError(t, client.Ack(ctx, "slot-1", inv.ID, nil))

	_, err = client.Enqueue(ctx, newInvocation("sched:cleanup:1700000000"))
	require.NoError(t, err)
	_, err = client.Claim(ctx, "slot-1")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPriorityClaim(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	ctx := context.Background()

	for _, p := range []struct {
		id       string
		priority int
	}{{"low", tasks.PriorityLow}, {"high", tasks.PriorityHigh}, {"default", tasks.PriorityDefault}} {
		inv := newInvocation(p.id)
		inv.Priority = p.priority
		_, err := client.Enqueue(ctx, inv)
		require.NoError(t, err)
	}

	for _, want := range []string{"high", "default", "low"} {
		inv, err := client.Claim(ctx, "slot-1")
		require.NoError(t, err)
		assert.Equal(t, want, inv.ID)
	}

	_, err := client.Claim(ctx, "slot-1")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFIFOWithinPriority(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.Enqueue(ctx, newInvocation(fmt.Sprintf("inv-%d", i)))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		inv, err := client.Claim(ctx, "slot-1")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("inv-%d", i), inv.ID)
	}
}

func TestNotBeforeIsRespected(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	ctx := context.Background()

	inv := newInvocation("later")
	inv.NotBefore = clock.Now().Add(time.Minute)
	_, err := client.Enqueue(ctx, inv)
	require.NoError(t, err)

	_, err = client.Claim(ctx, "slot-1")
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(59 * time.Second)
	_, err = client.Claim(ctx, "slot-1")
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(time.Second)
	got, err := client.Claim(ctx, "slot-1")
	require.NoError(t, err)
	assert.Equal(t, "later", got.ID)
}

func TestClaimMarksStarted(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	ctx := context.Background()

	_, err := client.Enqueue(ctx, newInvocation("a"))
	require.NoError(t, err)
	_, err = client.Claim(ctx, "worker/0#1")
	require.NoError(t, err)

	res, err := client.Result(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusStarted, res.Status)
	assert.Equal(t, "worker/0#1", res.Slot)
	assert.Equal(t, clock.Now().UnixMilli(), res.StartedAt.UnixMilli())
}

func TestConcurrentClaimDeliversOnce(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	ctx := context.Background()

	const total = 200
	for i := 0; i < total; i++ {
		_, err := client.Enqueue(ctx, newInvocation(fmt.Sprintf("inv-%03d", i)))
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for s := 0; s < 16; s++ {
		wg.Add(1)
		go func(slot string) {
			defer wg.Done()
			for {
				inv, err := client.Claim(ctx, slot)
				if errors.Is(err, ErrEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				counts[inv.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("slot-%d", s))
	}
	wg.Wait()

	assert.Len(t, counts, total)
	for id, n := range counts {
		assert.Equal(t, 1, n, "invocation %s delivered %d times", id, n)
	}
}

func TestClaimWaitTimesOut(t *testing.T) {
	_, client, _ := setupTestRedis(t)

	start := time.Now()
	_, err := client.ClaimWait(context.Background(), "slot-1", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestClaimWaitPicksUpLateWork(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.Enqueue(ctx, newInvocation("late"))
	}()

	inv, err := client.ClaimWait(ctx, "slot-1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", inv.ID)
}

func TestClaimWaitHonoursContext(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ClaimWait(ctx, "slot-1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecoverStale(t *testing.T) {
	_, client, clock := setupTestRedis(t, WithVisibilityTimeout(time.Minute))
	ctx := context.Background()

	_, err := client.Enqueue(ctx, newInvocation("abandoned"))
	require.NoError(t, err)
	_, err = client.Claim(ctx, "slot-1")
	require.NoError(t, err)

	n, err := client.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "claim is still within its visibility window")

	clock.Advance(time.Minute + time.Millisecond)
	n, err = client.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := client.Result(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, res.Status)

	inv, err := client.Claim(ctx, "slot-2")
	require.NoError(t, err)
	assert.Equal(t, "abandoned", inv.ID)
	assert.Equal(t, 0, inv.AttemptCount, "reclaim is not an attempt")
}

func TestClaimWithCancelledContext(t *testing.T) {
	_, client, _ := setupTestRedis(t)

	_, err := client.Enqueue(context.Background(), newInvocation("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Claim(ctx, "slot-1")
	assert.ErrorIs(t, err, context.Canceled)

	depths, err := client.Depths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths[QueueDefault])
	assert.Equal(t, int64(0), depths[QueueProcessing], "nothing stranded in processing")

	inv, err := client.Claim(context.Background(), "slot-1")
	require.NoError(t, err)
	assert.Equal(t, "a", inv.ID)
}

func TestDepthsAndInspect(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	ctx := context.Background()

	_, err := client.Enqueue(ctx, newInvocation("ready"))
	require.NoError(t, err)
	later := newInvocation("later")
	later.NotBefore = clock.Now().Add(time.Hour)
	_, err = client.Enqueue(ctx, later)
	require.NoError(t, err)

	depths, err := client.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths[QueueDefault])
	assert.Equal(t, int64(1), depths[QueueDelayed])
	assert.Equal(t, int64(0), depths[QueueProcessing])
	assert.Equal(t, int64(0), depths[QueueDeadLetter])

	invs, err := client.Inspect(ctx, QueueDelayed, 10)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "later", invs[0].ID)

	_, err = client.Inspect(ctx, "bogus", 10)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	ctx := context.Background()

	key := "ratelimit:test"
	limit := 1 // 1 token per second
	burst := 1 // Capacity 1

	// First call should succeed
	allowed, err := client.Allow(ctx, key, limit, burst)
	require.NoError(t, err)
	assert.True(t, allowed, "Expected first call to be allowed")

	// Second call immediately after should fail (burst consumed)
	allowed, err = client.Allow(ctx, key, limit, burst)
	require.NoError(t, err)
	assert.False(t, allowed, "Expected second call to be denied")

	clock.Advance(1100 * time.Millisecond)

	// Third call should succeed
	allowed, err = client.Allow(ctx, key, limit, burst)
	require.NoError(t, err)
	assert.True(t, allowed, "Expected third call to be allowed after refill")

	allowed, err = client.Allow(ctx, key, 0, 0)
	require.NoError(t, err)
	assert.True(t, allowed, "zero rate disables the limit")
}
