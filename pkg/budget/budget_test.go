package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		GlobalRPMLimit: 60,
		MaxWorkers:     5,
		MinWorkers:     0,
		Window:         time.Minute,
	}
}

func TestWindowStartAligned(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	require.Equal(t, base, windowStart(base, time.Minute))
	require.Equal(t, base, windowStart(base.Add(37*time.Second), time.Minute))
	require.Equal(t, base.Add(time.Minute), windowStart(base.Add(61*time.Second), time.Minute))

	key := windowKey(base.Add(15*time.Second), time.Minute)
	require.Equal(t, "worker:rpm:1787653800000", key, "key carries the window start epoch millis")
}

func TestPerWorkerRPMSplitsFloor(t *testing.T) {
	require.Equal(t, 20, PerWorkerRPM(60, 3))
	require.Equal(t, 15, PerWorkerRPM(60, 4))
	require.Equal(t, 16, PerWorkerRPM(50, 3), "share rounds down")
	require.Equal(t, 0, PerWorkerRPM(60, 0), "no workers, no share")
}

func TestMemoryStoreEnforcesGlobalLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	require.NoError(t, store.InitDefaults(ctx, testConfig()))

	for i := 0; i < 59; i++ {
		_, err := store.Consume(ctx, 1)
		require.NoError(t, err)
	}

	ok, err := store.CanProcessJob(ctx)
	require.NoError(t, err)
	require.True(t, ok, "one unit of budget left")

	used, err := store.Consume(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 60, used)

	ok, err = store.CanProcessJob(ctx)
	require.NoError(t, err)
	require.False(t, ok, "ceiling reached, workers must deny")

	st, err := store.State(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 60, st.Used)
	require.EqualValues(t, 60, st.Limit)
	require.Zero(t, st.Remaining)
}

func TestMemoryStoreWindowSelfResets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	require.NoError(t, store.InitDefaults(ctx, testConfig()))

	now := time.Date(2026, 8, 25, 10, 30, 10, 0, time.UTC)
	store.Now = func() time.Time { return now }

	_, err := store.Consume(ctx, 60)
	require.NoError(t, err)
	ok, err := store.CanProcessJob(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// Cross into the next window: the counter starts from zero regardless of
	// how full the previous window ended.
	now = now.Add(time.Minute)

	st, err := store.State(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Used)
	require.EqualValues(t, 60, st.Remaining)

	ok, err = store.CanProcessJob(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStoreSeedsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	require.NoError(t, store.InitDefaults(ctx, testConfig()))

	retuned := testConfig()
	retuned.GlobalRPMLimit = 10
	require.NoError(t, store.InitDefaults(ctx, retuned))

	st, err := store.State(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 60, st.Limit, "re-seeding must not clobber existing values")
}

func TestMemoryStorePublishesAllotmentPair(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	require.NoError(t, store.InitDefaults(ctx, testConfig()))

	require.NoError(t, store.PublishAllotment(ctx, 4, 15))

	count, err := store.WorkerCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, count)

	st, err := store.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, st.PerWorkerRPM)
	require.Equal(t, 4, st.WorkerCount)
}

func TestRedisStoreFailsClosedWhenUnreachable(t *testing.T) {
	ctx := context.Background()

	// Nothing listens on port 1; every command errors immediately.
	store := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		}),
		logger: zaptest.NewLogger(t),
		window: time.Minute,
		now:    time.Now,
	}
	defer func() { _ = store.Close() }()

	// An unreachable store must deny admission, never allow it.
	ok, err := store.CanProcessJob(ctx)
	require.Error(t, err)
	require.False(t, ok)

	_, err = store.State(ctx)
	require.Error(t, err)

	_, err = store.Consume(ctx, 1)
	require.Error(t, err)
}

func TestConcurrentFleetConsumesExactly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	require.NoError(t, store.InitDefaults(ctx, testConfig()))

	// Simulate a fleet of workers hammering the counter concurrently; the
	// total must come out exact, with no lost increments.
	pool := pond.NewPool(16)
	group := pool.NewGroup()
	for i := 0; i < 200; i++ {
		group.Submit(func() {
			_, _ = store.Consume(ctx, 1)
		})
	}
	require.NoError(t, group.Wait())
	pool.StopAndWait()

	st, err := store.State(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 200, st.Used)
}
