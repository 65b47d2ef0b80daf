package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scenergy/autoscaler/pkg/retry"
	"github.com/scenergy/autoscaler/pkg/utils"
	"go.uber.org/zap"
)

// RedisStore implements Store on top of a shared Redis instance. Every
// mutation is a single Redis command (INCRBY, MSET, SETNX) so concurrent
// workers and the reconciler never race through read-modify-write cycles.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	window time.Duration

	// now is swappable for tests.
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed budget store using environment
// variables for connection settings:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
func NewRedisStore(ctx context.Context, logger *zap.Logger, window time.Duration) (*RedisStore, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts keep a hung store from stalling the reconcile loop.
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	connCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "redis_connection", func() error {
		return rdb.Ping(connCtx).Err()
	}); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Duration("window", window))

	return &RedisStore{
		client: rdb,
		logger: logger,
		window: window,
		now:    time.Now,
	}, nil
}

// InitDefaults seeds missing config keys with SETNX so operator-tuned values
// in the store survive restarts and deploys.
func (s *RedisStore) InitDefaults(ctx context.Context, cfg Config) error {
	pipe := s.client.Pipeline()
	pipe.SetNX(ctx, KeyRPMLimit, cfg.GlobalRPMLimit, 0)
	pipe.SetNX(ctx, KeyMaxWorkers, cfg.MaxWorkers, 0)
	pipe.SetNX(ctx, KeyMinWorkers, cfg.MinWorkers, 0)
	pipe.SetNX(ctx, KeyPerWorkerRPM, 0, 0)
	pipe.SetNX(ctx, KeyWorkerCount, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed budget defaults: %w", err)
	}
	return nil
}

func (s *RedisStore) WorkerCount(ctx context.Context) (int, error) {
	n, err := s.client.Get(ctx, KeyWorkerCount).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read worker count: %w", err)
	}
	return n, nil
}

// PublishAllotment writes both keys with a single MSET; Redis applies the
// command atomically, so readers see either the old pair or the new pair.
func (s *RedisStore) PublishAllotment(ctx context.Context, workers, perWorkerRPM int) error {
	if err := s.client.MSet(ctx,
		KeyPerWorkerRPM, perWorkerRPM,
		KeyWorkerCount, workers,
	).Err(); err != nil {
		return fmt.Errorf("publish allotment: %w", err)
	}
	return nil
}

func (s *RedisStore) State(ctx context.Context) (State, error) {
	key := windowKey(s.now(), s.window)
	vals, err := s.client.MGet(ctx, KeyRPMLimit, KeyPerWorkerRPM, KeyWorkerCount, key).Result()
	if err != nil {
		return State{}, fmt.Errorf("read budget state: %w", err)
	}

	limit := mgetInt64(vals[0])
	used := mgetInt64(vals[3])
	st := State{
		Used:         used,
		Limit:        limit,
		PerWorkerRPM: int(mgetInt64(vals[1])),
		WorkerCount:  int(mgetInt64(vals[2])),
	}
	if remaining := limit - used; remaining > 0 {
		st.Remaining = remaining
	}
	return st, nil
}

func (s *RedisStore) Consume(ctx context.Context, n int64) (int64, error) {
	key := windowKey(s.now(), s.window)

	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	// NX: only the first increment in a window arms the expiry.
	pipe.ExpireNX(ctx, key, s.window+expiryBuffer)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("consume %d: %w", n, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) CanProcessJob(ctx context.Context) (bool, error) {
	st, err := s.State(ctx)
	if err != nil {
		// Fail closed: an unreachable store must not open the rate ceiling.
		return false, err
	}
	return st.Used < st.Limit, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// mgetInt64 parses an MGET slot, treating missing keys as zero.
func mgetInt64(v interface{}) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
