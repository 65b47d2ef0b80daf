package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/scenergy/autoscaler/pkg/utils"
)

// Redis key space shared with the worker fleet. Workers only ever read the
// config keys and INCR the window counter; the reconciler owns the writes.
const (
	KeyRPMLimit     = "worker:config:rpm_limit"
	KeyMaxWorkers   = "worker:config:max_workers"
	KeyMinWorkers   = "worker:config:min_workers"
	KeyPerWorkerRPM = "worker:config:per_worker_rpm"
	KeyWorkerCount  = "worker:count"

	windowKeyPrefix = "worker:rpm:"
)

// expiryBuffer keeps a closed window's counter around briefly so late
// in-flight readers still see it before the key self-cleans.
const expiryBuffer = 10 * time.Second

// Config holds the operator-set rate budget settings seeded into the store at
// deploy time.
type Config struct {
	GlobalRPMLimit int64
	MaxWorkers     int
	MinWorkers     int
	Window         time.Duration
}

// ConfigFromEnv reads the rate budget settings from the environment.
// Recognized variables: RPM_LIMIT, MAX_WORKERS, MIN_WORKERS, RATE_WINDOW.
func ConfigFromEnv() Config {
	return Config{
		GlobalRPMLimit: utils.EnvInt64("RPM_LIMIT", 60),
		MaxWorkers:     utils.EnvInt("MAX_WORKERS", 5),
		MinWorkers:     utils.EnvInt("MIN_WORKERS", 0),
		Window:         utils.EnvDuration("RATE_WINDOW", time.Minute),
	}
}

// State is a point-in-time snapshot of the shared rate budget.
type State struct {
	Used         int64 `json:"used"`
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	PerWorkerRPM int   `json:"perWorkerRpm"`
	WorkerCount  int   `json:"workerCount"`
}

// Store is the shared rate budget handle injected into both the reconciler
// and the workers. All mutations are atomic store primitives; none of the
// implementations may read-modify-write shared keys.
type Store interface {
	// InitDefaults seeds config keys that are not present yet. Existing
	// (operator-tuned) values are never overwritten.
	InitDefaults(ctx context.Context, cfg Config) error

	// WorkerCount returns the last-reconciled worker count. This is the
	// reconciler's source of truth, not the platform's live replica count.
	WorkerCount(ctx context.Context) (int, error)

	// PublishAllotment writes the worker count and the per-worker RPM share
	// as one atomic unit. The pair is never observable half-updated.
	PublishAllotment(ctx context.Context, workers, perWorkerRPM int) error

	// State reports the current window usage and config for workers and the
	// status endpoint.
	State(ctx context.Context) (State, error)

	// Consume atomically adds n to the current window's counter and returns
	// the post-increment value. The first increment in a window arms the
	// key's expiry (window length + buffer).
	Consume(ctx context.Context, n int64) (int64, error)

	// CanProcessJob reports whether the global window counter is still below
	// the global limit. On store failure it fails closed (false, err).
	CanProcessJob(ctx context.Context) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// windowStart truncates now to the containing fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

// windowKey returns the counter key for the window containing now,
// e.g. "worker:rpm:1756080000000".
func windowKey(now time.Time, window time.Duration) string {
	return fmt.Sprintf("%s%d", windowKeyPrefix, windowStart(now, window).UnixMilli())
}

// PerWorkerRPM splits the global limit evenly across workers, rounding down.
// Zero workers get a zero share.
func PerWorkerRPM(limit int64, workers int) int {
	if workers <= 0 {
		return 0
	}
	return int(limit / int64(workers))
}
