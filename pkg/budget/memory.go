package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore is an in-process Store used for local development
// (BUDGET_BACKEND=memory) and tests. It mirrors the Redis semantics: window
// counters are atomic, the allotment pair is updated under one lock, and
// stale windows self-clean.
type MemoryStore struct {
	// Now is swappable so tests can steer the window clock.
	Now func() time.Time

	window  time.Duration
	windows *xsync.Map[int64, *atomic.Int64]

	mu           sync.Mutex
	seeded       bool
	limit        int64
	maxWorkers   int
	minWorkers   int
	perWorkerRPM int
	workerCount  int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(window time.Duration) *MemoryStore {
	return &MemoryStore{
		Now:     time.Now,
		window:  window,
		windows: xsync.NewMap[int64, *atomic.Int64](),
	}
}

func (s *MemoryStore) InitDefaults(_ context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return nil
	}
	s.limit = cfg.GlobalRPMLimit
	s.maxWorkers = cfg.MaxWorkers
	s.minWorkers = cfg.MinWorkers
	s.seeded = true
	return nil
}

func (s *MemoryStore) WorkerCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerCount, nil
}

func (s *MemoryStore) PublishAllotment(_ context.Context, workers, perWorkerRPM int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerCount = workers
	s.perWorkerRPM = perWorkerRPM
	return nil
}

func (s *MemoryStore) State(_ context.Context) (State, error) {
	used := s.used()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Used:         used,
		Limit:        s.limit,
		PerWorkerRPM: s.perWorkerRPM,
		WorkerCount:  s.workerCount,
	}
	if remaining := s.limit - used; remaining > 0 {
		st.Remaining = remaining
	}
	return st, nil
}

func (s *MemoryStore) Consume(_ context.Context, n int64) (int64, error) {
	ws := windowStart(s.Now(), s.window).UnixMilli()
	counter, _ := s.windows.LoadOrStore(ws, new(atomic.Int64))
	v := counter.Add(n)
	s.expireStale(ws)
	return v, nil
}

func (s *MemoryStore) CanProcessJob(_ context.Context) (bool, error) {
	used := s.used()
	s.mu.Lock()
	limit := s.limit
	s.mu.Unlock()
	return used < limit, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) used() int64 {
	ws := windowStart(s.Now(), s.window).UnixMilli()
	counter, ok := s.windows.Load(ws)
	if !ok {
		return 0
	}
	return counter.Load()
}

// expireStale drops windows past their expiry, matching the Redis TTL.
func (s *MemoryStore) expireStale(current int64) {
	cutoff := current - (s.window + expiryBuffer).Milliseconds()
	s.windows.Range(func(ws int64, _ *atomic.Int64) bool {
		if ws < cutoff {
			s.windows.Delete(ws)
		}
		return true
	})
}
