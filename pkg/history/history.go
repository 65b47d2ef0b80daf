package history

import (
	"context"
	"sync"
	"time"
)

// Decision is one reconciliation outcome. Ephemeral by design; recorders keep
// a bounded trail of them for operators.
type Decision struct {
	Time           time.Time `json:"time"`
	QueueDepth     int       `json:"queueDepth"`
	CurrentWorkers int       `json:"currentWorkers"`
	DesiredWorkers int       `json:"desiredWorkers"`
	PerWorkerRPM   int       `json:"perWorkerRpm"`
	Reason         string    `json:"reason"`
	Error          string    `json:"error,omitempty"`
}

// Reasons attached to decisions.
const (
	ReasonNoChange    = "no change needed"
	ReasonScaleUp     = "scale up"
	ReasonScaleDown   = "scale down"
	ReasonScaleFailed = "scale command failed"
)

// Recorder keeps a trail of scaling decisions. Recording is best-effort and
// must never fail a reconcile tick.
type Recorder interface {
	Record(ctx context.Context, d Decision)
	Recent(n int) []Decision
}

// MemoryRecorder is a fixed-size ring of the most recent decisions, newest
// first. Backs the /decisions endpoint and the tests.
type MemoryRecorder struct {
	mu        sync.Mutex
	decisions []Decision
	capacity  int
}

var _ Recorder = (*MemoryRecorder)(nil)

func NewMemoryRecorder(capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryRecorder{capacity: capacity}
}

func (r *MemoryRecorder) Record(_ context.Context, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append([]Decision{d}, r.decisions...)
	if len(r.decisions) > r.capacity {
		r.decisions = r.decisions[:r.capacity]
	}
}

func (r *MemoryRecorder) Recent(n int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.decisions) {
		n = len(r.decisions)
	}
	out := make([]Decision, n)
	copy(out, r.decisions[:n])
	return out
}
