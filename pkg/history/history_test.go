package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/scenergy/autoscaler/pkg/history"
	"github.com/stretchr/testify/require"
)

func decisionAt(depth, desired int) history.Decision {
	return history.Decision{
		Time:           time.Now(),
		QueueDepth:     depth,
		DesiredWorkers: desired,
		Reason:         history.ReasonScaleUp,
	}
}

func TestMemoryRecorderNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := history.NewMemoryRecorder(10)

	r.Record(ctx, decisionAt(10, 1))
	r.Record(ctx, decisionAt(50, 3))
	r.Record(ctx, decisionAt(200, 5))

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	require.Equal(t, 200, recent[0].QueueDepth)
	require.Equal(t, 50, recent[1].QueueDepth)

	require.Len(t, r.Recent(0), 3, "zero limit returns everything")
}

func TestMemoryRecorderDropsOldest(t *testing.T) {
	ctx := context.Background()
	r := history.NewMemoryRecorder(3)

	for depth := 1; depth <= 5; depth++ {
		r.Record(ctx, decisionAt(depth, 1))
	}

	recent := r.Recent(0)
	require.Len(t, recent, 3)
	require.Equal(t, 5, recent[0].QueueDepth)
	require.Equal(t, 3, recent[2].QueueDepth, "oldest entries fall off the ring")
}
