package scaler_test

import (
	"fmt"
	"testing"

	"github.com/scenergy/autoscaler/app/scaler"
	"github.com/stretchr/testify/require"
)

func TestDesiredWorkersBreakpoints(t *testing.T) {
	lim := scaler.Limits{Min: 0, Max: 5}

	cases := []struct {
		depth int
		want  int
	}{
		{0, 0},
		{1, 1},
		{10, 1},
		{11, 2},
		{30, 2},
		{31, 3},
		{50, 3},
		{60, 3},
		{61, 4},
		{100, 4},
		{101, 5},
		{500, 5},
		{-3, 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("depth=%d", tc.depth), func(t *testing.T) {
			require.Equal(t, tc.want, scaler.DesiredWorkers(tc.depth, lim))
		})
	}
}

func TestDesiredWorkersMonotonicAndBounded(t *testing.T) {
	lim := scaler.Limits{Min: 0, Max: 5}

	prev := scaler.DesiredWorkers(0, lim)
	for depth := 1; depth <= 500; depth++ {
		got := scaler.DesiredWorkers(depth, lim)
		require.GreaterOrEqual(t, got, prev, "desired workers must not shrink as depth grows (depth=%d)", depth)
		require.GreaterOrEqual(t, got, lim.Min)
		require.LessOrEqual(t, got, lim.Max)
		prev = got
	}
}

func TestDesiredWorkersClampsToLimits(t *testing.T) {
	t.Run("empty queue never drops below min", func(t *testing.T) {
		require.Equal(t, 2, scaler.DesiredWorkers(0, scaler.Limits{Min: 2, Max: 5}))
		require.Equal(t, 2, scaler.DesiredWorkers(5, scaler.Limits{Min: 2, Max: 5}))
	})

	t.Run("deep queue never exceeds max", func(t *testing.T) {
		require.Equal(t, 3, scaler.DesiredWorkers(80, scaler.Limits{Min: 0, Max: 3}))
		require.Equal(t, 3, scaler.DesiredWorkers(10000, scaler.Limits{Min: 0, Max: 3}))
	})
}
