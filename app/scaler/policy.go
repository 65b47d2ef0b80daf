package scaler

// Limits bounds the worker fleet size. Min may be zero (scale to zero on an
// empty queue).
type Limits struct {
	Min int
	Max int
}

// DesiredWorkers maps queue depth to a target fleet size using fixed
// breakpoints, clamped to the configured limits. Deterministic, total for any
// depth, and non-decreasing in queue depth.
//
// Breakpoints (inclusive upper bounds): 0, 10, 30, 60, 100.
func DesiredWorkers(queueDepth int, lim Limits) int {
	if queueDepth < 0 {
		queueDepth = 0
	}

	var desired int
	switch {
	case queueDepth == 0:
		desired = lim.Min
	case queueDepth <= 10:
		desired = 1
	case queueDepth <= 30:
		desired = 2
	case queueDepth <= 60:
		desired = 3
	case queueDepth <= 100:
		desired = 4
	default:
		desired = lim.Max
	}

	if desired < lim.Min {
		desired = lim.Min
	}
	if desired > lim.Max {
		desired = lim.Max
	}
	return desired
}
