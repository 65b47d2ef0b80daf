package queue

import "context"

// Depth is the backlog snapshot that drives scaling.
type Depth struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

// Total is the queue depth fed into the scaling policy.
func (d Depth) Total() int {
	return d.Pending + d.Processing
}

// Inspector reads the job table and reduces it to a backlog count. Pure read;
// implementations never mutate job rows.
type Inspector interface {
	QueueDepth(ctx context.Context) (Depth, error)
}
