package scaler

import "context"

// Provider abstracts the platform running the worker fleet.
// Implementations may talk to Kubernetes, Nomad, etc.
type Provider interface {
	// Scale sets the worker deployment to the given replica count. The call
	// returns once the platform accepts the command; it never waits for
	// replicas to become ready.
	Scale(ctx context.Context, replicas int) error
	// Replicas reports the platform's live replica count. Observability
	// only; the reconcile loop tracks its own count through the budget store.
	Replicas(ctx context.Context) (int, error)

	// Close releases any Provider resources.
	Close() error
}
