package scaler

import (
	"context"
	"log"
	"sync"
)

// FakeProvider records scale commands instead of applying them. Used for
// local development and throughout the tests.
type FakeProvider struct {
	mu       sync.Mutex
	replicas int
	commands []int
	failWith error
}

var _ Provider = (*FakeProvider)(nil)

// NewFakeProvider creates a new fake provider.
func NewFakeProvider() *FakeProvider { return &FakeProvider{} }

// Scale records the command and adopts the replica count immediately.
func (p *FakeProvider) Scale(_ context.Context, replicas int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.replicas = replicas
	p.commands = append(p.commands, replicas)
	log.Printf("[scaler/Provider=fake] scale replicas=%d", replicas)
	return nil
}

// Replicas returns the last accepted replica count.
func (p *FakeProvider) Replicas(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replicas, nil
}

// Close is a no-op.
func (p *FakeProvider) Close() error { return nil }

// Commands returns every replica count issued so far, in order.
func (p *FakeProvider) Commands() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.commands))
	copy(out, p.commands)
	return out
}

// FailWith makes subsequent Scale calls return err; nil restores normal
// behavior.
func (p *FakeProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}
