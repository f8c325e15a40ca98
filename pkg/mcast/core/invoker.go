package core

import "sync"

// Invoker spawns and tracks the goroutines a peer needs: transport
// readers, the coordinator dispatch loop, and scheduler callbacks.
// Grounded on core/peer.go's Invoker/InvokerInstance pattern. The
// production implementation is WaitGroup-backed, and tests use it as is,
// so shutdown can be awaited deterministically.
type Invoker interface {
	// Spawn runs f on a new goroutine.
	Spawn(f func())

	// Stop blocks until every spawned goroutine has returned.
	Stop()
}

// defaultInvoker is the production Invoker: every spawned function is
// tracked by a shared WaitGroup.
type defaultInvoker struct {
	group sync.WaitGroup
}

// NewInvoker creates a new Invoker instance. Unlike a singleton
// InvokerInstance(), each peer gets its own, so Stop on one peer never
// blocks on goroutines belonging to another peer sharing the process (the
// test harness runs several peers in one process).
func NewInvoker() Invoker {
	return &defaultInvoker{}
}

func (d *defaultInvoker) Spawn(f func()) {
	d.group.Add(1)
	go func() {
		defer d.group.Done()
		f()
	}()
}

func (d *defaultInvoker) Stop() {
	d.group.Wait()
}
