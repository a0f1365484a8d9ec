// Package exec provides the goroutine-spawning abstraction used by every
// long-lived component so that tests can join on every spawned goroutine
// instead of racing a bare "go func(){}()".
package exec

import "sync"

// Invoker spawns fire-and-forget goroutines on behalf of a component and
// lets the owner wait for every one of them to finish.
type Invoker interface {
	// Spawn runs f on its own goroutine.
	Spawn(f func())

	// Stop blocks until every goroutine previously spawned by this
	// invoker has returned.
	Stop()
}

// waitGroupInvoker is the default Invoker. Each component owns one
// instance rather than sharing a process-wide singleton, so shutting one
// component down never blocks on another's goroutines.
type waitGroupInvoker struct {
	group sync.WaitGroup
}

// New returns a fresh Invoker.
func New() Invoker {
	return &waitGroupInvoker{}
}

func (i *waitGroupInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

func (i *waitGroupInvoker) Stop() {
	i.group.Wait()
}
