// Package device manages the fixed pool of extraction slots. Checkpoint
// jobs are assigned round-robin by job index, so a job's placement depends
// only on its position in the step list, not on scheduling order.
package device

import (
	"fmt"
	"runtime"
)

// Context identifies one slot in the pool and its CPU thread budget.
type Context struct {
	id      int
	threads int
}

func (c *Context) ID() int { return c.id }

// Threads is the number of OS threads a worker on this slot should use.
func (c *Context) Threads() int { return c.threads }

// Pool is a fixed set of extraction slots created once per run.
type Pool struct {
	contexts []*Context
}

func NewPool(n int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid pool size: %d (must be positive)", n)
	}

	threads := runtime.NumCPU() / n
	if threads < 1 {
		threads = 1
	}

	contexts := make([]*Context, n)
	for i := range contexts {
		contexts[i] = &Context{id: i, threads: threads}
	}
	return &Pool{contexts: contexts}, nil
}

func (p *Pool) Size() int { return len(p.contexts) }

// Assign returns the slot for the i-th job.
func (p *Pool) Assign(i int) *Context {
	return p.contexts[i%len(p.contexts)]
}
