package kernel

import (
	"context"
	"sync/atomic"
)

// Spawner starts new execution contexts on behalf of a guest. Both methods
// return once the context has been started, not when it finishes.
type Spawner interface {
	// SpawnWorker runs task(task) in a new context with the given name.
	SpawnWorker(parent *Context, task uint32, name string) error

	// BringupSecondary runs secondary(cpu, idle) in a new context named
	// "entry<cpu>".
	BringupSecondary(parent *Context, cpu, idle uint32) error
}

// Context is the state private to one execution context.
type Context struct {
	spawner Spawner
	name    string
	irq     atomic.Bool
}

// NewContext creates context state. A nil spawner makes spawning host calls
// fail with an instantiation error.
func NewContext(name string, spawner Spawner, irqEnabled bool) *Context {
	c := &Context{name: name, spawner: spawner}
	c.irq.Store(irqEnabled)
	return c
}

// Name returns the context name used in logs and diagnostics.
func (c *Context) Name() string {
	return c.name
}

// IRQEnabled reports the context's interrupt-enabled flag.
func (c *Context) IRQEnabled() bool {
	return c.irq.Load()
}

// SetIRQEnabled sets the context's interrupt-enabled flag.
func (c *Context) SetIRQEnabled(enabled bool) {
	c.irq.Store(enabled)
}

type contextKey struct{}

// WithContext attaches per-context state to ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// ContextFrom returns the per-context state attached to ctx.
func ContextFrom(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok && c != nil
}
