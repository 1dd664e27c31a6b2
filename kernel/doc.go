// Package kernel implements the host calls a guest kernel imports from the
// "kernel" module: console output, the hardware description, time, the
// interrupt flag, and spawning of further execution contexts.
//
// Host holds the state shared by every execution context and is immutable
// once instantiated. Per-context state (name, interrupt flag, spawner) is a
// *Context carried in the context.Context of each guest call:
//
//	kctx := kernel.NewContext("boot", spawner, false)
//	results, err := instance.Call(kernel.WithContext(ctx, kctx), "boot")
//
// Host calls report failures by panicking with an *errors.Error; the engine
// returns it as the error of the guest call.
package kernel
