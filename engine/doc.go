// Package engine adapts wazero to the needs of a guest kernel: one runtime,
// one compiled guest, and many anonymous instances of it that share the
// host modules and the shared linear memory.
//
// # Architecture
//
//	WazeroEngine   - owns the wazero runtime and its feature set
//	WazeroModule   - the compiled guest, checked against the host modules
//	InstancePre    - a linked guest ready to be instantiated any number of times
//	WazeroInstance - one execution context's instance of the guest
//
// # Flow
//
//  1. NewWazeroEngineWithConfig() creates the runtime with threads enabled
//  2. Host modules ("kernel", "env") are instantiated into Runtime()
//  3. LoadModule() compiles the guest once
//  4. Link() verifies every guest import resolves and returns an InstancePre
//  5. InstancePre.Instantiate() creates a WazeroInstance per execution context
//  6. WazeroInstance.Call() invokes an entry point
//
// # Debug mode
//
// With Config.Debug the interpreter is used instead of the optimizing
// compiler, debug info is kept for stack traces, and Config.Listener (if
// set) observes every guest function call. Listeners must be known when the
// guest is compiled, so they are bound in LoadModule.
package engine
