// Package coredump captures the guest call stack at the point of a trap and
// writes it out as a WebAssembly core dump.
//
// A Recorder is attached to the context.Context of each execution context
// with WithRecorder. The listener factory returned by Listener tracks guest
// frames on every call and freezes a copy of the stack on the first abort, so
// after a failed call Recorder.Trap holds the frames live at the trap,
// innermost first.
//
// A Dump is the file format: a wasm module whose custom sections "core",
// "coremodules", "coreinstances" and "corestack" describe the process and its
// stack, with a memory section and data segments holding the memory image.
// Debuggers that understand core dumps (wasmgdb, for example) can open it.
package coredump
