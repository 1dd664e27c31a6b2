// Package errors provides structured error types for the wasm machine.
//
// Errors are categorized by Phase (where in the machine's life the error
// occurred) and Kind (error category). The Error type carries the name of the
// execution context it belongs to, an element path, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEncode, errors.KindEncoding).
//		Path("chosen", "bootargs").
//		Detail("duplicate property").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.MemoryRange(offset, length, mem.Size())
//	err := errors.Instantiation("entry1", "create instance", cause)
//
// Errors returned by the engine are mapped onto the taxonomy with Classify.
// All errors implement the standard error interface and support errors.Is/As;
// the sentinels (ErrConfiguration, ErrGuestFault, ...) match on Phase and Kind.
package errors
