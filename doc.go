// Package wasmmachine boots a WebAssembly guest kernel as if it were a small
// multi-core machine.
//
// The guest imports a narrow "kernel" ABI (console, hardware description,
// monotonic time, interrupt flag, worker and secondary CPU bring-up) and a
// single shared linear memory. The host emulates just enough of a bare-metal
// environment for the guest's own scheduler and allocator to run.
//
// # Architecture Overview
//
//	wasmmachine/         Root package with the shared Memory interface
//	├── machine/         Boot orchestration, execution contexts, fatal policy
//	├── kernel/          The "kernel" host module imported by the guest
//	├── engine/          wazero runtime setup, linking, instantiation template
//	├── memory/          Shared linear memory exported as env.memory
//	├── devicetree/      Flattened device tree writer and reader
//	├── coredump/        Trap frame recording and wasm coredump encoding
//	├── wasm/            Minimal core wasm binary encoder
//	├── errors/          Structured error types
//	└── cmd/run/         Command line runner and interactive monitor
//
// # Quick Start
//
//	sections, err := machine.LoadSections("sections.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = machine.Boot(ctx, machine.Options{
//	    ModulePath: "vmlinux.wasm",
//	    Sections:   sections,
//	    MemoryMiB:  128,
//	})
//
// Boot only returns once the guest's boot function returns. Any fatal fault in
// any execution context terminates the whole process with status 1.
package wasmmachine
