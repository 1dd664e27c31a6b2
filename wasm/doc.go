// Package wasm encodes small WebAssembly binary modules.
//
// It covers the part of the binary format the machine needs to produce
// itself: function types and bodies, function and memory imports, a memory
// definition, exports, active data segments and custom sections. Core dumps
// are written with it, and tests use it to synthesize guest kernels without
// an external toolchain.
//
// # Building a module
//
//	m := &wasm.Module{}
//	m.ImportMemory("env", "memory", wasm.Limits{Min: 1, Max: &one, Shared: true})
//	halt := m.ImportFunc("kernel", "halt", wasm.FuncType{})
//	boot := m.AddFunc(wasm.FuncType{}, nil, wasm.NewExpr().Call(halt).End().Bytes())
//	m.ExportFunc("boot", boot)
//	data := m.Encode()
//
// # Reading sections
//
// ReadSections splits an encoded module into raw sections, which is enough
// to inspect custom sections of a core dump:
//
//	sections, err := wasm.ReadSections(data)
//	stack, ok := wasm.FindCustom(sections, "corestack")
package wasm
