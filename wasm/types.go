package wasm

import "fmt"

// Module is the subset of a WebAssembly module this package can encode:
// plain functions, imports, one memory, exports, data segments and custom
// sections. It is enough to describe small guests and core dumps.
type Module struct {
	Start *uint32

	// HeadSections are custom sections emitted right after the preamble,
	// before any known section.
	HeadSections []CustomSection
	Types        []FuncType
	Imports      []Import
	Funcs        []uint32 // type index per defined function
	Memories     []MemoryType
	Exports      []Export
	Code         []FuncBody
	Data         []DataSegment

	// CustomSections are emitted after all known sections.
	CustomSections []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// ValType is a value type encoding.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	default:
		return fmt.Sprintf("0x%02x", byte(v))
	}
}

// Import represents an imported function or memory.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item.
// Kind uses KindFunc or KindMemory.
type ImportDesc struct {
	Memory  *MemoryType
	TypeIdx uint32
	Kind    byte
}

// MemoryType describes a linear memory with size limits.
type MemoryType struct {
	Limits Limits
}

// Limits describes size constraints for memories, in pages.
type Limits struct {
	Max    *uint32
	Min    uint32
	Shared bool
}

// Export describes an exported item.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// FuncBody represents a function's local declarations and bytecode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // Raw code bytes including end opcode
}

// LocalEntry represents a group of local variables with the same type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment is an active segment for memory 0.
type DataSegment struct {
	Offset []byte // constant expression including end opcode
	Init   []byte
}

// CustomSection holds a named custom section's data.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions.
// Defined function indices start after them.
func (m *Module) NumImportedFuncs() int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			count++
		}
	}
	return count
}

// AddType adds a function type, returning the index of an equal existing
// type when there is one.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, existing := range m.Types {
		if typesEqual(existing, ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// ImportFunc adds a function import and returns its function index.
// Function imports must be added before any function is defined.
func (m *Module) ImportFunc(module, name string, ft FuncType) uint32 {
	idx := m.AddType(ft)
	m.Imports = append(m.Imports, Import{
		Module: module,
		Name:   name,
		Desc:   ImportDesc{Kind: KindFunc, TypeIdx: idx},
	})
	return uint32(m.NumImportedFuncs() - 1)
}

// ImportMemory adds a memory import.
func (m *Module) ImportMemory(module, name string, limits Limits) {
	m.Imports = append(m.Imports, Import{
		Module: module,
		Name:   name,
		Desc:   ImportDesc{Kind: KindMemory, Memory: &MemoryType{Limits: limits}},
	})
}

// AddFunc defines a function and returns its function index.
func (m *Module) AddFunc(ft FuncType, locals []LocalEntry, code []byte) uint32 {
	m.Funcs = append(m.Funcs, m.AddType(ft))
	m.Code = append(m.Code, FuncBody{Locals: locals, Code: code})
	return uint32(m.NumImportedFuncs() + len(m.Funcs) - 1)
}

// ExportFunc exports the function at idx under name.
func (m *Module) ExportFunc(name string, idx uint32) {
	m.Exports = append(m.Exports, Export{Name: name, Kind: KindFunc, Idx: idx})
}

func typesEqual(a, b FuncType) bool {
	if len(a.Params) != len(b.Params) || len(a.Results) != len(b.Results) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	for i := range a.Results {
		if a.Results[i] != b.Results[i] {
			return false
		}
	}
	return true
}
