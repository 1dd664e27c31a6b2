package wasm_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/wasm-machine/wasm"
)

func TestEncodeEmptyModule(t *testing.T) {
	m := &wasm.Module{}
	data := m.Encode()

	if len(data) != 8 {
		t.Errorf("expected 8 bytes for empty module, got %d", len(data))
	}
	if !bytes.Equal(data[:4], []byte{0x00, 0x61, 0x73, 0x6D}) {
		t.Error("invalid magic number")
	}
	if !bytes.Equal(data[4:8], []byte{0x01, 0x00, 0x00, 0x00}) {
		t.Error("invalid version")
	}
}

func TestAddTypeDeduplicates(t *testing.T) {
	m := &wasm.Module{}
	a := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	b := m.AddType(wasm.FuncType{})
	c := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})

	if a != c {
		t.Errorf("equal types got indices %d and %d", a, c)
	}
	if a == b {
		t.Error("different types share an index")
	}
	if len(m.Types) != 2 {
		t.Errorf("expected 2 types, got %d", len(m.Types))
	}
}

func TestFunctionIndices(t *testing.T) {
	m := &wasm.Module{}
	i0 := m.ImportFunc("kernel", "halt", wasm.FuncType{})
	m.ImportMemory("env", "memory", wasm.Limits{Min: 1})
	i1 := m.ImportFunc("kernel", "breakpoint", wasm.FuncType{})
	f := m.AddFunc(wasm.FuncType{}, nil, wasm.NewExpr().End().Bytes())

	if i0 != 0 || i1 != 1 {
		t.Errorf("import indices = %d, %d; want 0, 1", i0, i1)
	}
	if f != 2 {
		t.Errorf("defined function index = %d, want 2", f)
	}
}

func TestEncodeLimits(t *testing.T) {
	max := uint32(4)
	tests := []struct {
		name   string
		limits wasm.Limits
		want   []byte
	}{
		{"min only", wasm.Limits{Min: 1}, []byte{0x00, 0x01}},
		{"min max", wasm.Limits{Min: 2, Max: &max}, []byte{0x01, 0x02, 0x04}},
		{"shared", wasm.Limits{Min: 4, Max: &max, Shared: true}, []byte{0x03, 0x04, 0x04}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &wasm.Module{Memories: []wasm.MemoryType{{Limits: tt.limits}}}
			sections, err := wasm.ReadSections(m.Encode())
			if err != nil {
				t.Fatalf("ReadSections: %v", err)
			}
			if len(sections) != 1 || sections[0].ID != wasm.SectionMemory {
				t.Fatalf("unexpected sections %+v", sections)
			}
			// count byte followed by limits
			got := sections[0].Payload[1:]
			if !bytes.Equal(got, tt.want) {
				t.Errorf("limits = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestCustomSectionPlacement(t *testing.T) {
	m := &wasm.Module{
		HeadSections:   []wasm.CustomSection{{Name: "core", Data: []byte{0}}},
		Memories:       []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		CustomSections: []wasm.CustomSection{{Name: "name", Data: []byte{1, 2}}},
	}

	sections, err := wasm.ReadSections(m.Encode())
	if err != nil {
		t.Fatalf("ReadSections: %v", err)
	}
	if len(sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(sections))
	}
	if sections[0].Name != "core" || sections[2].Name != "name" {
		t.Errorf("custom sections out of place: %q, %q", sections[0].Name, sections[2].Name)
	}
	payload, ok := wasm.FindCustom(sections, "name")
	if !ok || !bytes.Equal(payload, []byte{1, 2}) {
		t.Errorf("FindCustom = %x, %v", payload, ok)
	}
	if _, ok := wasm.FindCustom(sections, "missing"); ok {
		t.Error("FindCustom found a missing section")
	}
}

func TestReadSectionsErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x6E, 0x01, 0x00, 0x00, 0x00}},
		{"truncated section", []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, 0x05, 0x10, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := wasm.ReadSections(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// The encoder output must be accepted by the engine the machine runs on.
func TestEncodedModuleRuns(t *testing.T) {
	ctx := context.Background()

	m := &wasm.Module{}
	pages := uint32(1)
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: pages, Max: &pages, Shared: true}}}
	m.Data = []wasm.DataSegment{{Offset: wasm.ConstOffset(16), Init: []byte{42, 0, 0, 0}}}

	i32 := []wasm.ValType{wasm.ValI32}
	load := m.AddFunc(wasm.FuncType{Params: i32, Results: i32}, nil,
		wasm.NewExpr().LocalGet(0).I32Load(0).End().Bytes())
	m.ExportFunc("load", load)

	// sum 1..n with a loop
	sum := m.AddFunc(wasm.FuncType{Params: i32, Results: i32},
		[]wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}},
		wasm.NewExpr().
			Block().Loop().
			LocalGet(0).I32Eqz().BrIf(1).
			LocalGet(1).LocalGet(0).I32Add().LocalSet(1).
			LocalGet(0).I32Const(-1).I32Add().LocalSet(0).
			Br(0).
			End().End().
			LocalGet(1).
			End().Bytes())
	m.ExportFunc("sum", sum)

	wide := m.AddFunc(wasm.FuncType{Results: []wasm.ValType{wasm.ValI64}}, nil,
		wasm.NewExpr().I64Const(1<<40).Return().End().Bytes())
	m.ExportFunc("wide", wide)

	trap := m.AddFunc(wasm.FuncType{}, nil, wasm.NewExpr().Nop().Unreachable().End().Bytes())
	m.ExportFunc("trap", trap)

	cfg := wazero.NewRuntimeConfigInterpreter().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer r.Close(ctx)

	mod, err := r.Instantiate(ctx, m.Encode())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	res, err := mod.ExportedFunction("load").Call(ctx, 16)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res[0] != 42 {
		t.Errorf("load(16) = %d, want 42", res[0])
	}

	res, err = mod.ExportedFunction("sum").Call(ctx, 10)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if res[0] != 55 {
		t.Errorf("sum(10) = %d, want 55", res[0])
	}

	res, err = mod.ExportedFunction("wide").Call(ctx)
	if err != nil {
		t.Fatalf("wide: %v", err)
	}
	if res[0] != 1<<40 {
		t.Errorf("wide() = %d, want %d", res[0], uint64(1<<40))
	}

	if _, err := mod.ExportedFunction("trap").Call(ctx); err == nil {
		t.Error("expected trap")
	}
}
