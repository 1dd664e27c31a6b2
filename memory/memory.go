// Package memory provides the one shared linear memory every guest
// execution context imports as env.memory.
package memory

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wasmmachine "github.com/wippyai/wasm-machine"
	"github.com/wippyai/wasm-machine/errors"
	"github.com/wippyai/wasm-machine/wasm"
)

// Import location of the shared memory in every guest.
const (
	ModuleName = "env"
	ExportName = "memory"
)

// MaxPages is the largest memory whose byte size still fits in a uint32.
const MaxPages = 65535

var (
	_ wasmmachine.Memory      = (*Shared)(nil)
	_ wasmmachine.Snapshotter = (*Shared)(nil)
)

// Shared is a fixed-size shared linear memory. Accesses are bounds checked
// but not synchronized; concurrent guests and host calls may interleave.
type Shared struct {
	mem   api.Memory
	mod   api.Module
	pages uint32
}

// Module returns the encoded module that defines and exports the memory.
// Limits are fixed (min = max) and the memory is shared.
func Module(pages uint32) []byte {
	m := &wasm.Module{
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: pages, Max: &pages, Shared: true}}},
		Exports:  []wasm.Export{{Name: ExportName, Kind: wasm.KindMemory, Idx: 0}},
	}
	return m.Encode()
}

// New instantiates the memory module in r under the name "env". The
// runtime must have the threads feature enabled.
func New(ctx context.Context, r wazero.Runtime, pages uint32) (*Shared, error) {
	if pages == 0 || pages > MaxPages {
		return nil, errors.Configuration(fmt.Sprintf("memory of %d pages outside 1..%d", pages, MaxPages), nil)
	}

	mod, err := r.InstantiateWithConfig(ctx, Module(pages), wazero.NewModuleConfig().WithName(ModuleName))
	if err != nil {
		return nil, errors.Instantiation("", "create shared memory", err)
	}

	mem := mod.ExportedMemory(ExportName)
	if mem == nil {
		_ = mod.Close(ctx)
		return nil, errors.Instantiation("", "shared memory module has no memory export", nil)
	}

	return &Shared{mem: mem, mod: mod, pages: pages}, nil
}

// Pages returns the size in 64 KiB pages.
func (s *Shared) Pages() uint32 {
	return s.pages
}

// Size returns the size in bytes.
func (s *Shared) Size() uint32 {
	return s.mem.Size()
}

// Read returns a copy of length bytes at offset.
func (s *Shared) Read(offset, length uint32) ([]byte, error) {
	view, ok := s.mem.Read(offset, length)
	if !ok {
		return nil, errors.MemoryRange(offset, length, s.Size())
	}
	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

// Write stores data at offset. Nothing is written when any part of the
// range is outside the memory.
func (s *Shared) Write(offset uint32, data []byte) error {
	if !s.mem.Write(offset, data) {
		return errors.MemoryRange(offset, uint32(len(data)), s.Size())
	}
	return nil
}

// Snapshot copies the whole memory.
func (s *Shared) Snapshot() []byte {
	view, _ := s.mem.Read(0, s.Size())
	out := make([]byte, len(view))
	copy(out, view)
	return out
}

// Close releases the memory module.
func (s *Shared) Close(ctx context.Context) error {
	return s.mod.Close(ctx)
}
