package coredump

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/wippyai/wasm-machine/errors"
	"github.com/wippyai/wasm-machine/wasm"
)

// Custom section names defined by the core dump format.
const (
	SectionCore          = "core"
	SectionCoreModules   = "coremodules"
	SectionCoreInstances = "coreinstances"
	SectionCoreStack     = "corestack"
)

// DefaultPath is where the machine writes dumps unless told otherwise.
const DefaultPath = "kernel.coredump"

// Dump describes a single trapped thread of a single-module process.
type Dump struct {
	Executable string // process name, usually the guest path
	Module     string // guest module name
	Thread     string // execution context name
	Frames     []Frame
	Memory     []byte
}

// Encode serializes the dump. The memory image is rounded up to whole pages
// and only pages holding non-zero bytes are stored.
func (d *Dump) Encode() []byte {
	m := &wasm.Module{
		HeadSections: []wasm.CustomSection{
			{Name: SectionCore, Data: d.core()},
			{Name: SectionCoreModules, Data: d.coreModules()},
			{Name: SectionCoreInstances, Data: coreInstances()},
			{Name: SectionCoreStack, Data: d.coreStack()},
		},
	}

	pages := (uint32(len(d.Memory)) + wasm.PageSize - 1) / wasm.PageSize
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: pages}}}
	m.Data = dataSegments(d.Memory)

	return m.Encode()
}

// WriteFile encodes the dump to path.
func (d *Dump) WriteFile(path string) error {
	if err := os.WriteFile(path, d.Encode(), 0o644); err != nil {
		return errors.IO(fmt.Sprintf("write core dump %s", path), err)
	}
	return nil
}

func (d *Dump) core() []byte {
	var b bytes.Buffer
	b.WriteByte(0x00)
	writeName(&b, d.Executable)
	return b.Bytes()
}

func (d *Dump) coreModules() []byte {
	var b bytes.Buffer
	b.Write(wasm.EncodeLEB128u(1))
	b.WriteByte(0x00)
	writeName(&b, d.Module)
	return b.Bytes()
}

// coreInstances describes instance 0 of module 0 owning memory 0.
func coreInstances() []byte {
	var b bytes.Buffer
	b.Write(wasm.EncodeLEB128u(1))
	b.WriteByte(0x00)
	b.Write(wasm.EncodeLEB128u(0)) // module
	b.Write(wasm.EncodeLEB128u(1)) // memories
	b.Write(wasm.EncodeLEB128u(0))
	b.Write(wasm.EncodeLEB128u(0)) // globals
	return b.Bytes()
}

func (d *Dump) coreStack() []byte {
	var b bytes.Buffer
	b.WriteByte(0x00)
	writeName(&b, d.Thread)
	b.Write(wasm.EncodeLEB128u(uint32(len(d.Frames))))
	for _, f := range d.Frames {
		b.WriteByte(0x00)
		b.Write(wasm.EncodeLEB128u(0)) // instance
		b.Write(wasm.EncodeLEB128u(f.FuncIndex))
		b.Write(wasm.EncodeLEB128u(f.CodeOffset))
		b.Write(wasm.EncodeLEB128u(0)) // locals
		b.Write(wasm.EncodeLEB128u(0)) // operand stack
	}
	return b.Bytes()
}

func writeName(b *bytes.Buffer, s string) {
	b.Write(wasm.EncodeLEB128u(uint32(len(s))))
	b.WriteString(s)
}

// dataSegments stores each run of pages that are not entirely zero.
func dataSegments(mem []byte) []wasm.DataSegment {
	var segs []wasm.DataSegment
	start := -1
	flush := func(end int) {
		if start >= 0 {
			segs = append(segs, wasm.DataSegment{
				Offset: wasm.ConstOffset(uint32(start)),
				Init:   mem[start:end],
			})
			start = -1
		}
	}

	for off := 0; off < len(mem); off += wasm.PageSize {
		end := min(off+wasm.PageSize, len(mem))
		if isZero(mem[off:end]) {
			flush(off)
		} else if start < 0 {
			start = off
		}
	}
	flush(len(mem))
	return segs
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Parse decodes a dump produced by Encode. Function names are not stored in
// the file, so parsed frames only carry indices and offsets.
func Parse(data []byte) (*Dump, error) {
	sections, err := wasm.ReadSections(data)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindEncoding, err, "read core dump")
	}

	d := &Dump{}
	p := parser{sections: sections}

	if r := p.custom(SectionCore); r != nil {
		p.tag(r)
		d.Executable = p.name(r)
	}
	if r := p.custom(SectionCoreModules); r != nil {
		if n := p.u32(r); n > 0 {
			p.tag(r)
			d.Module = p.name(r)
		}
	}
	if r := p.custom(SectionCoreStack); r != nil {
		p.tag(r)
		d.Thread = p.name(r)
		n := p.u32(r)
		for i := uint32(0); i < n && p.err == nil; i++ {
			p.tag(r)
			p.u32(r) // instance
			f := Frame{FuncIndex: p.u32(r), CodeOffset: p.u32(r)}
			if locals := p.u32(r); locals != 0 && p.err == nil {
				p.err = fmt.Errorf("frame %d: %d locals recorded, none expected", i, locals)
			}
			if stack := p.u32(r); stack != 0 && p.err == nil {
				p.err = fmt.Errorf("frame %d: %d stack values recorded, none expected", i, stack)
			}
			d.Frames = append(d.Frames, f)
		}
	}
	d.Memory = p.memory()

	if p.err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindEncoding, p.err, "decode core dump")
	}
	return d, nil
}

// parser keeps the first decoding error so reads can be chained.
type parser struct {
	sections []wasm.Section
	err      error
}

func (p *parser) custom(name string) *bytes.Reader {
	payload, ok := wasm.FindCustom(p.sections, name)
	if !ok {
		if p.err == nil {
			p.err = fmt.Errorf("missing %q section", name)
		}
		return nil
	}
	return bytes.NewReader(payload)
}

func (p *parser) tag(r *bytes.Reader) {
	if p.err != nil {
		return
	}
	b, err := r.ReadByte()
	if err != nil {
		p.err = err
		return
	}
	if b != 0x00 {
		p.err = fmt.Errorf("unsupported entry tag %#x", b)
	}
}

func (p *parser) u32(r io.ByteReader) uint32 {
	if p.err != nil {
		return 0
	}
	v, err := wasm.ReadLEB128u(r)
	p.err = err
	return v
}

func (p *parser) name(r io.ByteReader) string {
	if p.err != nil {
		return ""
	}
	s, err := wasm.ReadName(r)
	p.err = err
	return s
}

func (p *parser) memory() []byte {
	if p.err != nil {
		return nil
	}

	var mem []byte
	for _, s := range p.sections {
		switch s.ID {
		case wasm.SectionMemory:
			r := bytes.NewReader(s.Payload)
			if p.u32(r) != 1 {
				if p.err == nil {
					p.err = fmt.Errorf("expected exactly one memory")
				}
				return nil
			}
			flags, err := r.ReadByte()
			if err != nil {
				p.err = err
				return nil
			}
			pages := p.u32(r)
			if flags&wasm.LimitsHasMax != 0 {
				p.u32(r)
			}
			mem = make([]byte, uint64(pages)*wasm.PageSize)

		case wasm.SectionData:
			r := bytes.NewReader(s.Payload)
			n := p.u32(r)
			for i := uint32(0); i < n && p.err == nil; i++ {
				p.u32(r) // memory 0
				offset := p.constOffset(r)
				size := p.u32(r)
				if p.err != nil {
					return nil
				}
				if uint64(offset)+uint64(size) > uint64(len(mem)) {
					p.err = fmt.Errorf("data segment %d outside memory", i)
					return nil
				}
				if _, err := io.ReadFull(r, mem[offset:offset+size]); err != nil {
					p.err = err
					return nil
				}
			}
		}
	}
	return mem
}

func (p *parser) constOffset(r *bytes.Reader) uint32 {
	if p.err != nil {
		return 0
	}
	op, err := r.ReadByte()
	if err != nil || op != wasm.OpI32Const {
		p.err = fmt.Errorf("unsupported data segment offset")
		return 0
	}
	v, err := wasm.ReadLEB128s64(r)
	if err != nil {
		p.err = err
		return 0
	}
	if end, err := r.ReadByte(); err != nil || end != wasm.OpEnd {
		p.err = fmt.Errorf("unterminated data segment offset")
		return 0
	}
	return uint32(v)
}
