package devicetree

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/wippyai/wasm-machine/errors"
)

// SeedWords is the number of 64-bit words in chosen/rng-seed (512 bits).
const SeedWords = 8

// Range is a half-open [Start, End) span of guest memory. In JSON it is the
// two element array [start, end].
type Range struct {
	Start uint32
	End   uint32
}

func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint32{r.Start, r.End})
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []uint32
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must be [start, end], got %d values", len(pair))
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// Sections maps data-section names to their memory ranges. Names become
// property names of the data-sections node verbatim.
type Sections map[string]Range

// Names returns the section names in sorted order.
func (s Sections) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hardware describes the machine presented to the guest.
type Hardware struct {
	// Seed supplies the random rng-seed bytes. Defaults to crypto/rand.
	Seed        io.Reader
	Sections    Sections
	Cmdline     string
	MemoryBytes uint32
	CPUs        uint32
}

// Build encodes the machine description with a fresh random seed.
func Build(cmdline string, sections Sections, memoryBytes, cpus uint32) ([]byte, error) {
	return Hardware{
		Cmdline:     cmdline,
		Sections:    sections,
		MemoryBytes: memoryBytes,
		CPUs:        cpus,
	}.Build()
}

// Build encodes the description as a flattened device tree:
//
//	/ { #address-cells; #size-cells; ncpus;
//	    chosen { rng-seed; bootargs; };
//	    aliases { };
//	    memory { device_type; reg = <0 size>; };
//	    data-sections { <name> = <start end>; ... }; }
func (h Hardware) Build() ([]byte, error) {
	seedSrc := h.Seed
	if seedSrc == nil {
		seedSrc = rand.Reader
	}
	var raw [SeedWords * 8]byte
	if _, err := io.ReadFull(seedSrc, raw[:]); err != nil {
		return nil, errors.New(errors.PhaseEncode, errors.KindIO).
			Path("chosen", "rng-seed").
			Detail("read random seed").
			Cause(err).
			Build()
	}
	seed := make([]uint64, SeedWords)
	for i := range seed {
		seed[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}

	fdt := NewWriter()
	root, err := fdt.BeginNode("")
	if err != nil {
		return nil, err
	}
	if err := fdt.PropertyU32("#address-cells", 1); err != nil {
		return nil, err
	}
	if err := fdt.PropertyU32("#size-cells", 1); err != nil {
		return nil, err
	}
	if err := fdt.PropertyU32("ncpus", h.CPUs); err != nil {
		return nil, err
	}

	chosen, err := fdt.BeginNode("chosen")
	if err != nil {
		return nil, err
	}
	if err := fdt.PropertyArrayU64("rng-seed", seed); err != nil {
		return nil, err
	}
	if err := fdt.PropertyString("bootargs", h.Cmdline); err != nil {
		return nil, err
	}
	if err := fdt.EndNode(chosen); err != nil {
		return nil, err
	}

	aliases, err := fdt.BeginNode("aliases")
	if err != nil {
		return nil, err
	}
	if err := fdt.EndNode(aliases); err != nil {
		return nil, err
	}

	memory, err := fdt.BeginNode("memory")
	if err != nil {
		return nil, err
	}
	if err := fdt.PropertyString("device_type", "memory"); err != nil {
		return nil, err
	}
	if err := fdt.PropertyArrayU32("reg", []uint32{0, h.MemoryBytes}); err != nil {
		return nil, err
	}
	if err := fdt.EndNode(memory); err != nil {
		return nil, err
	}

	dataSections, err := fdt.BeginNode("data-sections")
	if err != nil {
		return nil, err
	}
	for _, name := range h.Sections.Names() {
		r := h.Sections[name]
		if err := fdt.PropertyArrayU32(name, []uint32{r.Start, r.End}); err != nil {
			return nil, err
		}
	}
	if err := fdt.EndNode(dataSections); err != nil {
		return nil, err
	}

	if err := fdt.EndNode(root); err != nil {
		return nil, err
	}
	return fdt.Finish()
}
