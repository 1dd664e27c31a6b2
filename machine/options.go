package machine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-machine/coredump"
	"github.com/wippyai/wasm-machine/devicetree"
	"github.com/wippyai/wasm-machine/errors"
	"github.com/wippyai/wasm-machine/wasm"
)

// Defaults applied to zero Options fields.
const (
	DefaultCmdline   = "no_hash_pointers"
	DefaultMemoryMiB = 128
)

// MaxMemoryMiB keeps the shared memory below 4 GiB, the largest size a
// 32-bit guest can address with a byte count that fits in 32 bits.
const MaxMemoryMiB = 4095

const pagesPerMiB = 16

// Options configures a machine.
type Options struct {
	// Guest kernel, either a path or the module bytes. Bytes win when both
	// are set.
	ModulePath  string
	ModuleBytes []byte

	// Sections are the guest's data sections, published in the hardware
	// description.
	Sections devicetree.Sections

	// Cmdline is the kernel command line. Defaults to DefaultCmdline.
	Cmdline string

	// MemoryMiB is the shared memory size, 1 to MaxMemoryMiB. Defaults to
	// DefaultMemoryMiB.
	MemoryMiB uint32

	// CPUs is the processor count reported to the guest. Defaults to
	// runtime.NumCPU().
	CPUs uint32

	// Debug runs the guest unoptimized with debug info and writes a core dump
	// when a context traps.
	Debug bool

	// CoreDumpPath defaults to coredump.DefaultPath.
	CoreDumpPath string

	// Wait makes Boot wait for every spawned context after boot returns.
	Wait bool

	// Console receives boot console output. Defaults to os.Stdout.
	Console io.Writer

	Logger *zap.Logger

	// Exit is called with 1 on a fatal fault, halt or restart, after every
	// context has been told to stop. Defaults to os.Exit.
	Exit func(code int)

	// Observer is subscribed to context state transitions before boot.
	Observer Observer

	// Seed supplies the rng-seed bytes of the hardware description.
	// Defaults to crypto/rand.
	Seed io.Reader
}

func (o *Options) applyDefaults() {
	if o.Cmdline == "" {
		o.Cmdline = DefaultCmdline
	}
	if o.MemoryMiB == 0 {
		o.MemoryMiB = DefaultMemoryMiB
	}
	if o.CPUs == 0 {
		o.CPUs = uint32(runtime.NumCPU())
	}
	if o.CoreDumpPath == "" {
		o.CoreDumpPath = coredump.DefaultPath
	}
	if o.Console == nil {
		o.Console = os.Stdout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Exit == nil {
		o.Exit = os.Exit
	}
}

func (o *Options) validate() error {
	if o.ModulePath == "" && len(o.ModuleBytes) == 0 {
		return errors.Configuration("no guest module given", nil)
	}
	return o.validateMemory()
}

func (o *Options) validateMemory() error {
	if o.MemoryMiB > MaxMemoryMiB {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("memory").
			Value(o.MemoryMiB).
			Detail("memory must be between 1 and %d MiB, got %d", MaxMemoryMiB, o.MemoryMiB).
			Build()
	}
	return nil
}

// Pages returns the shared memory size in wasm pages.
func (o Options) Pages() uint32 {
	if o.MemoryMiB == 0 {
		return DefaultMemoryMiB * pagesPerMiB
	}
	return o.MemoryMiB * pagesPerMiB
}

// Hardware encodes the hardware description the guest will see, after
// applying defaults.
func (o Options) Hardware() ([]byte, error) {
	o.applyDefaults()
	if err := o.validateMemory(); err != nil {
		return nil, err
	}
	return devicetree.Hardware{
		Seed:        o.Seed,
		Sections:    o.Sections,
		Cmdline:     o.Cmdline,
		MemoryBytes: o.Pages() * wasm.PageSize,
		CPUs:        o.CPUs,
	}.Build()
}

// LoadSections reads a sections file: a JSON object mapping section names
// to [start, end] pairs.
func LoadSections(path string) (devicetree.Sections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Configuration(fmt.Sprintf("read sections file %s", path), err)
	}
	return ParseSections(data)
}

// ParseSections decodes the sections file format.
func ParseSections(data []byte) (devicetree.Sections, error) {
	var sections devicetree.Sections
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, errors.Configuration("parse sections file", err)
	}
	if sections == nil {
		return nil, errors.Configuration("sections file must be a JSON object", nil)
	}
	return sections, nil
}
