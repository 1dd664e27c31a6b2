package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-machine/errors"
)

// BootExport is the entry point every guest must export.
const BootExport = "boot"

// WazeroModule is the compiled guest
type WazeroModule struct {
	engine   *WazeroEngine
	compiled wazero.CompiledModule
}

// ExportNames returns the sorted names of exported functions.
func (m *WazeroModule) ExportNames() []string {
	exports := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Link checks that every guest import is provided by a module already
// instantiated in the runtime, with a matching signature or memory limits,
// and that the guest exports a boot function taking no arguments.
func (m *WazeroModule) Link(ctx context.Context) (*InstancePre, error) {
	r := m.engine.runtime
	missing := &errors.MissingImportsError{}

	for _, def := range m.compiled.ImportedFunctions() {
		modName, name, _ := def.Import()
		host := r.Module(modName)
		if host == nil {
			missing.Add(modName, name, "module not provided")
			continue
		}
		provided, ok := host.ExportedFunctionDefinitions()[name]
		if !ok {
			missing.Add(modName, name, "function not provided")
			continue
		}
		if !sameSignature(def, provided) {
			missing.Add(modName, name, fmt.Sprintf("signature mismatch: guest %s, host %s", signature(def), signature(provided)))
		}
	}

	for _, def := range m.compiled.ImportedMemories() {
		modName, name, _ := def.Import()
		host := r.Module(modName)
		if host == nil {
			missing.Add(modName, name, "module not provided")
			continue
		}
		provided, ok := host.ExportedMemoryDefinitions()[name]
		if !ok {
			missing.Add(modName, name, "memory not provided")
			continue
		}
		if reason := limitsMismatch(def, provided); reason != "" {
			missing.Add(modName, name, reason)
		}
	}

	if len(missing.Imports) > 0 {
		Logger().Debug("guest imports unresolved", zap.Int("count", len(missing.Imports)))
		return nil, errors.Configuration("link guest module", missing)
	}

	boot, ok := m.compiled.ExportedFunctions()[BootExport]
	if !ok {
		return nil, errors.Configuration("link guest module", errors.MissingExport(errors.PhaseConfig, BootExport))
	}
	if len(boot.ParamTypes()) != 0 {
		return nil, errors.Configuration(fmt.Sprintf("%s must take no arguments, has signature %s", BootExport, signature(boot)), nil)
	}

	Logger().Debug("linked guest",
		zap.Int("imports", len(m.compiled.ImportedFunctions())+len(m.compiled.ImportedMemories())),
		zap.Strings("exports", m.ExportNames()),
	)

	return &InstancePre{
		runtime:  r,
		compiled: m.compiled,
	}, nil
}

func sameSignature(a, b api.FunctionDefinition) bool {
	return slices.Equal(a.ParamTypes(), b.ParamTypes()) && slices.Equal(a.ResultTypes(), b.ResultTypes())
}

func signature(def api.FunctionDefinition) string {
	return fmt.Sprintf("%s -> %s", valueTypes(def.ParamTypes()), valueTypes(def.ResultTypes()))
}

func valueTypes(types []api.ValueType) string {
	s := "("
	for i, t := range types {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	return s + ")"
}

// limitsMismatch follows the import matching rule for memories: the
// provided memory must be at least the declared minimum and, when the guest
// declares a maximum, no larger than it.
func limitsMismatch(want, have api.MemoryDefinition) string {
	if have.Min() < want.Min() {
		return fmt.Sprintf("memory has %d pages, guest needs at least %d", have.Min(), want.Min())
	}
	wantMax, wantBounded := want.Max()
	if !wantBounded {
		return ""
	}
	haveMax, haveBounded := have.Max()
	if !haveBounded || haveMax > wantMax {
		return fmt.Sprintf("memory may grow past guest maximum of %d pages", wantMax)
	}
	return ""
}
