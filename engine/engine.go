package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-machine/errors"
)

// Features enabled for every guest: WebAssembly 2.0 plus threads for the
// shared linear memory and atomics.
const Features = api.CoreFeaturesV2 | experimental.CoreFeaturesThreads

// Config holds configuration for engine creation
type Config struct {
	// Listener observes guest function calls. Only used in debug mode.
	Listener experimental.FunctionListenerFactory

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// Debug disables optimization and keeps debug info for richer traps.
	Debug bool

	// CloseOnContextDone stops running guest code, loops included, once the
	// context passed to Call is done.
	CloseOnContextDone bool
}

// WazeroEngine owns the wazero runtime shared by every execution context.
type WazeroEngine struct {
	runtime wazero.Runtime
	cfg     Config
}

// NewWazeroEngine creates an engine with the default configuration
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}

	var runtimeCfg wazero.RuntimeConfig
	if c.Debug {
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		runtimeCfg = wazero.NewRuntimeConfig()
	}
	runtimeCfg = runtimeCfg.
		WithCoreFeatures(Features).
		WithDebugInfoEnabled(c.Debug).
		WithCloseOnContextDone(c.CloseOnContextDone)
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}

	Logger().Debug("creating engine",
		zap.Bool("debug", c.Debug),
		zap.Bool("close_on_context_done", c.CloseOnContextDone),
		zap.Uint32("memory_limit_pages", c.MemoryLimitPages),
	)

	return &WazeroEngine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cfg:     c,
	}, nil
}

// Runtime returns the underlying wazero runtime. Host modules are
// instantiated into it before the guest is linked.
func (e *WazeroEngine) Runtime() wazero.Runtime {
	return e.runtime
}

// Debug reports whether the engine runs in debug mode.
func (e *WazeroEngine) Debug() bool {
	return e.cfg.Debug
}

// LoadModule compiles the guest.
func (e *WazeroEngine) LoadModule(ctx context.Context, wasmBytes []byte) (*WazeroModule, error) {
	if e.cfg.Debug && e.cfg.Listener != nil {
		ctx = experimental.WithFunctionListenerFactory(ctx, e.cfg.Listener)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Configuration("compile guest module", err)
	}

	Logger().Debug("compiled guest",
		zap.Int("bytes", len(wasmBytes)),
		zap.Int("imported_functions", len(compiled.ImportedFunctions())),
		zap.Int("exported_functions", len(compiled.ExportedFunctions())),
	)

	return &WazeroModule{
		engine:   e,
		compiled: compiled,
	}, nil
}

// LoadFile reads and compiles the guest at path.
func (e *WazeroEngine) LoadFile(ctx context.Context, path string) (*WazeroModule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Configuration(fmt.Sprintf("read guest module %s", path), err)
	}
	return e.LoadModule(ctx, data)
}

// Close releases the runtime and every module in it.
func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}
