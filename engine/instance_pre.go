package engine

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-machine/errors"
)

// InstancePre is a linked guest ready for instantiation.
// It is created once with WazeroModule.Link, then Instantiate is called once
// per execution context.
//
// It is thread-safe: Instantiate can be called concurrently from multiple goroutines.
// Each call creates an independent instance sharing the host modules and memory.
type InstancePre struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	count    atomic.Uint64
}

// Instantiate creates a new anonymous instance. Start functions are not run;
// execution begins with an explicit Call.
func (p *InstancePre) Instantiate(ctx context.Context) (*WazeroInstance, error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, errors.Instantiation("", "instantiate guest", err)
	}

	n := p.count.Add(1)
	Logger().Debug("instantiated guest", zap.Uint64("instance", n))

	return &WazeroInstance{module: mod}, nil
}

// Instances returns how many instances have been created.
func (p *InstancePre) Instances() uint64 {
	return p.count.Load()
}
