package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-machine/errors"
)

// WazeroInstance is one execution context's instance of the guest.
type WazeroInstance struct {
	module api.Module
}

// Call invokes an exported function. A missing export is an instantiation
// error; any failure during the call is classified, so guest traps come back
// as guest faults.
func (i *WazeroInstance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.Instantiation("", "resolve entry point", errors.MissingExport(errors.PhaseInstantiate, name))
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.Classify("", err)
	}
	return results, nil
}

// Close releases the instance. The shared memory is not affected.
func (i *WazeroInstance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}
