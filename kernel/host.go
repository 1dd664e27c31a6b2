package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	wasmmachine "github.com/wippyai/wasm-machine"
	"github.com/wippyai/wasm-machine/errors"
)

// Namespace is the import module name of every host call.
const Namespace = "kernel"

// StacktraceMessage is what get_stacktrace hands to the guest.
const StacktraceMessage = "stack traces are unsupported"

// Functions lists the host calls in registration order.
var Functions = []string{
	"breakpoint",
	"halt",
	"restart",
	"boot_console_write",
	"boot_console_close",
	"set_irq_enabled",
	"get_irq_enabled",
	"return_address",
	"get_dt",
	"get_now_nsec",
	"get_stacktrace",
	"new_worker",
	"bringup_secondary",
}

// Host is the state shared by every execution context. Fields must not be
// changed after Instantiate.
type Host struct {
	Memory     wasmmachine.Memory
	TimeOrigin time.Time

	// Console receives boot console output. Defaults to os.Stdout.
	Console io.Writer
	Logger  *zap.Logger

	// Exit terminates the process. Defaults to os.Exit. If it returns, the
	// calling context is stopped with a wazero exit error. Callers that keep
	// the process alive are expected to cancel every context's
	// context.Context, after which host calls stop the caller instead of
	// running.
	Exit func(code int)

	// Breakpoint defaults to RaiseBreakpoint.
	Breakpoint func()
	DeviceTree []byte
}

func (h *Host) defaults() {
	if h.Console == nil {
		h.Console = os.Stdout
	}
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Exit == nil {
		h.Exit = os.Exit
	}
	if h.Breakpoint == nil {
		h.Breakpoint = RaiseBreakpoint
	}
	if h.TimeOrigin.IsZero() {
		h.TimeOrigin = time.Now()
	}
}

// Instantiate registers the host calls as the "kernel" module of r.
func (h *Host) Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	if h.Memory == nil {
		return nil, errors.Configuration("kernel host requires a memory", nil)
	}
	h.defaults()

	mod, err := r.NewHostModuleBuilder(Namespace).
		NewFunctionBuilder().WithFunc(h.breakpoint).Export("breakpoint").
		NewFunctionBuilder().WithFunc(h.halt).Export("halt").
		NewFunctionBuilder().WithFunc(h.restart).Export("restart").
		NewFunctionBuilder().WithFunc(h.consoleWrite).WithParameterNames("msg", "len").Export("boot_console_write").
		NewFunctionBuilder().WithFunc(h.consoleClose).Export("boot_console_close").
		NewFunctionBuilder().WithFunc(h.setIRQEnabled).WithParameterNames("flag").Export("set_irq_enabled").
		NewFunctionBuilder().WithFunc(h.getIRQEnabled).Export("get_irq_enabled").
		NewFunctionBuilder().WithFunc(h.returnAddress).WithParameterNames("level").Export("return_address").
		NewFunctionBuilder().WithFunc(h.getDT).WithParameterNames("buf", "len").Export("get_dt").
		NewFunctionBuilder().WithFunc(h.getNowNsec).Export("get_now_nsec").
		NewFunctionBuilder().WithFunc(h.getStacktrace).WithParameterNames("buf", "len").Export("get_stacktrace").
		NewFunctionBuilder().WithFunc(h.newWorker).WithParameterNames("task", "comm", "comm_len").Export("new_worker").
		NewFunctionBuilder().WithFunc(h.bringupSecondary).WithParameterNames("cpu", "idle").Export("bringup_secondary").
		Instantiate(ctx)
	if err != nil {
		return nil, errors.Instantiation("", "register kernel host module", err)
	}

	h.Logger.Debug("kernel host registered",
		zap.Int("functions", len(Functions)),
		zap.Int("devicetree_bytes", len(h.DeviceTree)),
		zap.Uint32("memory_bytes", h.Memory.Size()),
	)
	return mod, nil
}

func contextName(ctx context.Context) string {
	if c, ok := ContextFrom(ctx); ok {
		return c.Name()
	}
	return ""
}

// live ends the calling context once ctx is done.
func live(ctx context.Context) {
	if ctx.Err() != nil {
		panic(sys.NewExitError(sys.ExitCodeContextCanceled))
	}
}

// fail aborts the calling guest with err attributed to the calling context.
func (h *Host) fail(ctx context.Context, err error) {
	panic(errors.Classify(contextName(ctx), err))
}

func (h *Host) breakpoint(ctx context.Context) {
	h.Logger.Debug("breakpoint", zap.String("context", contextName(ctx)))
	h.Breakpoint()
}

func (h *Host) halt(ctx context.Context) {
	h.terminate(ctx, "halt")
}

// restart is not implemented as a restart; it ends the process like halt.
func (h *Host) restart(ctx context.Context) {
	h.terminate(ctx, "restart")
}

func (h *Host) terminate(ctx context.Context, what string) {
	live(ctx)
	h.writeConsole(ctx, []byte(what+"\n"))
	h.Logger.Info(what, zap.String("context", contextName(ctx)))
	h.Exit(1)
	panic(sys.NewExitError(1))
}

func (h *Host) consoleWrite(ctx context.Context, msg, length uint32) {
	live(ctx)
	data, err := h.Memory.Read(msg, length)
	if err != nil {
		h.fail(ctx, err)
	}
	h.writeConsole(ctx, data)
}

// writeConsole passes data straight to the console. Writes from different
// contexts are not serialized and may interleave.
func (h *Host) writeConsole(ctx context.Context, data []byte) {
	live(ctx)
	if _, err := h.Console.Write(data); err != nil {
		h.fail(ctx, errors.IO("write boot console", err))
	}
}

func (h *Host) consoleClose(ctx context.Context) {
	h.writeConsole(ctx, []byte("console closed\n"))
	h.Logger.Debug("console closed", zap.String("context", contextName(ctx)))
}

func (h *Host) setIRQEnabled(ctx context.Context, flag uint32) {
	if c, ok := ContextFrom(ctx); ok {
		c.SetIRQEnabled(flag != 0)
	}
}

func (h *Host) getIRQEnabled(ctx context.Context) uint32 {
	if c, ok := ContextFrom(ctx); ok && c.IRQEnabled() {
		return 1
	}
	return 0
}

// returnAddress always reports that unwinding is unsupported.
func (h *Host) returnAddress(_ context.Context, _ int32) int32 {
	return -1
}

func (h *Host) getDT(ctx context.Context, buf, length uint32) {
	h.copyOut(ctx, buf, length, h.DeviceTree)
}

func (h *Host) getNowNsec(context.Context) uint64 {
	return uint64(time.Since(h.TimeOrigin).Nanoseconds())
}

func (h *Host) getStacktrace(ctx context.Context, buf, length uint32) {
	h.copyOut(ctx, buf, length, []byte(StacktraceMessage))
}

// copyOut writes at most length bytes of data to guest memory at buf. The
// whole (buf, length) range must be inside memory even when data is shorter.
func (h *Host) copyOut(ctx context.Context, buf, length uint32, data []byte) {
	live(ctx)
	if size := h.Memory.Size(); uint64(buf)+uint64(length) > uint64(size) {
		h.fail(ctx, errors.MemoryRange(buf, length, size))
	}
	if uint32(len(data)) < length {
		length = uint32(len(data))
	}
	if length == 0 {
		return
	}
	if err := h.Memory.Write(buf, data[:length]); err != nil {
		h.fail(ctx, err)
	}
}

func (h *Host) spawner(ctx context.Context, entry string) (*Context, Spawner) {
	c, ok := ContextFrom(ctx)
	if !ok || c.spawner == nil {
		h.fail(ctx, errors.Instantiation(contextName(ctx), fmt.Sprintf("spawn %s before the instantiation template exists", entry), nil))
	}
	return c, c.spawner
}

func (h *Host) newWorker(ctx context.Context, task, comm, commLen uint32) {
	live(ctx)
	raw, err := h.Memory.Read(comm, commLen)
	if err != nil {
		h.fail(ctx, err)
	}
	name := strings.ToValidUTF8(string(raw), "\uFFFD")

	parent, spawner := h.spawner(ctx, "task")
	if err := spawner.SpawnWorker(parent, task, name); err != nil {
		h.fail(ctx, err)
	}
}

func (h *Host) bringupSecondary(ctx context.Context, cpu, idle uint32) {
	live(ctx)
	parent, spawner := h.spawner(ctx, "secondary")
	if err := spawner.BringupSecondary(parent, cpu, idle); err != nil {
		h.fail(ctx, err)
	}
}
