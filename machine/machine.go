package machine

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-machine/coredump"
	"github.com/wippyai/wasm-machine/engine"
	"github.com/wippyai/wasm-machine/errors"
	"github.com/wippyai/wasm-machine/kernel"
	"github.com/wippyai/wasm-machine/memory"
)

// Entry points exported by the guest.
const (
	BootEntry      = engine.BootExport
	TaskEntry      = "task"
	SecondaryEntry = "secondary"
)

// Machine is a booted guest: the engine, the shared memory, the kernel host
// and the template every execution context is instantiated from.
type Machine struct {
	ctx      context.Context // done once the machine stops
	cancel   context.CancelFunc
	opts     Options
	logger   *zap.Logger
	engine   *engine.WazeroEngine
	memory   *memory.Shared
	host     *kernel.Host
	template *engine.InstancePre
	registry *Registry
	handles  sync.Map // *kernel.Context -> Handle

	wg      sync.WaitGroup
	errMu   sync.Mutex
	err     error
	dumpMu  sync.Mutex
	dumped  bool
	started time.Time
}

// New prepares a machine without running the guest. The steps run in a fixed
// order: load the guest, create the shared memory, build the hardware
// description, register the kernel host and link the guest. Contexts can
// only be spawned once New returns.
func New(ctx context.Context, opts Options) (*Machine, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &Machine{
		ctx:      mctx,
		cancel:   cancel,
		opts:     opts,
		logger:   opts.Logger,
		registry: NewRegistry(),
		started:  time.Now(),
	}
	if opts.Observer != nil {
		m.registry.Subscribe(opts.Observer)
	}

	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{
		Debug:              opts.Debug,
		Listener:           coredump.Listener(),
		CloseOnContextDone: true,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.engine = eng

	if err := m.setup(ctx); err != nil {
		cancel()
		_ = eng.Close(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Machine) setup(ctx context.Context) error {
	var (
		mod *engine.WazeroModule
		err error
	)
	if len(m.opts.ModuleBytes) > 0 {
		mod, err = m.engine.LoadModule(ctx, m.opts.ModuleBytes)
	} else {
		mod, err = m.engine.LoadFile(ctx, m.opts.ModulePath)
	}
	if err != nil {
		return err
	}

	m.memory, err = memory.New(ctx, m.engine.Runtime(), m.opts.Pages())
	if err != nil {
		return err
	}

	dt, err := m.opts.Hardware()
	if err != nil {
		return err
	}

	m.host = &kernel.Host{
		Memory:     m.memory,
		DeviceTree: dt,
		TimeOrigin: m.started,
		Console:    m.opts.Console,
		Logger:     m.logger,
		Exit:       m.exit,
	}
	if _, err := m.host.Instantiate(ctx, m.engine.Runtime()); err != nil {
		return err
	}

	m.template, err = mod.Link(ctx)
	if err != nil {
		return err
	}

	m.logger.Info("machine ready",
		zap.String("module", m.moduleName()),
		zap.Uint32("memory_mib", m.opts.MemoryMiB),
		zap.Uint32("cpus", m.opts.CPUs),
		zap.Int("devicetree_bytes", len(dt)),
		zap.Bool("debug", m.opts.Debug),
	)
	return nil
}

// Registry returns the machine's context registry.
func (m *Machine) Registry() *Registry {
	return m.registry
}

// Memory returns the shared memory.
func (m *Machine) Memory() *memory.Shared {
	return m.memory
}

// DeviceTree returns the hardware description handed to the guest.
func (m *Machine) DeviceTree() []byte {
	return m.host.DeviceTree
}

// Run calls boot() in a context named "boot" on the calling goroutine. It
// returns when boot returns, after every spawned context has finished too
// if Options.Wait is set. The error is the first failure of any context.
// Cancelling ctx stops the whole machine.
func (m *Machine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.cancel)
	defer stop()

	h := m.registry.Insert(BootEntry, BootEntry+"()", 0)
	kctx := kernel.NewContext(BootEntry, m, false)
	m.handles.Store(kctx, h)
	m.run(m.ctx, h, kctx, BootEntry)

	if m.opts.Wait {
		m.Wait()
	}
	if err := m.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// Stop halts every execution context. Guest code still running returns at
// its next call or loop iteration; host calls made after Stop end the
// calling context without side effects.
func (m *Machine) Stop() {
	m.cancel()
}

// Stopped reports whether the machine has been stopped.
func (m *Machine) Stopped() bool {
	return m.ctx.Err() != nil
}

// Wait blocks until every spawned context has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Err returns the first failure of any context.
func (m *Machine) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Close stops the machine and releases the engine.
func (m *Machine) Close(ctx context.Context) error {
	m.cancel()
	return m.engine.Close(ctx)
}

// SpawnWorker starts task(task) in a new context. It implements
// kernel.Spawner.
func (m *Machine) SpawnWorker(parent *kernel.Context, task uint32, name string) error {
	return m.spawn(parent, name, fmt.Sprintf("%s(%#x)", TaskEntry, task), TaskEntry, uint64(task))
}

// BringupSecondary starts secondary(cpu, idle) in a new context named
// "entry<cpu>". It implements kernel.Spawner.
func (m *Machine) BringupSecondary(parent *kernel.Context, cpu, idle uint32) error {
	name := fmt.Sprintf("entry%d", cpu)
	return m.spawn(parent, name, fmt.Sprintf("%s(%d, %#x)", SecondaryEntry, cpu, idle), SecondaryEntry, uint64(cpu), uint64(idle))
}

// spawn registers the context and starts it on its own OS thread. It
// returns once the goroutine is started; failures inside the new context go
// through the fatal policy.
func (m *Machine) spawn(parent *kernel.Context, name, entry, export string, params ...uint64) error {
	var parentHandle Handle
	if p, ok := m.handles.Load(parent); ok {
		parentHandle = p.(Handle)
	}
	h := m.registry.Insert(name, entry, parentHandle)
	kctx := kernel.NewContext(name, m, parent != nil && parent.IRQEnabled())
	m.handles.Store(kctx, h)

	m.logger.Debug("spawning context",
		zap.String("context", name),
		zap.String("entry", entry),
		zap.String("parent", contextName(parent)),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		m.run(m.ctx, h, kctx, export, params...)
	}()
	return nil
}

// run instantiates the guest for one context and calls its entry point.
func (m *Machine) run(ctx context.Context, h Handle, kctx *kernel.Context, export string, params ...uint64) {
	defer m.handles.Delete(kctx)

	rec := coredump.NewRecorder()
	ctx = coredump.WithRecorder(kernel.WithContext(ctx, kctx), rec)

	m.registry.SetState(h, StateInstantiating, nil)
	inst, err := m.template.Instantiate(ctx)
	switch {
	case err != nil && m.Stopped():
		m.registry.SetState(h, StateExited, err)
		return
	case err != nil:
		m.fatal(h, kctx, rec, err)
		return
	}
	defer func() { _ = inst.Close(m.ctx) }()

	m.registry.SetState(h, StateRunning, nil)
	_, err = inst.Call(ctx, export, params...)

	var exit *sys.ExitError
	switch {
	case err == nil:
		m.registry.SetState(h, StateExited, nil)
		m.logger.Debug("context returned", zap.String("context", kctx.Name()))
	case stderrors.As(err, &exit):
		// halt, restart or a machine stop; exit already recorded the cause
		m.registry.SetState(h, StateExited, err)
		m.logger.Debug("context stopped",
			zap.String("context", kctx.Name()),
			zap.Uint32("exit_code", exit.ExitCode()),
		)
	case m.Stopped():
		m.registry.SetState(h, StateExited, err)
	default:
		m.fatal(h, kctx, rec, err)
	}
}

// fatal applies the failure policy: write a core dump for guest traps the
// recorder saw, log the error against the context and exit with 1. One
// context failing takes the whole machine down.
func (m *Machine) fatal(h Handle, kctx *kernel.Context, rec *coredump.Recorder, err error) {
	e := errors.Classify(kctx.Name(), err)
	m.registry.SetState(h, StateFaulted, e)
	m.record(e)

	if stderrors.Is(e, errors.ErrGuestFault) {
		if frames, ok := rec.Trap(); ok {
			m.writeCoreDump(kctx.Name(), frames)
		}
	}

	m.logger.Error("in "+kctx.Name(),
		zap.String("context", kctx.Name()),
		zap.Error(e),
	)
	m.exit(1)
}

// exit records the exit as the machine's result unless a failure came first,
// stops every context and then calls the exit hook. When the hook returns,
// as it does under the interactive monitor, no context keeps running.
func (m *Machine) exit(code int) {
	m.record(sys.NewExitError(uint32(code)))
	m.cancel()
	m.opts.Exit(code)
}

// writeCoreDump writes at most one dump per machine.
func (m *Machine) writeCoreDump(thread string, frames []coredump.Frame) {
	m.dumpMu.Lock()
	defer m.dumpMu.Unlock()
	if m.dumped {
		return
	}
	m.dumped = true

	d := &coredump.Dump{
		Executable: m.executable(),
		Module:     m.moduleName(),
		Thread:     thread,
		Frames:     frames,
		Memory:     m.memory.Snapshot(),
	}
	if err := d.WriteFile(m.opts.CoreDumpPath); err != nil {
		m.logger.Error("while writing coredump", zap.Error(err))
		return
	}
	m.logger.Info("core dump written",
		zap.String("path", m.opts.CoreDumpPath),
		zap.String("context", thread),
		zap.Int("frames", len(frames)),
	)
}

func (m *Machine) record(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err == nil {
		m.err = err
	}
}

func (m *Machine) executable() string {
	if m.opts.ModulePath == "" {
		return m.moduleName()
	}
	return m.opts.ModulePath
}

func (m *Machine) moduleName() string {
	if m.opts.ModulePath == "" {
		return "guest"
	}
	return strings.TrimSuffix(filepath.Base(m.opts.ModulePath), filepath.Ext(m.opts.ModulePath))
}

func contextName(c *kernel.Context) string {
	if c == nil {
		return ""
	}
	return c.Name()
}

// Boot prepares a machine and runs the guest. Without Options.Wait the
// engine is left open when Boot returns, since spawned contexts may still be
// running; the caller is expected to exit.
func Boot(ctx context.Context, opts Options) error {
	m, err := New(ctx, opts)
	if err != nil {
		return err
	}
	err = m.Run(ctx)
	if opts.Wait {
		if cerr := m.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
