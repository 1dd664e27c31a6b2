package coredump

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// Frame is one guest function activation.
type Frame struct {
	// Function is the debug name, e.g. "kernel.boot".
	Function  string
	FuncIndex uint32

	// CodeOffset is the module byte offset of the instruction executing in
	// this frame. Frames are only told about the call sites of their callees,
	// so it is zero for the innermost frame. The engine only maps program
	// counters to offsets for modules carrying DWARF, zero otherwise.
	CodeOffset uint32
}

// Recorder tracks the guest call stack of a single execution context. It is
// not safe for concurrent use; each context owns its recorder.
type Recorder struct {
	stack []Frame
	trap  []Frame
	err   error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Depth returns the number of guest frames currently live.
func (r *Recorder) Depth() int {
	return len(r.stack)
}

// Trap returns the frames captured at the first abort, innermost first.
func (r *Recorder) Trap() ([]Frame, bool) {
	return r.trap, r.trap != nil
}

// TrapError returns the error reported with the first abort.
func (r *Recorder) TrapError() error {
	return r.err
}

func (r *Recorder) push(f Frame) {
	r.stack = append(r.stack, f)
}

func (r *Recorder) pop() {
	if len(r.stack) > 0 {
		r.stack = r.stack[:len(r.stack)-1]
	}
}

func (r *Recorder) capture(err error) {
	if r.trap != nil {
		return
	}
	r.trap = make([]Frame, len(r.stack))
	for i, f := range r.stack {
		r.trap[len(r.stack)-1-i] = f
	}
	r.err = err
}

type recorderKey struct{}

// WithRecorder attaches r to ctx. Calls made with the returned context are
// tracked by the listener.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFrom returns the recorder attached to ctx, or nil.
func RecorderFrom(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// Listener returns the function listener factory that feeds recorders. It
// must be installed when the guest is compiled.
func Listener() experimental.FunctionListenerFactory {
	return experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		if _, _, isImport := def.Import(); isImport {
			return nil
		}
		return listener{}
	})
}

type listener struct{}

func (listener) Before(ctx context.Context, _ api.Module, def api.FunctionDefinition, _ []uint64, si experimental.StackIterator) {
	r := RecorderFrom(ctx)
	if r == nil {
		return
	}
	// the iterator starts at the called function; the next entry is its
	// caller, positioned at the call instruction
	if len(r.stack) > 0 && si.Next() && si.Next() {
		pc := si.ProgramCounter()
		r.stack[len(r.stack)-1].CodeOffset = uint32(si.Function().SourceOffsetForPC(pc))
	}
	r.push(Frame{
		Function:  def.DebugName(),
		FuncIndex: def.Index(),
	})
}

func (listener) After(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64) {
	if r := RecorderFrom(ctx); r != nil {
		r.pop()
	}
}

func (listener) Abort(ctx context.Context, _ api.Module, _ api.FunctionDefinition, err error) {
	if r := RecorderFrom(ctx); r != nil {
		r.capture(err)
		r.pop()
	}
}
