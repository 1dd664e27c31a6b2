package machine

import (
	"sort"
	"sync"
)

// Handle identifies an execution context in a Registry. Handle 0 is never
// assigned and stands for "no parent".
type Handle uint32

// State is the lifecycle state of an execution context.
type State uint8

const (
	StateCreated State = iota
	StateInstantiating
	StateRunning
	StateExited
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInstantiating:
		return "instantiating"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Done reports whether the state is terminal.
func (s State) Done() bool {
	return s == StateExited || s == StateFaulted
}

// Info is a snapshot of one execution context.
type Info struct {
	Err    error // set for Faulted, and for Exited after halt or restart
	Name   string
	Entry  string // entry call, e.g. "secondary(1, 0x2000)"
	Handle Handle
	Parent Handle
	State  State
}

// Event reports a state transition. Info holds the state after it.
type Event struct {
	Info
	Previous State
}

// Observer receives every context state transition. Calls are made
// synchronously from the context's goroutine and must not block.
type Observer interface {
	OnContextEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnContextEvent(e Event) { f(e) }

// Registry tracks every execution context of a machine.
type Registry struct {
	contexts  map[Handle]*Info
	observers []Observer
	next      Handle
	mu        sync.RWMutex
	obsMu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[Handle]*Info)}
}

// Insert registers a new context in the Created state.
func (r *Registry) Insert(name, entry string, parent Handle) Handle {
	r.mu.Lock()
	r.next++
	info := &Info{
		Handle: r.next,
		Parent: parent,
		Name:   name,
		Entry:  entry,
		State:  StateCreated,
	}
	r.contexts[info.Handle] = info
	snapshot := *info
	r.mu.Unlock()

	r.notify(Event{Info: snapshot, Previous: StateCreated})
	return snapshot.Handle
}

// SetState moves a context to state. Transitions out of a terminal state
// are ignored.
func (r *Registry) SetState(h Handle, state State, err error) {
	r.mu.Lock()
	info, ok := r.contexts[h]
	if !ok || info.State.Done() {
		r.mu.Unlock()
		return
	}
	prev := info.State
	info.State = state
	info.Err = err
	snapshot := *info
	r.mu.Unlock()

	r.notify(Event{Info: snapshot, Previous: prev})
}

// Get returns a snapshot of the context with handle h.
func (r *Registry) Get(h Handle) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.contexts[h]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// List returns snapshots of every context in creation order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.contexts))
	for _, info := range r.contexts {
		out = append(out, *info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Count returns how many contexts are in state.
func (r *Registry) Count(state State) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.contexts {
		if info.State == state {
			n++
		}
	}
	return n
}

// Subscribe adds an observer for state transitions.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) notify(e Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnContextEvent(e)
	}
}
