package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Phase indicates where in the machine's life the error occurred
type Phase string

const (
	PhaseConfig      Phase = "config"      // command line, sections file, module file
	PhaseEncode      Phase = "encode"      // hardware description construction
	PhaseLink        Phase = "link"        // resolving guest imports
	PhaseMemory      Phase = "memory"      // shared linear memory access
	PhaseInstantiate Phase = "instantiate" // creating an execution context
	PhaseRuntime     Phase = "runtime"     // guest execution
	PhaseHost        Phase = "host"        // host call side effects
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidInput  Kind = "invalid_input"
	KindEncoding      Kind = "encoding"
	KindOutOfBounds   Kind = "out_of_bounds"
	KindMissingImport Kind = "missing_import"
	KindMissingExport Kind = "missing_export"
	KindInstantiation Kind = "instantiation"
	KindGuestFault    Kind = "guest_fault"
	KindIO            Kind = "io"
)

// Sentinels for errors.Is. Matching compares Phase and Kind only.
var (
	ErrConfiguration = &Error{Phase: PhaseConfig, Kind: KindInvalidInput}
	ErrEncoding      = &Error{Phase: PhaseEncode, Kind: KindEncoding}
	ErrMemoryRange   = &Error{Phase: PhaseMemory, Kind: KindOutOfBounds}
	ErrInstantiation = &Error{Phase: PhaseInstantiate, Kind: KindInstantiation}
	ErrGuestFault    = &Error{Phase: PhaseRuntime, Kind: KindGuestFault}
)

// Error is the structured error type used throughout the machine
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	Context string
	Detail  string
	Path    []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Context != "" {
		b.WriteString(" in ")
		b.WriteString(e.Context)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the element path, e.g. node and property of a device tree
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Context names the execution context the error belongs to
func (b *Builder) Context(name string) *Builder {
	b.err.Context = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the machine's error taxonomy

// Configuration creates an error for bad startup input
func Configuration(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// Encoding creates a hardware description encoding error
func Encoding(path []string, detail string) *Error {
	return &Error{
		Phase:  PhaseEncode,
		Kind:   KindEncoding,
		Path:   path,
		Detail: detail,
	}
}

// MemoryRange creates an error for an access outside shared memory
func MemoryRange(offset, length, size uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%#x, %#x) outside memory of %#x bytes", offset, uint64(offset)+uint64(length), size),
		Value:  offset,
	}
}

// Instantiation creates an error for a failed execution context start
func Instantiation(context, detail string, cause error) *Error {
	return &Error{
		Phase:   PhaseInstantiate,
		Kind:    KindInstantiation,
		Context: context,
		Detail:  detail,
		Cause:   cause,
	}
}

// MissingExport creates an error for an entry point the guest does not export
func MissingExport(phase Phase, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMissingExport,
		Detail: fmt.Sprintf("guest does not export %q", name),
		Value:  name,
	}
}

// GuestFault creates an error for an unrecoverable trap in guest code
func GuestFault(context string, cause error) *Error {
	return &Error{
		Phase:   PhaseRuntime,
		Kind:    KindGuestFault,
		Context: context,
		Cause:   cause,
	}
}

// IO creates an error for a failed host side effect
func IO(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// trapPrefix is how wazero reports traps raised by the wasm runtime itself
// (unreachable, out of bounds access, stack exhaustion, ...).
const trapPrefix = "wasm error: "

// Classify maps an error returned by the engine onto the taxonomy.
// Structured errors pass through; wazero traps become GuestFault;
// anything else becomes a runtime I/O error carrying the cause.
func Classify(context string, err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if stderrors.As(err, &e) {
		if e.Context != "" || context == "" {
			return e
		}
		cp := *e
		cp.Context = context
		return &cp
	}

	if IsTrap(err) {
		return GuestFault(context, err)
	}

	return &Error{
		Phase:   PhaseRuntime,
		Kind:    KindIO,
		Context: context,
		Cause:   err,
	}
}

// IsTrap reports whether err is a trap raised by the wasm runtime.
func IsTrap(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), trapPrefix)
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module string // e.g., "kernel"
	Name   string // e.g., "get_dt"
	Reason string // e.g., "signature mismatch"
}

// MissingImportsError is returned when the guest imports something the host does not provide
type MissingImportsError struct {
	Imports []MissingImport
}

// Add records one more unresolved import
func (e *MissingImportsError) Add(module, name, reason string) {
	e.Imports = append(e.Imports, MissingImport{Module: module, Name: name, Reason: reason})
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "guest requires %d import(s) the host does not provide:\n", len(e.Imports))

	byModule := make(map[string][]MissingImport)
	var modules []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			modules = append(modules, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}
	sort.Strings(modules)

	for _, mod := range modules {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, imp := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(imp.Name)
			if imp.Reason != "" {
				b.WriteString(" (")
				b.WriteString(imp.Reason)
				b.WriteByte(')')
			}
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}
