package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:   PhaseEncode,
				Kind:    KindEncoding,
				Path:    []string{"data-sections", "text"},
				Context: "boot",
				Detail:  "duplicate property",
			},
			contains: []string{"[encode]", "encoding", "data-sections.text", "in boot", "duplicate property"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseMemory,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[memory]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseHost,
				Kind:   KindIO,
				Detail: "console write",
				Cause:  errors.New("broken pipe"),
			},
			contains: []string{"[host]", "io", "console write", "caused by", "broken pipe"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseRuntime,
		Kind:  KindGuestFault,
		Cause: cause,
	}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"configuration", Configuration("bad flag", nil), ErrConfiguration, true},
		{"encoding", Encoding([]string{"chosen"}, "bad name"), ErrEncoding, true},
		{"memory range", MemoryRange(0x10, 4, 8), ErrMemoryRange, true},
		{"instantiation", Instantiation("entry1", "create", nil), ErrInstantiation, true},
		{"guest fault", GuestFault("boot", errors.New("trap")), ErrGuestFault, true},
		{"kind mismatch", MemoryRange(0, 1, 0), ErrGuestFault, false},
		{"wrapped", fmt.Errorf("boot: %w", GuestFault("boot", nil)), ErrGuestFault, true},
		{"plain error", errors.New("x"), ErrGuestFault, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("underlying")
	err := New(PhaseInstantiate, KindInstantiation).
		Path("secondary").
		Context("entry2").
		Value(2).
		Cause(cause).
		Detail("cpu %d", 2).
		Build()

	if err.Phase != PhaseInstantiate {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseInstantiate)
	}
	if err.Kind != KindInstantiation {
		t.Errorf("Kind = %v, want %v", err.Kind, KindInstantiation)
	}
	if len(err.Path) != 1 || err.Path[0] != "secondary" {
		t.Errorf("Path = %v, want [secondary]", err.Path)
	}
	if err.Context != "entry2" {
		t.Errorf("Context = %q, want entry2", err.Context)
	}
	if err.Value != 2 {
		t.Errorf("Value = %v, want 2", err.Value)
	}
	if err.Cause != cause {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "cpu 2" {
		t.Errorf("Detail = %q, want %q", err.Detail, "cpu 2")
	}
}

func TestMemoryRange(t *testing.T) {
	err := MemoryRange(0xfffffff0, 0x20, 0x10000)
	msg := err.Error()
	// end of range does not wrap around 32 bits
	if !strings.Contains(msg, "0x100000010") {
		t.Errorf("message %q does not show the full range end", msg)
	}
	if !strings.Contains(msg, "0x10000 bytes") {
		t.Errorf("message %q does not show the memory size", msg)
	}
}

func TestMissingExport(t *testing.T) {
	err := MissingExport(PhaseConfig, "boot")
	if err.Kind != KindMissingExport {
		t.Errorf("Kind = %v, want %v", err.Kind, KindMissingExport)
	}
	if !strings.Contains(err.Error(), `"boot"`) {
		t.Errorf("message %q does not name the export", err.Error())
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if Classify("boot", nil) != nil {
			t.Error("expected nil")
		}
	})

	t.Run("trap becomes guest fault", func(t *testing.T) {
		trap := errors.New("wasm error: unreachable\nwasm stack trace:\n\t.$0()")
		got := Classify("entry1", trap)
		if !errors.Is(got, ErrGuestFault) {
			t.Fatalf("got %v, want guest fault", got)
		}
		if got.Context != "entry1" {
			t.Errorf("Context = %q, want entry1", got.Context)
		}
		if !errors.Is(got, trap) {
			t.Error("trap should remain in the cause chain")
		}
	})

	t.Run("structured error keeps kind", func(t *testing.T) {
		host := fmt.Errorf("%w (recovered by wazero)", MemoryRange(4, 4, 4))
		got := Classify("boot", host)
		if !errors.Is(got, ErrMemoryRange) {
			t.Fatalf("got %v, want memory range", got)
		}
		if got.Context != "boot" {
			t.Errorf("Context = %q, want boot", got.Context)
		}
	})

	t.Run("existing context is kept", func(t *testing.T) {
		orig := Instantiation("entry3", "create", nil)
		if got := Classify("boot", orig); got != orig {
			t.Errorf("got %v, want original error", got)
		}
	})

	t.Run("unknown error", func(t *testing.T) {
		got := Classify("kworker", errors.New("something else"))
		if got.Phase != PhaseRuntime || got.Context != "kworker" {
			t.Errorf("got %+v", got)
		}
		if errors.Is(got, ErrGuestFault) {
			t.Error("unknown error must not classify as guest fault")
		}
	})
}

func TestMissingImportsError(t *testing.T) {
	err := &MissingImportsError{}
	err.Add("kernel", "get_cpu", "")
	err.Add("env", "table", "")
	err.Add("kernel", "yield", "")
	err.Add("kernel", "get_dt", "signature mismatch")

	msg := err.Error()
	for _, want := range []string{"4 import(s)", "kernel:", "env:", "- get_cpu", "- yield", "- table", "get_dt (signature mismatch)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q does not contain %q", msg, want)
		}
	}
	// modules are listed alphabetically
	if strings.Index(msg, "env:") > strings.Index(msg, "kernel:") {
		t.Errorf("modules not sorted in %q", msg)
	}

	var target *MissingImportsError
	if !errors.As(fmt.Errorf("link: %w", err), &target) {
		t.Error("errors.As should find MissingImportsError")
	}
	if !errors.Is(err, &MissingImportsError{}) {
		t.Error("errors.Is should match any MissingImportsError")
	}

	empty := &MissingImportsError{}
	if !strings.Contains(empty.Error(), "no imports") {
		t.Errorf("empty message = %q", empty.Error())
	}
}
