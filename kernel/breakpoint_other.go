//go:build !linux

package kernel

// RaiseBreakpoint does nothing on platforms without tracer detection.
func RaiseBreakpoint() {}
