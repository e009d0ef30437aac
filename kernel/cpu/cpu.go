//go:build 386 || amd64

// Package cpu exposes the handful of privileged x86 instructions needed by
// the memory management code. All functions are implemented in assembly.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SaveFlagsAndDisableInterrupts returns the current value of the flags
// register and then disables interrupt handling. The returned value must be
// passed to RestoreFlags to leave the critical section.
func SaveFlagsAndDisableInterrupts() uintptr

// RestoreFlags loads the flags register with a value obtained by
// SaveFlagsAndDisableInterrupts. Interrupts are re-enabled only if they were
// enabled when the flags were saved.
func RestoreFlags(flags uintptr)

// Halt stops instruction execution.
func Halt()
