package kfmt

import (
	"kmemcore/kernel"
	"kmemcore/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.KindCorruption}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return unless the halt hook has been replaced by
// a test.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString wraps a string into a kernel error and passes it to Panic.
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
