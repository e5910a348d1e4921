package kfmt

import (
	"bytes"
	"errors"
	"kmemcore/kernel"
	"kmemcore/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		SetOutputSink(nil)
	}()

	var (
		cpuHaltCalled bool
		buf           bytes.Buffer
	)
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}
	SetOutputSink(&buf)

	specs := []struct {
		descr string
		input interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cpuHaltCalled = false
			buf.Reset()

			Panic(spec.input)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}

func TestPanicWithDefaultHalt(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(&bytes.Buffer{})

	defer func() {
		if err := recover(); err != cpu.ErrHalted {
			t.Fatalf("expected a panic with cpu.ErrHalted; got %v", err)
		}
	}()

	Panic(&kernel.Error{Module: "test", Message: "halt"})
	t.Fatal("expected Panic not to return")
}
