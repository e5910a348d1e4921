package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	exp := "hello world 0xc0000000"
	Printf("hello %s 0x%x", "world", uint32(0xc0000000))

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}

	Printf("!")
	if got := buf.String(); got != exp+"!" {
		t.Fatalf("expected Printf to write to the registered sink; got %q", got)
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "%d frames, %dKb", 16, 64)

	if exp, got := "16 frames, 64Kb", buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestModuleWriter(t *testing.T) {
	defer SetOutputSink(nil)

	// The writer is created before the sink is registered on purpose.
	w := NewModuleWriter("heap")

	var buf bytes.Buffer
	SetOutputSink(&buf)
	buf.Reset()

	Fprintf(w, "warning: alloc(0)\nerror: double free\n")

	exp := "[heap] warning: alloc(0)\n[heap] error: double free\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
