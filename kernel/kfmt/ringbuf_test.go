package kfmt

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	msg := "[pmm] reserved 256 frames for the kernel image\n"

	specs := []struct {
		descr        string
		start        int
		expFirstRead int
	}{
		{"empty buffer", 0, len(msg)},
		{"write wraps around the end", ringBufferSize - 8, 8},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			rb := ringBuffer{rIndex: spec.start, wIndex: spec.start}

			n, err := rb.Write([]byte(msg))
			if err != nil || n != len(msg) {
				t.Fatalf("expected to write %d bytes; wrote %d, %v", len(msg), n, err)
			}

			// A read stops at the end of the backing array
			p := make([]byte, ringBufferSize)
			if n, _ = rb.Read(p); n != spec.expFirstRead {
				t.Fatalf("expected first read to return %d bytes; got %d", spec.expFirstRead, n)
			}

			rest, _ := io.ReadAll(&rb)
			if got := string(p[:n]) + string(rest); got != msg {
				t.Fatalf("expected to read %q; got %q", msg, got)
			}

			if n, err = rb.Read(p); n != 0 || err != io.EOF {
				t.Fatalf("expected drained buffer to return io.EOF; got %d, %v", n, err)
			}
		})
	}

	t.Run("overflow keeps the newest bytes", func(t *testing.T) {
		var rb ringBuffer

		data := strings.Repeat("0123456789", ringBufferSize/5)
		if _, err := rb.Write([]byte(data)); err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if exp := data[len(data)-(ringBufferSize-1):]; buf.String() != exp {
			t.Fatalf("expected the last %d bytes to survive; got %d bytes", len(exp), buf.Len())
		}
	})
}

func TestEarlyBootLogReplay(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	// Log the memory map line by line before any sink exists until the
	// early buffer overflows.
	var (
		w       = NewModuleWriter("kmain")
		written bytes.Buffer
	)
	for i := 0; written.Len() < 2*ringBufferSize; i++ {
		line := fmt.Sprintf("[0x%x - 0x%x], size: %d, type: available\n", i*0x1000, (i+1)*0x1000, 0x1000)
		Fprintf(w, "%s", line)
		written.WriteString("[kmain] " + line)
	}

	var sink bytes.Buffer
	SetOutputSink(&sink)

	all := written.String()
	if exp := all[len(all)-(ringBufferSize-1):]; sink.String() != exp {
		t.Fatalf("expected sink to receive the last %d logged bytes; got %d bytes", len(exp), sink.Len())
	}

	// Messages logged after the replay go straight to the sink and keep
	// their prefix.
	sink.Reset()
	Fprintf(w, "heap ready\n")
	if exp := "[kmain] heap ready\n"; sink.String() != exp {
		t.Fatalf("expected %q; got %q", exp, sink.String())
	}
}
