// Package kfmt provides the kernel's logging primitives. Output is sent to a
// registered sink; anything printed before a sink is registered is kept in a
// ring buffer and replayed once a sink becomes available.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf. If no sink
// has been registered, the early ring buffer is returned instead.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf formats according to the format specifier (see package fmt) and
// writes to the currently registered output sink. If no sink is available,
// the output is buffered into a ring-buffer and gets copied to the sink
// when SetOutputSink is invoked.
func Printf(format string, args ...interface{}) {
	Fprintf(GetOutputSink(), format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. Write errors are ignored; there is nowhere to
// report them.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = GetOutputSink()
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// NewModuleWriter returns a PrefixWriter that tags each line written to the
// currently active output sink with "[module] ".
func NewModuleWriter(module string) *PrefixWriter {
	return &PrefixWriter{
		Sink:   sinkProxy{},
		Prefix: []byte("[" + module + "] "),
	}
}

// sinkProxy forwards writes to whatever sink is active at the time of the
// write so module writers created before SetOutputSink is called still end
// up in the right place.
type sinkProxy struct{}

func (sinkProxy) Write(p []byte) (int, error) {
	return GetOutputSink().Write(p)
}
