package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter tags each line of kernel log output with a fixed prefix such
// as "[heap] " before passing it on to Sink. A line may be assembled from
// several writes; its prefix is emitted once, in front of its first byte.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is written at the start of every line.
	Prefix []byte

	// midLine is set when the last byte passed to Sink did not end a line.
	midLine bool
}

// Write passes p to Sink, injecting Prefix in front of every line that starts
// inside p. The returned count excludes prefix bytes so callers see the same
// count they would get from Sink directly. Sink errors are returned as soon as
// they occur.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		line := p
		if eol := bytes.IndexByte(p, '\n'); eol != -1 {
			line = p[:eol+1]
		}

		n, err := w.Sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = line[len(line)-1] != '\n'
		p = p[len(line):]
	}

	return written, nil
}
