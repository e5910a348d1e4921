package main

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/exp/slog"
)

// kernelLogWriter is registered as the kernel output sink. It splits the
// kernel output into lines and emits one log record per line.
type kernelLogWriter struct {
	logger *slog.Logger
	level  slog.Level
	buf    bytes.Buffer
}

func newKernelLogWriter(logger *slog.Logger, level slog.Level) *kernelLogWriter {
	return &kernelLogWriter{logger: logger.With("component", "kernel"), level: level}
}

func (w *kernelLogWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)

	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line until the rest arrives
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}

		if line = strings.TrimRight(line, "\n"); line != "" {
			w.logger.Log(context.Background(), w.levelFor(line), line)
		}
	}

	return len(p), nil
}

// levelFor promotes kernel diagnostics so that they are visible without -v.
func (w *kernelLogWriter) levelFor(line string) slog.Level {
	switch {
	case strings.Contains(line, "error:"), strings.Contains(line, "kernel panic"):
		return slog.LevelError
	case strings.Contains(line, "warning:"):
		return slog.LevelWarn
	}
	return w.level
}
