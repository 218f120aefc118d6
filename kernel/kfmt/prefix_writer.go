package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Kernel subsystems use it to tag
// their log output with a subsystem name.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The PrefixWriter keeps track of line
// boundaries and injects the configured prefix at the start of each line.
// Injected prefix bytes are not included in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, start int

	for i := 0; i < len(p); i++ {
		if p[i] != '\n' {
			continue
		}

		if !w.midLine {
			w.Sink.Write(w.Prefix)
		}

		n, err := w.Sink.Write(p[start : i+1])
		written += n
		w.midLine = false
		start = i + 1
		if err != nil {
			return written, err
		}
	}

	if start < len(p) {
		if !w.midLine {
			w.Sink.Write(w.Prefix)
		}

		n, err := w.Sink.Write(p[start:])
		written += n
		w.midLine = true
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
