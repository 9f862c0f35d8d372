// Package logstream attributes subprocess output to the job that produced it.
package logstream

import (
	"bytes"
	"io"
	"sync"
)

// PrefixWriter writes every complete line to an underlying writer with a
// fixed prefix. Several PrefixWriters may share one destination: each line
// is written in a single call under a shared lock, so lines from concurrent
// jobs never interleave mid-line.
type PrefixWriter struct {
	mu     *sync.Mutex
	dst    io.Writer
	prefix []byte
	buf    []byte
}

// Shared guards a destination written to by many PrefixWriters.
type Shared struct {
	mu  sync.Mutex
	dst io.Writer
}

// NewShared wraps dst for use by several jobs at once.
func NewShared(dst io.Writer) *Shared {
	if dst == nil {
		dst = io.Discard
	}
	return &Shared{dst: dst}
}

// Prefixed returns a writer that tags every line with "[label] ".
func (s *Shared) Prefixed(label string) *PrefixWriter {
	return &PrefixWriter{mu: &s.mu, dst: s.dst, prefix: []byte("[" + label + "] ")}
}

// Write implements io.Writer.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if err := w.emit(w.buf[:i+1]); err != nil {
			return len(p), err
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes a trailing partial line, if any.
func (w *PrefixWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := append(w.buf, '\n')
	w.buf = nil
	return w.emit(line)
}

func (w *PrefixWriter) emit(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, 0, len(w.prefix)+len(line))
	out = append(out, w.prefix...)
	out = append(out, line...)
	_, err := w.dst.Write(out)
	return err
}

// Tail keeps the last Limit bytes written to it.
type Tail struct {
	Limit     int
	mu        sync.Mutex
	buf       []byte
	truncated bool
}

// NewTail returns a Tail keeping at most limit bytes.
func NewTail(limit int) *Tail {
	return &Tail{Limit: limit}
}

// Write implements io.Writer.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.Limit; t.Limit > 0 && over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

// String returns the retained output, marking truncation.
func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...(truncated)\n" + string(t.buf)
	}
	return string(t.buf)
}
