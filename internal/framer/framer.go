// Package framer splits the worker's stdout byte stream into complete lines.
//
// Chunks arrive with arbitrary boundaries. Every complete line is passed to
// the emit callback; the trailing partial segment is kept and prefixed to the
// next chunk. The framer knows nothing about the line contents.
package framer

import (
	"bytes"
	"log/slog"

	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
)

// DefaultMaxLine bounds the carry-over buffer.
const DefaultMaxLine = 16 * 1024 * 1024

// Framer is an io.Writer that emits one callback per complete line.
// It is not safe for concurrent use; a single reader goroutine owns it.
type Framer struct {
	buf     []byte
	emit    func(line []byte)
	maxLine int
	logger  *slog.Logger

	dropping bool
}

// Option configures a Framer.
type Option func(*Framer)

// WithMaxLine overrides DefaultMaxLine.
func WithMaxLine(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.maxLine = n
		}
	}
}

// WithLogger sets the logger used for oversize-line warnings.
func WithLogger(l *slog.Logger) Option {
	return func(f *Framer) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Framer. emit receives a line without its terminator; the
// slice is only valid for the duration of the call.
func New(emit func(line []byte), opts ...Option) *Framer {
	f := &Framer{
		emit:    emit,
		maxLine: DefaultMaxLine,
		logger:  log.WithComponent("framer"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Write consumes one chunk. It never returns an error.
func (f *Framer) Write(chunk []byte) (int, error) {
	n := len(chunk)
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.carry(chunk)
			break
		}

		segment := chunk[:i]
		chunk = chunk[i+1:]

		if f.dropping {
			// Tail of an oversize line; resume on the next one.
			f.dropping = false
			f.buf = f.buf[:0]
			continue
		}

		if len(f.buf)+len(segment) > f.maxLine {
			f.warnOversize()
			f.buf = f.buf[:0]
			continue
		}
		if len(f.buf) > 0 {
			f.buf = append(f.buf, segment...)
			segment = f.buf
		}
		f.deliver(segment)
		f.buf = f.buf[:0]
	}
	return n, nil
}

// Flush emits any buffered unterminated segment, as at EOF.
func (f *Framer) Flush() {
	if f.dropping {
		f.dropping = false
		f.buf = f.buf[:0]
		return
	}
	if len(f.buf) == 0 {
		return
	}
	f.deliver(f.buf)
	f.buf = f.buf[:0]
}

// Buffered returns the size of the retained partial segment.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) carry(partial []byte) {
	if f.dropping {
		return
	}
	if len(f.buf)+len(partial) > f.maxLine {
		f.warnOversize()
		f.dropping = true
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf, partial...)
}

func (f *Framer) warnOversize() {
	f.logger.Warn("dropping oversize line from worker", "limit_bytes", f.maxLine)
}

func (f *Framer) deliver(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	f.emit(line)
}
