// Package monitoring owns the process logging streams.
//
// Every package that logs declares its own Streams with a prefix and thin
// opsf/diagf/tracef helpers. SetLogWriters reconfigures every registered
// stream at once, so cmd code only wires writers in one place.
//
//   - ops:   actionable warnings, errors, safety transitions
//   - diag:  day-to-day diagnostics and tuning context
//   - trace: high-frequency per-tick telemetry
package monitoring

import (
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// Streams is a set of three prefixed loggers. A nil logger disables its
// stream. Loggers are swapped atomically so writers can be changed while
// other goroutines are logging.
type Streams struct {
	prefix string
	ops    atomic.Pointer[log.Logger]
	diag   atomic.Pointer[log.Logger]
	trace  atomic.Pointer[log.Logger]
}

var (
	registryMu sync.Mutex
	registry   []*Streams
	defaults   = writers{ops: os.Stderr, diag: os.Stderr}
)

type writers struct {
	ops, diag, trace io.Writer
}

// NewStreams creates and registers a stream set. It starts with the current
// process-wide writers (ops and diag to stderr, trace disabled by default).
func NewStreams(prefix string) *Streams {
	s := &Streams{prefix: prefix}

	registryMu.Lock()
	registry = append(registry, s)
	w := defaults
	registryMu.Unlock()

	s.SetWriters(w.ops, w.diag, w.trace)
	return s
}

// SetWriters configures the three streams of s. Pass nil to disable a stream.
func (s *Streams) SetWriters(ops, diag, trace io.Writer) {
	s.ops.Store(newLogger(s.prefix, ops))
	s.diag.Store(newLogger(s.prefix, diag))
	s.trace.Store(newLogger(s.prefix, trace))
}

// SetLogWriters configures every registered stream set, and the defaults used
// by stream sets created later.
func SetLogWriters(ops, diag, trace io.Writer) {
	registryMu.Lock()
	defaults = writers{ops: ops, diag: diag, trace: trace}
	all := make([]*Streams, len(registry))
	copy(all, registry)
	registryMu.Unlock()

	for _, s := range all {
		s.SetWriters(ops, diag, trace)
	}
}

// SetLegacyLogger routes all three streams of every package to one writer.
// Pass nil to disable all logging.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w, w)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) {
	if l := s.ops.Load(); l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) {
	if l := s.diag.Load(); l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) {
	if l := s.trace.Load(); l != nil {
		l.Printf(format, args...)
	}
}

// TraceEnabled reports whether the trace stream has a writer. Callers use it
// to skip building expensive trace arguments.
func (s *Streams) TraceEnabled() bool {
	return s.trace.Load() != nil
}
