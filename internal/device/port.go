package device

import (
	"errors"
	"io"
	"sync"

	"go.bug.st/serial"
)

// Port is the minimal interface needed from a serial port.
type Port interface {
	io.ReadWriter
	io.Closer
}

// Opener opens a port at path with the given mode.
type Opener func(path string, mode *serial.Mode) (Port, error)

// SerialOpener opens a real serial port through go.bug.st/serial.
func SerialOpener(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// ErrPortClosed is returned by a closed LoopbackPort.
var ErrPortClosed = errors.New("serial port closed")

// LoopbackPort is an in-memory port that keeps the last report written to
// it and echoes it back on Read. It stands in for hardware in development
// mode and in tests.
type LoopbackPort struct {
	mu         sync.Mutex
	last       []byte
	frames     uint64
	failWrites int
	closed     bool
	opens      int
}

// NewLoopbackPort returns an open loopback port.
func NewLoopbackPort() *LoopbackPort { return &LoopbackPort{} }

// Opener returns an Opener that reopens p.
func (p *LoopbackPort) Opener() Opener {
	return func(string, *serial.Mode) (Port, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = false
		p.opens++
		return p, nil
	}
}

// Write stores b as the latest frame.
func (p *LoopbackPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.failWrites > 0 {
		p.failWrites--
		return 0, io.ErrShortWrite
	}
	p.last = append(p.last[:0], b...)
	p.frames++
	return len(b), nil
}

// Read copies the latest frame into b.
func (p *LoopbackPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	return copy(b, p.last), nil
}

// Close marks the port closed until it is reopened.
func (p *LoopbackPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FailWrites makes the next n writes fail.
func (p *LoopbackPort) FailWrites(n int) {
	p.mu.Lock()
	p.failWrites = n
	p.mu.Unlock()
}

// Last returns a copy of the most recent frame.
func (p *LoopbackPort) Last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.last...)
}

// Frames counts successful writes.
func (p *LoopbackPort) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Opens counts calls through Opener.
func (p *LoopbackPort) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Closed reports whether the port is closed.
func (p *LoopbackPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
