// Package device writes engine torque reports to the wheel base over a
// serial link.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/fmea"
)

var (
	// ErrWriteFailed is returned by WriteReport while the asynchronous
	// writer is failing.
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrNotConnected is returned when no port is open.
	ErrNotConnected = errors.New("serial port not connected")
	// ErrSinkClosed is returned after Close.
	ErrSinkClosed = errors.New("serial sink closed")
)

// closeFlushTimeout bounds how long Close waits for an in-flight write
// before closing the port under it.
const closeFlushTimeout = 50 * time.Millisecond

// SinkStats are cumulative writer counters.
type SinkStats struct {
	Accepted  uint64 `json:"accepted"`
	Written   uint64 `json:"written"`
	Failures  uint64 `json:"failures"`
	Reconnect uint64 `json:"reconnects"`
	Failing   bool   `json:"failing"`
	Connected bool   `json:"connected"`
}

// SerialSink implements engine.DeviceSink. WriteReport only packs the
// report into a single-slot mailbox; Run performs the port writes, so the
// latest report always wins and the RT goroutine never touches the port.
type SerialSink struct {
	path      string
	opts      PortOptions
	open      Opener
	maxTorque float64

	mailbox   atomic.Uint64
	signal    chan struct{}
	failing   atomic.Bool
	unwritten atomic.Int64 // unix nanos when the oldest unwritten report was accepted
	connected atomic.Bool

	accepted   atomic.Uint64
	written    atomic.Uint64
	failures   atomic.Uint64
	reconnects atomic.Uint64

	// wsem serializes port writes. It is never held by Disconnect,
	// Reconnect or Stats, so a write stuck on the device blocks only
	// other writers.
	wsem chan struct{}

	mu     sync.Mutex
	port   Port
	closed bool
}

// NewSerialSink creates an unconnected sink. Reports are scaled by
// 1/maxTorque onto the wire; a non-positive maxTorque means 1.
func NewSerialSink(path string, opts PortOptions, open Opener, maxTorque float64) *SerialSink {
	if open == nil {
		open = SerialOpener
	}
	if !(maxTorque > 0) || math.IsInf(maxTorque, 0) {
		maxTorque = 1
	}
	return &SerialSink{
		path:      path,
		opts:      opts,
		open:      open,
		maxTorque: maxTorque,
		signal:    make(chan struct{}, 1),
		wsem:      make(chan struct{}, 1),
	}
}

// OpenSerialSink creates a sink on the serial port at path and connects it.
func OpenSerialSink(path string, opts PortOptions, maxTorque float64) (*SerialSink, error) {
	s := NewSerialSink(path, opts, SerialOpener, maxTorque)
	if err := s.Reconnect(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteReport implements engine.DeviceSink. It never blocks.
func (s *SerialSink) WriteReport(r engine.Report) error {
	r.Torque /= s.maxTorque
	b := EncodeReport(r)
	s.mailbox.Store(binary.LittleEndian.Uint64(b[:]))
	s.unwritten.CompareAndSwap(0, time.Now().UnixNano())
	s.accepted.Add(1)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	if s.failing.Load() {
		return ErrWriteFailed
	}
	return nil
}

// UnwrittenSince implements engine.WireMonitor. It returns when the oldest
// report that has not reached the device was accepted, or the zero time
// when the device is current.
func (s *SerialSink) UnwrittenSince() time.Time {
	ns := s.unwritten.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run writes the latest report each time one arrives until ctx is done. A
// report still pending when ctx is done is written before Run returns.
func (s *SerialSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case <-s.signal:
			s.flush()
		}
	}
}

// flush writes the pending report, if any, waiting for any write in
// flight.
func (s *SerialSink) flush() {
	s.wsem <- struct{}{}
	defer func() { <-s.wsem }()
	s.flushLocked()
}

func (s *SerialSink) flushLocked() {
	v := s.mailbox.Swap(0)
	if v == 0 {
		return
	}
	if err := s.write(v); err != nil {
		if !s.failing.Swap(true) {
			opsf("writer failing: %v", err)
		}
		s.failures.Add(1)
		return
	}
	if s.failing.Swap(false) {
		opsf("writer recovered")
	}
	s.written.Add(1)
}

// write sends one report. The caller holds wsem.
func (s *SerialSink) write(v uint64) error {
	var b [ReportSize]byte
	binary.LittleEndian.PutUint64(b[:], v)

	s.mu.Lock()
	port, closed := s.port, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSinkClosed
	}
	if port == nil {
		return ErrNotConnected
	}
	n, err := port.Write(b[:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != ReportSize {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, ReportSize)
	}
	s.unwritten.Store(0)
	if s.mailbox.Load() != 0 {
		s.unwritten.CompareAndSwap(0, time.Now().UnixNano())
	}
	return nil
}

// Disconnect closes the port without closing the sink. A write blocked on
// the port is left to fail against the closed port.
func (s *SerialSink) Disconnect() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.connected.Store(false)
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

// Reconnect closes any open port and opens path again.
func (s *SerialSink) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode, err := s.opts.SerialMode()
	if err != nil {
		return fmt.Errorf("failed to build serial mode: %w", err)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSinkClosed
	}
	if err := s.Disconnect(); err != nil {
		diagf("reconnect: %v", err)
	}

	port, err := s.open(s.path, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = port.Close()
		return ErrSinkClosed
	}
	old := s.port
	s.port = port
	s.connected.Store(true)
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.reconnects.Add(1)
	diagf("connected %s at %d baud", s.path, mode.BaudRate)
	return nil
}

// Verify writes the latest report, or a zero-torque report if none is
// pending, synchronously. It gives up when ctx is done before the writer
// is free.
func (s *SerialSink) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.wsem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.wsem }()

	v := s.mailbox.Swap(0)
	pending := v != 0
	if !pending {
		b := EncodeReport(engine.Report{})
		v = binary.LittleEndian.Uint64(b[:])
	}
	if err := s.write(v); err != nil {
		if pending {
			s.mailbox.CompareAndSwap(0, v)
		}
		return err
	}
	s.failing.Store(false)
	s.written.Add(1)
	return nil
}

// Close writes any pending report, then closes the port. Later writes fail
// with ErrSinkClosed. A write stuck on the device is abandoned after
// closeFlushTimeout.
func (s *SerialSink) Close() error {
	t := time.NewTimer(closeFlushTimeout)
	defer t.Stop()
	select {
	case s.wsem <- struct{}{}:
		s.flushLocked()
		<-s.wsem
	case <-t.C:
		opsf("close: writer busy for %v, pending report dropped", closeFlushTimeout)
	}

	err := s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// Stats returns the writer counters. It never blocks.
func (s *SerialSink) Stats() SinkStats {
	return SinkStats{
		Accepted:  s.accepted.Load(),
		Written:   s.written.Load(),
		Failures:  s.failures.Load(),
		Reconnect: s.reconnects.Load(),
		Failing:   s.failing.Load(),
		Connected: s.connected.Load(),
	}
}

// RegisterSteps installs the USB recovery handlers on steps. Each handler
// returns once ctx is done, even if the port does not.
func (s *SerialSink) RegisterSteps(steps *engine.Steps) {
	steps.Register(fmea.StepResetUSB, func(ctx context.Context, _ fmea.FaultType) error {
		return within(ctx, s.Disconnect)
	})
	steps.Register(fmea.StepReconnect, func(ctx context.Context, _ fmea.FaultType) error {
		return within(ctx, func() error { return s.Reconnect(ctx) })
	})
	steps.Register(fmea.StepVerifyCommunication, func(ctx context.Context, _ fmea.FaultType) error {
		return within(ctx, func() error { return s.Verify(ctx) })
	})
}

// within runs fn on its own goroutine and returns its error, or ctx's if
// ctx is done first.
func within(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
