//go:build !linux

package scheduler

import (
	"errors"
	"io"
)

func setFIFOPriority(int) error { return errors.ErrUnsupported }

func lockMemory() error { return errors.ErrUnsupported }

func holdZeroLatency() (io.Closer, error) { return nil, errors.ErrUnsupported }

func pinCPUs([]int) error { return errors.ErrUnsupported }
