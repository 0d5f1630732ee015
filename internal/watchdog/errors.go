package watchdog

import (
	"errors"
	"fmt"
)

var (
	ErrNotArmed                  = errors.New("watchdog not armed")
	ErrAlreadyArmed              = errors.New("watchdog already armed")
	ErrTimedOut                  = errors.New("watchdog timed out")
	ErrSafeStateAlreadyTriggered = errors.New("safe-state already triggered")
	ErrInvalidTransition         = errors.New("invalid watchdog transition")
	ErrInvalidTimeout            = errors.New("invalid watchdog timeout")
)

// TransitionError reports an operation refused in the watchdog's current
// state. It unwraps to one of the sentinel errors.
type TransitionError struct {
	Op   string
	From State
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("watchdog %s from %s: %v", e.Op, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func refuse(op string, from State, err error) error {
	return &TransitionError{Op: op, From: from, Err: err}
}
