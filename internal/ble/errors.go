package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout marks a connect, read or write that did not finish in time.
	// The client treats it as a silent disconnect.
	ErrTimeout = errors.New("ble: operation timed out")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("ble: client closed")
	// errIdle ends a session once the active window has passed.
	errIdle = errors.New("ble: active window expired")
)

// LinkError is a failure reported by the BLE stack itself: a dropped link,
// a GATT error, a missing characteristic.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// linkErr wraps err as a *LinkError unless it is nil or already classified.
func linkErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkError
	if errors.Is(err, ErrTimeout) || errors.As(err, &le) {
		return err
	}
	return &LinkError{Op: op, Err: err}
}
