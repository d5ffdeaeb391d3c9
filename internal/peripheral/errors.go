package peripheral

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected          = errors.New("not connected")
	ErrNotBonded             = errors.New("peer not bonded")
	ErrUnsupported           = errors.New("unsupported")
	ErrAdapterOff            = errors.New("bluetooth adapter is off")
	ErrNotEnabled            = errors.New("stack not enabled")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
)

// StackError records the stack operation that failed.
type StackError struct {
	Op  string // "enable", "add_service", "advertise", "notify", "disconnect"
	Err error
}

func (e *StackError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("ble %s: %v", e.Op, e.Err)
}

func (e *StackError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WrapOp wraps err in a StackError for op. nil stays nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StackError{Op: op, Err: err}
}

// NormalizeError maps known BLE library error strings to the sentinel errors
// of this package. The original error is kept in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "adapter not powered"):
		return fmt.Errorf("%w: %v", ErrAdapterOff, err)
	case containsIgnoreCase(msg, "not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "unsupported"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
