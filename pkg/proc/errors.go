package proc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fatal instrumentation errors.
type ErrorKind uint8

const (
	// ConfigurationError is a malformed declaration, an unresolved symbol
	// or a duplicate hook address. Always detected before the tracee runs
	// past setup.
	ConfigurationError ErrorKind = iota + 1
	// ProtocolViolation is a stop or address the engine cannot account
	// for: unexpected signals, translation misses, unknown callbacks.
	ProtocolViolation
	// TransientIOError is a failed tracee memory or register access.
	TransientIOError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration error"
	case ProtocolViolation:
		return "protocol violation"
	case TransientIOError:
		return "i/o error"
	default:
		return fmt.Sprintf("error kind %d", uint8(k))
	}
}

// Error is a fatal error annotated with the operation and the address it
// was attempted on.
type Error struct {
	Kind ErrorKind
	Op   string
	Addr uint64
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Addr != 0 {
		msg = fmt.Sprintf("%s at %#x", msg, e.Addr)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigError returns a ConfigurationError for op.
func ConfigError(op string, addr uint64, err error) error {
	return &Error{Kind: ConfigurationError, Op: op, Addr: addr, Err: err}
}

// ProtocolError returns a ProtocolViolation for op.
func ProtocolError(op string, addr uint64, err error) error {
	return &Error{Kind: ProtocolViolation, Op: op, Addr: addr, Err: err}
}

// IOError returns a TransientIOError for op.
func IOError(op string, addr uint64, err error) error {
	return &Error{Kind: TransientIOError, Op: op, Addr: addr, Err: err}
}

// IsKind reports whether err wraps an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
