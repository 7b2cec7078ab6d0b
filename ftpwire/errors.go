package ftpwire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ProtocolError is a non-success reply from the peripheral. Command carries
// only the command verb, never its arguments.
type ProtocolError struct {
	Command string
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Command, e.Code, e.Message)
}

// AsProtocol returns the ProtocolError wrapped in err, or nil.
func AsProtocol(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

func isProtocolError(err error) bool {
	return AsProtocol(err) != nil
}

// IsNotFound reports whether the peripheral rejected the path as
// nonexistent. FTP folds "no such file" and related failures into reply
// code 550.
func IsNotFound(err error) bool {
	pe := AsProtocol(err)
	return pe != nil && pe.Code == 550
}

// IsTransient reports whether an error is a transient I/O failure worth one
// reconnect-and-retry: timeouts, resets, and connection teardown. Protocol
// rejections are not transient, with the exception of 421 (service closing
// control connection).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if pe := AsProtocol(err); pe != nil {
		return pe.Code == 421
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}
	return false
}
