package device

import "fmt"

// ProtocolError is returned when the device rejects a request or
// produces data the host cannot make sense of.
//
// Protocol errors are fatal to the signing attempt: the device's
// internal transaction state may already have advanced past the point
// the host believes it is at, so retrying the same command is unsafe.
type ProtocolError struct {
	Op      string // device operation that failed
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("device protocol error in %s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("device protocol error in %s: %s", e.Op, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// IOError is a transport-level failure (unplugged cable, dropped BLE
// connection, cancelled exchange). Transport implementations wrap their
// failures in IOError; the pipeline propagates it unchanged.
type IOError struct {
	Op    string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("device i/o error in %s: %v", e.Op, e.Cause)
}

func (e *IOError) Unwrap() error {
	return e.Cause
}
