package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrAlreadyStarted = errors.New("transport: already started")
	ErrNotStarted     = errors.New("transport: not started")
	ErrClosed         = errors.New("transport: connection closed")
)

// Reason classifies why a transport operation failed.
type Reason string

const (
	ReasonTimeout       Reason = "timeout"
	ReasonProcessExited Reason = "process_exited"
	ReasonClosed        Reason = "closed"
)

// TransportError reports a failed request/notification with a stable
// machine-readable reason.
type TransportError struct {
	Reason Reason
	Method string
	Cause  error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport: %s", e.Reason)
	if e.Method != "" {
		msg += fmt.Sprintf(" (method %s)", e.Method)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Reason == ReasonTimeout
}

// IsProcessExited reports whether err is a process-exit failure.
func IsProcessExited(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Reason == ReasonProcessExited
}

// WireError is an error object carried inside a peer's response.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}

// ProtocolError reports a malformed or unframeable wire line.
type ProtocolError struct {
	Message string
	Line    string
	Cause   error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Message
	if e.Line != "" {
		msg += fmt.Sprintf(" (line: %.100s)", e.Line)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ProcessError reports a subprocess lifecycle failure.
type ProcessError struct {
	Message string
	Cause   error
}

func (e *ProcessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("process error: %s: %v", e.Message, e.Cause)
	}
	return "process error: " + e.Message
}

func (e *ProcessError) Unwrap() error { return e.Cause }
