// Package errs defines the runtime error taxonomy.
//
// Only handshake-time errors (AuthError, ProtocolError raised by the
// session) terminate Run. Everything raised in steady state is either
// retried on the next tick (TransportError, ProtocolError on a frame) or
// contained where it happened (DispatchError, CorrelationMiss).
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrNotRunning     = errors.New("runtime not running")
	ErrAlreadyRunning = errors.New("runtime already running")
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrNoToken        = errors.New("session has no token")
)

// AuthError reports that the gateway rejected the verify key
type AuthError struct {
	Code int
	Msg  string
}

func (e *AuthError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("auth failed (code %d): %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("auth failed (code %d): invalid verify key", e.Code)
}

// ProtocolError reports a malformed or unexpected payload
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError reports a network or connection failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error in %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DispatchError reports a handler or job that failed or panicked
type DispatchError struct {
	Handler string
	Kind    string
	Err     error
	Panic   interface{}
}

func (e *DispatchError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %q (%s) panicked: %v", e.Handler, e.Kind, e.Panic)
	}
	return fmt.Sprintf("handler %q (%s) failed: %v", e.Handler, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// CorrelationMiss reports a reply whose sync id has no pending request
type CorrelationMiss struct {
	SyncID string
}

func (e *CorrelationMiss) Error() string {
	return fmt.Sprintf("no pending request for sync id %q", e.SyncID)
}

// NewProtocolError builds a ProtocolError
func NewProtocolError(op, detail string, err error) error {
	return &ProtocolError{Op: op, Detail: detail, Err: err}
}

// NewTransportError wraps err as a TransportError; nil stays nil
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// IsFatal reports whether err must abort Run
func IsFatal(err error) bool {
	var ae *AuthError
	var pe *ProtocolError
	return errors.As(err, &ae) || errors.As(err, &pe)
}

// IsTransient reports whether err is retried on the next tick
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an AuthError
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
