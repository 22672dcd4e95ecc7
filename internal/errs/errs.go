// Package errs contains the error taxonomy shared by the session core:
// auth, connection, API and invocation failures, plus stable sentinels.
package errs

import (
	"errors"
	"fmt"
)

// Sentinels used across layers.
var (
	// ErrNotConnected is returned by invocations attempted outside the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost fails invocations that were in flight when the connection dropped.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectExhausted is reported when the reconnect schedule gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrStopped is returned once the transport or session was stopped explicitly.
	ErrStopped = errors.New("stopped")

	// ErrNoIdentity indicates the host application returned no identity.
	ErrNoIdentity = errors.New("no identity available")

	// ErrInvalidEvent marks a hub frame whose shape does not match its event name.
	ErrInvalidEvent = errors.New("invalid event")
)

// AuthError is an identity or token acquisition failure. Identity failures are
// fatal, token failures degrade the session.
type AuthError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError means the hub is unreachable or the connection dropped.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("hub %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is a failed directory, history or calendar HTTP call.
type APIError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api %s: status %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("api %s: %v", e.Endpoint, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// InvocationError is a failed hub method call.
type InvocationError struct {
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Method, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
