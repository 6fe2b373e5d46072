package grbl

import (
	"errors"
	"fmt"
)

var (
	ErrConnection       = errors.New("grbl: connection error")
	ErrTransport        = errors.New("grbl: transport error")
	ErrNotConnected     = errors.New("grbl: link is not connected")
	ErrHandshakeTimeout = errors.New("grbl: device did not answer within the handshake timeout")
)

// ConnectionError is returned when the serial port cannot be opened or the
// device never greets us.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to GRBL device on %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// TransportError is returned when a write fails or the link dropped.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("serial %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }
