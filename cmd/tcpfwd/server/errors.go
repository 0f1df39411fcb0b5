package server

import "fmt"

// ListenError is a bind/listen failure, fatal at startup
type ListenError struct {
	Address string
	Err     error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("unable to listen on %s: %s", e.Address, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }

// AcceptError is a non-transient accept failure, the listener keeps going
type AcceptError struct {
	Port uint16
	Err  error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("port %d: failed to accept connection: %s", e.Port, e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// ConnectError is a failure to reach the backend, only the affected
// inbound connection is closed
type ConnectError struct {
	Backend string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to backend %s: %s", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RelayError is a mid-stream failure, the pair is closed
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }
