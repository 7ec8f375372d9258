package transport

import (
	"fmt"
)

// TransportError wraps a connection-level failure: the request could not be
// sent, the server answered with a non-2xx status, or the stream broke while
// reading.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is an error reported by the backend inside a well-formed
// terminal frame. The message is passed through as received.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}
