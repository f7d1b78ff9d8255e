package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotBound indicates associate was called before listen
	ErrNotBound = errors.New("transport not bound")
	// ErrBind indicates the listen socket could not be bound
	ErrBind = errors.New("bind failed")
	// ErrUnresolvedLocalAddress indicates the bound socket address has no peer address form
	ErrUnresolvedLocalAddress = errors.New("unresolved local address")
	// ErrInvalidAssociation indicates a malformed or unresolvable remote address
	ErrInvalidAssociation = errors.New("invalid association")
	// ErrConnectionRefused indicates the remote refused the connection
	ErrConnectionRefused = errors.New("connection refused")
	// ErrConnectionFailed indicates any other failure to open the outbound channel
	ErrConnectionFailed = errors.New("connection failed")
	// ErrHandshakeFailed indicates the encryption handshake did not complete
	ErrHandshakeFailed = errors.New("encryption handshake failed")
	// ErrAssociationCancelled indicates the associate call was cancelled
	ErrAssociationCancelled = errors.New("association cancelled")
	// ErrAlreadyListening indicates a second listen call
	ErrAlreadyListening = errors.New("transport already listening")
	// ErrShutdown indicates the engine is shutting down or closed
	ErrShutdown = errors.New("transport shut down")
)

// TransportError records a failed engine operation. It matches its Kind
// sentinel and its underlying cause with errors.Is.
type TransportError struct {
	Op   string
	Addr string
	Kind error
	Err  error
}

func newError(op, addr string, kind, cause error) *TransportError {
	return &TransportError{Op: op, Addr: addr, Kind: kind, Err: cause}
}

func (e *TransportError) Error() string {
	msg := e.Op
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the kind sentinel and the cause.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
