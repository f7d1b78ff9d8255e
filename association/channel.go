package association

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrChannelClosed indicates a write or disconnect on a closed channel
	ErrChannelClosed = errors.New("channel closed")

	// ErrTransportShutdown is the close cause of channels torn down by engine shutdown
	ErrTransportShutdown = errors.New("transport shutting down")
)

// Channel is one open raw channel. Stream transports back it with a
// connection; datagram transports with a virtual per-peer view of the shared
// socket.
type Channel interface {
	// ID identifies the channel within its engine.
	ID() uint64

	// LocalAddr returns the local socket address.
	LocalAddr() net.Addr

	// RemoteAddr returns the peer's socket address.
	RemoteAddr() net.Addr

	// Write queues one payload for the peer.
	Write(payload []byte) error

	// Writable reports whether the channel is open and below its write
	// buffer high watermark.
	Writable() bool

	// Disconnect stops accepting writes, flushes what is queued and closes
	// the write side. It does not release the channel; call Close.
	Disconnect(ctx context.Context) error

	// Close releases the channel. It is safe to call more than once.
	Close() error

	// Done is closed once the channel is closed.
	Done() <-chan struct{}

	// Err returns the close cause, nil for an orderly close.
	Err() error
}

// Drainer is implemented by channels that may still be delivering inbound
// payloads after Done is closed. Drained is closed after the last delivery.
type Drainer interface {
	Drained() <-chan struct{}
}

// Binder is the wire-mode capability set the Coordinator drives.
type Binder interface {
	// PauseReadable stops inbound delivery from remote on ch.
	PauseReadable(ch Channel, remote net.Addr)

	// AttachListener routes all subsequent inbound payloads for h to l.
	AttachListener(h *Handle, l HandleEventListener)

	// ResumeReadable lets inbound data for h flow. Resuming an already
	// readable channel is a no-op.
	ResumeReadable(h *Handle)
}
