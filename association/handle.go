package association

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/assoctransport/address"
	"github.com/opd-ai/assoctransport/limits"
	"github.com/sirupsen/logrus"
)

var (
	// ErrListenerAlreadyRegistered indicates a second read listener registration
	ErrListenerAlreadyRegistered = errors.New("read listener already registered")

	// ErrNilListener indicates a nil read listener registration
	ErrNilListener = errors.New("read listener is nil")
)

// DisassociateTimeout bounds the flush performed by Handle.Disassociate.
const DisassociateTimeout = 5 * time.Second

// Handle is the upper layer's view of one association.
type Handle struct {
	localAddress  address.PeerAddress
	remoteAddress address.PeerAddress
	channel       Channel
	maxPayload    int
	listener      *Promise[HandleEventListener]
}

// NewHandle creates a handle with an empty read listener slot.
func NewHandle(local, remote address.PeerAddress, ch Channel, maxPayload int) *Handle {
	if maxPayload <= 0 {
		maxPayload = limits.MaxPayloadSize
	}
	return &Handle{
		localAddress:  local,
		remoteAddress: remote,
		channel:       ch,
		maxPayload:    maxPayload,
		listener:      NewPromise[HandleEventListener](),
	}
}

// LocalAddress returns the local peer address.
func (h *Handle) LocalAddress() address.PeerAddress {
	return h.localAddress
}

// RemoteAddress returns the remote peer address.
func (h *Handle) RemoteAddress() address.PeerAddress {
	return h.remoteAddress
}

// Channel returns the raw channel backing the handle.
func (h *Handle) Channel() Channel {
	return h.channel
}

// ListenerSlot exposes the single-assignment read listener slot.
func (h *Handle) ListenerSlot() *Promise[HandleEventListener] {
	return h.listener
}

// RegisterListener fills the read listener slot. Only the first call
// succeeds; inbound delivery starts after it returns.
func (h *Handle) RegisterListener(l HandleEventListener) error {
	if l == nil {
		return ErrNilListener
	}
	if !h.listener.TrySuccess(l) {
		return ErrListenerAlreadyRegistered
	}
	return nil
}

// Write sends one payload to the peer. It returns false when the payload is
// larger than the maximum payload size, or the channel is closed or above its
// write buffer high watermark.
func (h *Handle) Write(payload []byte) bool {
	if len(payload) > h.maxPayload {
		logrus.WithFields(logrus.Fields{
			"function":     "Handle.Write",
			"remote":       h.remoteAddress.String(),
			"payload_size": len(payload),
			"max_payload":  h.maxPayload,
		}).Warn("Dropping oversized payload")
		return false
	}
	if !h.channel.Writable() {
		return false
	}
	if err := h.channel.Write(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handle.Write",
			"remote":   h.remoteAddress.String(),
			"error":    err.Error(),
		}).Debug("Write failed")
		return false
	}
	return true
}

// Disassociate flushes pending writes and closes the association's channel.
func (h *Handle) Disassociate() {
	ctx, cancel := context.WithTimeout(context.Background(), DisassociateTimeout)
	defer cancel()

	if err := h.channel.Disconnect(ctx); err != nil && !errors.Is(err, ErrChannelClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "Handle.Disassociate",
			"remote":   h.remoteAddress.String(),
			"error":    err.Error(),
		}).Debug("Graceful disconnect failed")
	}
	_ = h.channel.Close()
}

// String returns a short description of the association.
func (h *Handle) String() string {
	return fmt.Sprintf("association[%s -> %s]", h.localAddress, h.remoteAddress)
}

// notifyDisassociated delivers the terminal event once a listener exists and
// attached is closed.
func (h *Handle) notifyDisassociated(cause error, attached <-chan struct{}) {
	ev := Disassociated{Info: InfoFor(cause), Err: cause}
	h.listener.OnSuccess(func(l HandleEventListener) {
		<-attached
		l.Notify(ev)
	})
}
