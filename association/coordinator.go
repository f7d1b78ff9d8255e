package association

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/assoctransport/address"
	"github.com/sirupsen/logrus"
)

// ErrUnresolvedAddress indicates a channel whose local or remote socket
// address could not be converted to a peer address.
var ErrUnresolvedAddress = errors.New("channel address could not be resolved")

// failedChannelCloseTimeout bounds the graceful close of a channel that
// failed its handshake.
const failedChannelCloseTimeout = 2 * time.Second

// Role says which side opened a channel.
type Role uint8

const (
	// RoleInbound channels were accepted by the local engine.
	RoleInbound Role = iota
	// RoleOutbound channels were opened by a local associate call.
	RoleOutbound
)

// String returns a human-readable representation of the Role.
func (r Role) String() string {
	switch r {
	case RoleInbound:
		return "inbound"
	case RoleOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Scheme is the scheme identifier stamped on every peer address.
	Scheme string
	// SystemName is the logical system name of the local engine.
	SystemName string
	// Hostname replaces the OS-reported host of local addresses when set.
	Hostname string
	// MaxPayloadSize bounds handle writes.
	MaxPayloadSize int
	// Binder supplies the wire-mode specific operations.
	Binder Binder
}

// Handshake describes one freshly opened channel.
type Handshake struct {
	Channel Channel
	Remote  net.Addr
	Role    Role
	// FirstMessage is a payload read before the handle existed. It is held
	// and delivered before any further data.
	FirstMessage []byte
	// RemoteSystem and RemoteHost override the remote peer address fields;
	// outbound channels set them from the requested address.
	RemoteSystem string
	RemoteHost   string
	// Outbound receives the handle of an outbound channel.
	Outbound *Promise[*Handle]
}

// Coordinator converts opened channels into association handles.
type Coordinator struct {
	cfg     CoordinatorConfig
	inbound *Promise[AssociationEventListener]
}

// NewCoordinator creates a coordinator with an empty inbound listener slot.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		inbound: NewPromise[AssociationEventListener](),
	}
}

// InboundListenerSlot is filled by the upper layer once it is ready to
// receive inbound associations.
func (c *Coordinator) InboundListenerSlot() *Promise[AssociationEventListener] {
	return c.inbound
}

// CompleteHandshake drives the association lifecycle for one channel. It
// never blocks; results are reported through the inbound listener slot or
// the outbound promise.
func (c *Coordinator) CompleteHandshake(hs Handshake) {
	ch := hs.Channel
	c.cfg.Binder.PauseReadable(ch, hs.Remote)

	local, remote, err := c.resolveAddresses(hs)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Coordinator.CompleteHandshake",
			"role":       hs.Role.String(),
			"channel_id": ch.ID(),
			"error":      err.Error(),
		}).Warn("Closing channel with unresolvable address")

		go closeGracefully(ch)
		if hs.Outbound != nil {
			hs.Outbound.TryFailure(err)
		}
		return
	}

	h := NewHandle(local, remote, ch, c.cfg.MaxPayloadSize)
	first := hs.FirstMessage
	attached := make(chan struct{})

	h.listener.OnSuccess(func(l HandleEventListener) {
		defer close(attached)
		if first != nil {
			l.Notify(InboundPayload{Payload: first})
		}
		c.cfg.Binder.AttachListener(h, l)
		c.cfg.Binder.ResumeReadable(h)

		logrus.WithFields(logrus.Fields{
			"function":   "Coordinator.CompleteHandshake",
			"role":       hs.Role.String(),
			"channel_id": ch.ID(),
			"remote":     remote.String(),
		}).Debug("Read listener attached, channel resumed")
	})

	go func() {
		<-ch.Done()
		if d, ok := ch.(Drainer); ok {
			<-d.Drained()
		}
		h.notifyDisassociated(ch.Err(), attached)
	}()

	switch hs.Role {
	case RoleInbound:
		c.inbound.OnComplete(func(l AssociationEventListener, err error) {
			if err != nil {
				_ = ch.Close()
				return
			}
			l.Notify(InboundAssociation{Handle: h})
		})
	case RoleOutbound:
		if hs.Outbound == nil || !hs.Outbound.TrySuccess(h) {
			// The associate call was cancelled while the channel opened.
			logrus.WithFields(logrus.Fields{
				"function":   "Coordinator.CompleteHandshake",
				"channel_id": ch.ID(),
				"remote":     remote.String(),
			}).Debug("Outbound association no longer awaited, closing channel")
			_ = ch.Close()
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Coordinator.CompleteHandshake",
		"role":       hs.Role.String(),
		"channel_id": ch.ID(),
		"local":      local.String(),
		"remote":     remote.String(),
	}).Debug("Association handle created")
}

func (c *Coordinator) resolveAddresses(hs Handshake) (address.PeerAddress, address.PeerAddress, error) {
	local, ok := address.ToPeerAddress(hs.Channel.LocalAddr(), c.cfg.Scheme, c.cfg.SystemName, c.cfg.Hostname)
	if !ok {
		return address.PeerAddress{}, address.PeerAddress{},
			fmt.Errorf("%w: local %v", ErrUnresolvedAddress, hs.Channel.LocalAddr())
	}

	system := hs.RemoteSystem
	if system == "" {
		system = c.cfg.SystemName
	}
	remote, ok := address.ToPeerAddress(hs.Remote, c.cfg.Scheme, system, hs.RemoteHost)
	if !ok {
		return address.PeerAddress{}, address.PeerAddress{},
			fmt.Errorf("%w: remote %v", ErrUnresolvedAddress, hs.Remote)
	}
	return local, remote, nil
}

// closeGracefully half-closes then fully closes a channel.
func closeGracefully(ch Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), failedChannelCloseTimeout)
	defer cancel()
	_ = ch.Disconnect(ctx)
	_ = ch.Close()
}
