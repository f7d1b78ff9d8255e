package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/assoctransport/association"
	"github.com/opd-ai/assoctransport/limits"
	"github.com/opd-ai/assoctransport/session"
	"github.com/sirupsen/logrus"
)

// datagramSocket owns the shared packet socket and demultiplexes inbound
// datagrams by sender through the session table.
type datagramSocket struct {
	conn       net.PacketConn
	table      *session.Table
	maxPayload int
	onUnknown  func(remote *net.UDPAddr, payload []byte)

	done      chan struct{}
	closeOnce sync.Once
}

func newDatagramSocket(conn net.PacketConn, table *session.Table, maxPayload int,
	onUnknown func(*net.UDPAddr, []byte),
) *datagramSocket {
	return &datagramSocket{
		conn:       conn,
		table:      table,
		maxPayload: maxPayload,
		onUnknown:  onUnknown,
		done:       make(chan struct{}),
	}
}

// ID implements registry.Channel. The socket is the only member of its group.
func (s *datagramSocket) ID() uint64 { return 0 }

// Disconnect implements registry.Channel; datagrams have nothing to flush.
func (s *datagramSocket) Disconnect(context.Context) error { return nil }

// Close closes the shared socket, ending the read loop.
func (s *datagramSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// readLoop receives datagrams until the socket closes.
func (s *datagramSocket) readLoop() {
	buf := make([]byte, limits.DatagramReadBuffer)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "datagramSocket.readLoop",
				"error":    err.Error(),
			}).Debug("Datagram read failed")
			continue
		}
		s.handle(addr, buf[:n])
	}
}

func (s *datagramSocket) handle(addr net.Addr, data []byte) {
	if len(data) > s.maxPayload {
		logrus.WithFields(logrus.Fields{
			"function": "datagramSocket.handle",
			"remote":   addr.String(),
			"size":     len(data),
			"max_size": s.maxPayload,
		}).Warn("Dropping oversized datagram")
		return
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	if s.table.Dispatch(addr, payload) {
		return
	}

	remote, ok := addr.(*net.UDPAddr)
	if !ok || s.onUnknown == nil {
		return
	}
	s.onUnknown(remote, payload)
}

// datagramChannel is a per-peer view of the shared socket.
type datagramChannel struct {
	id         uint64
	socket     *datagramSocket
	remote     *net.UDPAddr
	maxPayload int
	shutting   *atomic.Bool
	onClose    func(*datagramChannel)

	// deliverMu is held while a payload is handed to the read listener.
	deliverMu sync.Mutex
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newDatagramChannel(id uint64, socket *datagramSocket, remote *net.UDPAddr,
	maxPayload int, shutting *atomic.Bool, onClose func(*datagramChannel),
) *datagramChannel {
	return &datagramChannel{
		id:         id,
		socket:     socket,
		remote:     remote,
		maxPayload: maxPayload,
		shutting:   shutting,
		onClose:    onClose,
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
	}
}

// ID implements association.Channel.
func (c *datagramChannel) ID() uint64 { return c.id }

// LocalAddr implements association.Channel.
func (c *datagramChannel) LocalAddr() net.Addr { return c.socket.conn.LocalAddr() }

// RemoteAddr implements association.Channel.
func (c *datagramChannel) RemoteAddr() net.Addr { return c.remote }

// Done implements association.Channel.
func (c *datagramChannel) Done() <-chan struct{} { return c.done }

// Drained implements association.Drainer. It is closed once the channel is
// closed and no payload is being handed to the read listener.
func (c *datagramChannel) Drained() <-chan struct{} { return c.drained }

// Err implements association.Channel.
func (c *datagramChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *datagramChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Write sends payload as one datagram.
func (c *datagramChannel) Write(payload []byte) error {
	if c.closed() {
		return association.ErrChannelClosed
	}
	if err := limits.ValidatePayloadSize(len(payload), c.maxPayload); err != nil {
		return err
	}
	_, err := c.socket.conn.WriteTo(payload, c.remote)
	return err
}

// Writable reports whether the channel is open.
func (c *datagramChannel) Writable() bool {
	return !c.closed()
}

// Disconnect implements association.Channel; each datagram is sent on Write.
func (c *datagramChannel) Disconnect(context.Context) error {
	if c.closed() {
		return association.ErrChannelClosed
	}
	return nil
}

// Close drops the peer's session entry. The shared socket stays open.
func (c *datagramChannel) Close() error {
	c.closeOnce.Do(func() {
		var cause error
		if c.shutting != nil && c.shutting.Load() {
			cause = association.ErrTransportShutdown
		}
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		c.socket.table.Remove(c.remote, c.id)
		close(c.done)
		go func() {
			// An in-flight delivery finishes before drained closes.
			c.deliverMu.Lock()
			defer c.deliverMu.Unlock()
			close(c.drained)
		}()

		logrus.WithFields(logrus.Fields{
			"function":   "datagramChannel.Close",
			"channel_id": c.id,
			"remote":     c.remote.String(),
		}).Debug("Virtual channel closed")

		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return nil
}

// channelListener forwards payloads to the read listener of an open channel.
type channelListener struct {
	ch *datagramChannel
	l  association.HandleEventListener
}

func (cl channelListener) Notify(ev association.HandleEvent) {
	cl.ch.deliverMu.Lock()
	defer cl.ch.deliverMu.Unlock()
	if cl.ch.closed() {
		return
	}
	cl.l.Notify(ev)
}

// datagramBinder drives the session table on behalf of the coordinator.
type datagramBinder struct {
	table *session.Table
}

func (b datagramBinder) PauseReadable(ch association.Channel, remote net.Addr) {
	if !b.table.Reserve(remote, ch.ID()) {
		logrus.WithFields(logrus.Fields{
			"function":   "datagramBinder.PauseReadable",
			"channel_id": ch.ID(),
			"remote":     session.Key(remote),
		}).Debug("Peer already has a session, new association will replace it on bind")
	}
}

// AttachListener binds l to the peer, handing over the datagrams held while
// the association had no listener.
func (b datagramBinder) AttachListener(h *association.Handle, l association.HandleEventListener) {
	ch := h.Channel()
	select {
	case <-ch.Done():
		return
	default:
	}
	if dc, ok := ch.(*datagramChannel); ok {
		l = channelListener{ch: dc, l: l}
	}
	b.table.Bind(ch.RemoteAddr(), ch.ID(), l)

	// Close may have run between the check and Bind.
	select {
	case <-ch.Done():
		b.table.Remove(ch.RemoteAddr(), ch.ID())
	default:
	}
}

// ResumeReadable is a no-op: Bind has already released the held datagrams
// and routes live traffic.
func (datagramBinder) ResumeReadable(*association.Handle) {}
