package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/assoctransport/address"
	"github.com/opd-ai/assoctransport/association"
	"github.com/opd-ai/assoctransport/config"
	"github.com/opd-ai/assoctransport/framing"
	"github.com/opd-ai/assoctransport/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newTestEngine(t *testing.T, mutate func(*config.Options)) *Engine {
	t.Helper()
	opts := config.NewOptions()
	opts.SystemName = "test"
	opts.ConnectionTimeout = testTimeout
	if mutate != nil {
		mutate(opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// inboundCollector surfaces inbound handles on a channel.
type inboundCollector chan *association.Handle

func (c inboundCollector) Notify(ev association.AssociationEvent) {
	if ia, ok := ev.(association.InboundAssociation); ok {
		c <- ia.Handle
	}
}

// handleEvents surfaces payloads and disassociations on channels.
type handleEvents struct {
	payloads      chan []byte
	disassociated chan association.Disassociated
}

func newHandleEvents() *handleEvents {
	return &handleEvents{
		payloads:      make(chan []byte, 64),
		disassociated: make(chan association.Disassociated, 1),
	}
}

func (h *handleEvents) Notify(ev association.HandleEvent) {
	switch e := ev.(type) {
	case association.InboundPayload:
		h.payloads <- e.Payload
	case association.Disassociated:
		h.disassociated <- e
	}
}

func (h *handleEvents) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-h.payloads:
		return p
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func (h *handleEvents) waitDisassociated(t *testing.T) association.Disassociated {
	t.Helper()
	select {
	case d := <-h.disassociated:
		return d
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for disassociation")
		return association.Disassociated{}
	}
}

func listen(t *testing.T, e *Engine) (address.PeerAddress, inboundCollector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	local, slot, err := e.Listen(ctx)
	require.NoError(t, err)
	inbound := make(inboundCollector, 8)
	require.True(t, slot.TrySuccess(inbound))
	return local, inbound
}

func waitInbound(t *testing.T, inbound inboundCollector) *association.Handle {
	t.Helper()
	select {
	case h := <-inbound:
		return h
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for inbound association")
		return nil
	}
}

func associate(t *testing.T, e *Engine, remote address.PeerAddress) *association.Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	h, err := e.Associate(ctx, remote)
	require.NoError(t, err)
	return h
}

func TestListenAssociateSwappedAddresses(t *testing.T) {
	modes := []struct {
		name      string
		mode      string
		encrypted bool
	}{
		{"tcp", address.ModeTCP, false},
		{"noise.tcp", address.ModeTCP, true},
		{"udp", address.ModeUDP, false},
	}

	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			configure := func(o *config.Options) {
				o.Mode = m.mode
				o.EncryptionEnabled = m.encrypted
			}
			server := newTestEngine(t, configure)
			client := newTestEngine(t, configure)

			serverAddr, inbound := listen(t, server)
			_, _ = listen(t, client)
			assert.Equal(t, m.name, serverAddr.Scheme)
			assert.Equal(t, StateBound, server.State())

			outbound := associate(t, client, serverAddr)
			clientEvents := newHandleEvents()
			require.NoError(t, outbound.RegisterListener(clientEvents))
			require.True(t, outbound.Write([]byte("ping")))

			accepted := waitInbound(t, inbound)
			serverEvents := newHandleEvents()
			require.NoError(t, accepted.RegisterListener(serverEvents))

			assert.Equal(t, outbound.LocalAddress(), accepted.RemoteAddress())
			assert.Equal(t, outbound.RemoteAddress(), accepted.LocalAddress())
			assert.Equal(t, serverAddr, outbound.RemoteAddress())

			assert.Equal(t, []byte("ping"), serverEvents.next(t))
			require.True(t, accepted.Write([]byte("pong")))
			assert.Equal(t, []byte("pong"), clientEvents.next(t))
		})
	}
}

func TestPayloadsArriveInOrder(t *testing.T) {
	server := newTestEngine(t, nil)
	client := newTestEngine(t, nil)
	serverAddr, inbound := listen(t, server)
	listen(t, client)

	outbound := associate(t, client, serverAddr)
	for i := 0; i < 50; i++ {
		require.True(t, outbound.Write([]byte{byte(i)}))
	}

	accepted := waitInbound(t, inbound)
	events := newHandleEvents()
	require.NoError(t, accepted.RegisterListener(events))
	for i := 0; i < 50; i++ {
		assert.Equal(t, []byte{byte(i)}, events.next(t))
	}
}

func TestNoDeliveryBeforeRegistration(t *testing.T) {
	server := newTestEngine(t, nil)
	client := newTestEngine(t, nil)
	serverAddr, inbound := listen(t, server)
	listen(t, client)

	outbound := associate(t, client, serverAddr)
	require.True(t, outbound.Write([]byte("early")))

	accepted := waitInbound(t, inbound)
	time.Sleep(100 * time.Millisecond)

	events := newHandleEvents()
	require.NoError(t, accepted.RegisterListener(events))
	assert.Equal(t, []byte("early"), events.next(t), "payload held until a listener exists")
	assert.ErrorIs(t, accepted.RegisterListener(newHandleEvents()), association.ErrListenerAlreadyRegistered)
}

func TestMaxPayloadBoundary(t *testing.T) {
	server := newTestEngine(t, nil)
	client := newTestEngine(t, nil)
	serverAddr, inbound := listen(t, server)
	listen(t, client)

	outbound := associate(t, client, serverAddr)
	maxPayload := bytes.Repeat([]byte{0x5A}, limits.MaxPayloadSize)
	require.True(t, outbound.Write(maxPayload))
	assert.False(t, outbound.Write(make([]byte, limits.MaxPayloadSize+1)))

	accepted := waitInbound(t, inbound)
	events := newHandleEvents()
	require.NoError(t, accepted.RegisterListener(events))
	assert.Equal(t, maxPayload, events.next(t))
}

func TestOversizedFrameClosesOnlyThatChannel(t *testing.T) {
	server := newTestEngine(t, nil)
	serverAddr, inbound := listen(t, server)

	bad, err := net.Dial("tcp", serverAddr.HostPort())
	require.NoError(t, err)
	defer bad.Close()
	good, err := net.Dial("tcp", serverAddr.HostPort())
	require.NoError(t, err)
	defer good.Close()

	first := waitInbound(t, inbound)
	second := waitInbound(t, inbound)
	byRemote := map[string]*handleEvents{}
	for _, h := range []*association.Handle{first, second} {
		ev := newHandleEvents()
		require.NoError(t, h.RegisterListener(ev))
		byRemote[h.Channel().RemoteAddr().String()] = ev
	}

	header := make([]byte, limits.LengthFieldSize)
	binary.BigEndian.PutUint32(header, limits.MaxPayloadSize+1)
	_, err = bad.Write(header)
	require.NoError(t, err)

	badEvents := byRemote[bad.LocalAddr().String()]
	require.NotNil(t, badEvents)
	d := badEvents.waitDisassociated(t)
	assert.ErrorIs(t, d.Err, framing.ErrFrameTooLarge)

	require.NoError(t, framing.WriteFrame(good, []byte("still here")))
	goodEvents := byRemote[good.LocalAddr().String()]
	require.NotNil(t, goodEvents)
	assert.Equal(t, []byte("still here"), goodEvents.next(t))
}

func TestAssociateBeforeListen(t *testing.T) {
	e := newTestEngine(t, nil)
	remote := address.PeerAddress{Scheme: "tcp", System: "test", Host: "127.0.0.1", Port: 1}

	_, err := e.Associate(context.Background(), remote)
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestEncryptedDatagramRejected(t *testing.T) {
	opts := config.NewOptions()
	opts.Mode = address.ModeUDP
	opts.EncryptionEnabled = true

	e, err := New(opts)
	assert.Nil(t, e)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestAssociateInvalidAddress(t *testing.T) {
	e := newTestEngine(t, nil)
	listen(t, e)

	tests := []struct {
		name   string
		remote address.PeerAddress
	}{
		{"port out of range", address.PeerAddress{Scheme: "tcp", System: "test", Host: "127.0.0.1", Port: 70000}},
		{"empty host", address.PeerAddress{Scheme: "tcp", System: "test", Port: 2552}},
		{"port zero", address.PeerAddress{Scheme: "tcp", System: "test", Host: "127.0.0.1", Port: 0}},
		{"scheme mismatch", address.PeerAddress{Scheme: "udp", System: "test", Host: "127.0.0.1", Port: 2552}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Associate(context.Background(), tt.remote)
			assert.ErrorIs(t, err, ErrInvalidAssociation)
		})
	}
}

func TestAssociateConnectionRefused(t *testing.T) {
	e := newTestEngine(t, nil)
	listen(t, e)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, err = e.Associate(context.Background(),
		address.PeerAddress{Scheme: "tcp", System: "test", Host: "127.0.0.1", Port: port})
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestAssociateCancelled(t *testing.T) {
	configure := func(o *config.Options) { o.EncryptionEnabled = true }
	server := newTestEngine(t, configure)
	client := newTestEngine(t, configure)

	// No inbound listener: the server never accepts, so the handshake stalls.
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	serverAddr, _, err := server.Listen(ctx)
	require.NoError(t, err)
	listen(t, client)

	assocCtx, assocCancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, assocCancel)

	_, err = client.Associate(assocCtx, serverAddr)
	assert.ErrorIs(t, err, ErrAssociationCancelled)
}

func TestListenErrors(t *testing.T) {
	first := newTestEngine(t, nil)
	addr, _ := listen(t, first)

	_, _, err := first.Listen(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyListening)

	second := newTestEngine(t, func(o *config.Options) { o.Port = addr.Port })
	_, _, err = second.Listen(context.Background())
	assert.ErrorIs(t, err, ErrBind)
	assert.Equal(t, StateCreated, second.State())
}

func TestDatagramRouting(t *testing.T) {
	server := newTestEngine(t, func(o *config.Options) { o.Mode = address.ModeUDP })
	serverAddr, inbound := listen(t, server)

	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	target, err := net.ResolveUDPAddr("udp", serverAddr.HostPort())
	require.NoError(t, err)

	_, err = peer.WriteTo(make([]byte, limits.MaxPayloadSize+1), target)
	require.NoError(t, err)
	select {
	case <-inbound:
		t.Fatal("oversized datagram opened an association")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = peer.WriteTo([]byte("hello"), target)
	require.NoError(t, err)
	h := waitInbound(t, inbound)
	events := newHandleEvents()
	require.NoError(t, h.RegisterListener(events))
	assert.Equal(t, []byte("hello"), events.next(t), "first datagram is the first message")

	_, err = peer.WriteTo([]byte("again"), target)
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), events.next(t))

	require.True(t, h.Write([]byte("reply")))
	buf := make([]byte, 64)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(testTimeout)))
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))

	h.Disassociate()
	assert.Equal(t, 0, server.table.Len())
}

func udpPeer(t *testing.T, server address.PeerAddress) (net.PacketConn, *net.UDPAddr) {
	t.Helper()
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	target, err := net.ResolveUDPAddr("udp", server.HostPort())
	require.NoError(t, err)
	return peer, target
}

func TestDatagramsHeldUntilHandleListener(t *testing.T) {
	server := newTestEngine(t, func(o *config.Options) { o.Mode = address.ModeUDP })
	serverAddr, inbound := listen(t, server)
	peer, target := udpPeer(t, serverAddr)

	_, err := peer.WriteTo([]byte("one"), target)
	require.NoError(t, err)
	h := waitInbound(t, inbound)

	for _, p := range []string{"two", "three"} {
		_, err = peer.WriteTo([]byte(p), target)
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		return server.table.Pending(peer.LocalAddr()) == 2
	}, testTimeout, 10*time.Millisecond, "datagrams are held while the handle has no listener")

	events := newHandleEvents()
	require.NoError(t, h.RegisterListener(events))
	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, string(events.next(t)))
	}

	_, err = peer.WriteTo([]byte("four"), target)
	require.NoError(t, err)
	assert.Equal(t, "four", string(events.next(t)))
}

func TestDatagramBeforeInboundListener(t *testing.T) {
	server := newTestEngine(t, func(o *config.Options) { o.Mode = address.ModeUDP })
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	serverAddr, slot, err := server.Listen(ctx)
	require.NoError(t, err)
	peer, target := udpPeer(t, serverAddr)

	_, err = peer.WriteTo([]byte("early"), target)
	require.NoError(t, err)
	_, err = peer.WriteTo([]byte("second"), target)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, server.table.Len(), "socket is not read before the inbound listener is set")

	inbound := make(inboundCollector, 8)
	require.True(t, slot.TrySuccess(inbound))
	h := waitInbound(t, inbound)

	events := newHandleEvents()
	require.NoError(t, h.RegisterListener(events))
	assert.Equal(t, "early", string(events.next(t)))
	assert.Equal(t, "second", string(events.next(t)))
}

// terminalListener records protocol violations of the handle event stream.
type terminalListener struct {
	active     atomic.Int32
	terminated atomic.Bool
	overlap    atomic.Bool
	late       atomic.Bool
	payloads   atomic.Int64
	done       chan struct{}
}

func newTerminalListener() *terminalListener {
	return &terminalListener{done: make(chan struct{})}
}

func (l *terminalListener) Notify(ev association.HandleEvent) {
	if l.active.Add(1) > 1 {
		l.overlap.Store(true)
	}
	defer l.active.Add(-1)
	if l.terminated.Load() {
		l.late.Store(true)
	}
	switch ev.(type) {
	case association.InboundPayload:
		l.payloads.Add(1)
		time.Sleep(50 * time.Microsecond)
	case association.Disassociated:
		l.terminated.Store(true)
		close(l.done)
	}
}

func (l *terminalListener) check(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for disassociation")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Positive(t, l.payloads.Load())
	assert.False(t, l.overlap.Load(), "listener notified concurrently")
	assert.False(t, l.late.Load(), "payload delivered after Disassociated")
}

func TestLocalCloseWhileStreaming(t *testing.T) {
	server := newTestEngine(t, nil)
	client := newTestEngine(t, nil)
	serverAddr, inbound := listen(t, server)
	listen(t, client)

	outbound := associate(t, client, serverAddr)
	require.NoError(t, outbound.RegisterListener(newHandleEvents()))
	accepted := waitInbound(t, inbound)
	l := newTerminalListener()
	require.NoError(t, accepted.RegisterListener(l))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		payload := bytes.Repeat([]byte("s"), 256)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if !outbound.Write(payload) {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	assert.Eventually(t, func() bool { return l.payloads.Load() > 20 }, testTimeout, 5*time.Millisecond)
	accepted.Disassociate()
	l.check(t)
}

func TestDatagramLocalCloseWhileStreaming(t *testing.T) {
	server := newTestEngine(t, func(o *config.Options) { o.Mode = address.ModeUDP })
	serverAddr, inbound := listen(t, server)
	peer, target := udpPeer(t, serverAddr)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = peer.WriteTo([]byte("d"), target)
			time.Sleep(100 * time.Microsecond)
		}
	}()

	h := waitInbound(t, inbound)
	l := newTerminalListener()
	require.NoError(t, h.RegisterListener(l))

	assert.Eventually(t, func() bool { return l.payloads.Load() > 20 }, testTimeout, 5*time.Millisecond)
	h.Disassociate()
	l.check(t)
}

func TestShutdownWipesStaticKey(t *testing.T) {
	e := newTestEngine(t, func(o *config.Options) { o.EncryptionEnabled = true })
	listen(t, e)
	public, ok := e.PublicKey()
	require.True(t, ok)
	require.False(t, e.keys.Wiped())

	require.NoError(t, e.Shutdown(context.Background()))
	assert.True(t, e.keys.Wiped())
	after, _ := e.PublicKey()
	assert.Equal(t, public, after)
}

func TestShutdown(t *testing.T) {
	server := newTestEngine(t, nil)
	client := newTestEngine(t, nil)
	serverAddr, inbound := listen(t, server)
	listen(t, client)

	outbound := associate(t, client, serverAddr)
	clientEvents := newHandleEvents()
	require.NoError(t, outbound.RegisterListener(clientEvents))

	accepted := waitInbound(t, inbound)
	serverEvents := newHandleEvents()
	require.NoError(t, accepted.RegisterListener(serverEvents))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.Equal(t, StateClosed, server.State())

	d := serverEvents.waitDisassociated(t)
	assert.Equal(t, association.DisassociateShutdown, d.Info)
	clientEvents.waitDisassociated(t)

	assert.NoError(t, server.Shutdown(ctx), "shutdown is idempotent")
	assert.Equal(t, 0, server.channels.Len())

	_, _, err := server.Listen(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = server.Associate(ctx, serverAddr)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownUnboundEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, StateClosed, e.State())
}
