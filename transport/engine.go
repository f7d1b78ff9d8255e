package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opd-ai/assoctransport/address"
	"github.com/opd-ai/assoctransport/association"
	"github.com/opd-ai/assoctransport/config"
	"github.com/opd-ai/assoctransport/crypto"
	"github.com/opd-ai/assoctransport/limits"
	"github.com/opd-ai/assoctransport/noise"
	"github.com/opd-ai/assoctransport/registry"
	"github.com/opd-ai/assoctransport/session"
	"github.com/sirupsen/logrus"
)

const acceptRetryDelay = 50 * time.Millisecond

// State is the lifecycle state of an Engine.
type State int32

const (
	// StateCreated is a constructed engine that has not bound a socket.
	StateCreated State = iota
	// StateBound is a listening engine.
	StateBound
	// StateShuttingDown is an engine tearing down its channels.
	StateShuttingDown
	// StateClosed is a fully shut down engine.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine owns one bound socket and every association opened through it.
type Engine struct {
	opts    *config.Options
	scheme  string
	keys    *crypto.KeyPair
	trusted [][32]byte

	coordinator *association.Coordinator
	table       *session.Table
	channels    *registry.Group
	servers     *registry.Group
	serverPool  *workerPool
	clientPool  *workerPool

	nextID       atomic.Uint64
	shuttingDown atomic.Bool

	mu           sync.Mutex
	state        State
	localAddress address.PeerAddress
	socket       *datagramSocket

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownDone chan struct{}
}

// New validates opts and creates an unbound engine.
func New(opts *config.Options) (*Engine, error) {
	if opts == nil {
		opts = config.NewOptions()
	}
	if err := opts.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"error":    err.Error(),
		}).Error("Invalid transport configuration")
		return nil, err
	}

	e := &Engine{
		opts:         opts,
		scheme:       opts.Scheme(),
		table:        session.NewTable(),
		channels:     registry.NewGroup("associations"),
		servers:      registry.NewGroup("listeners"),
		serverPool:   newWorkerPool("server", opts.ServerSocketWorkerPoolSize),
		clientPool:   newWorkerPool("client", opts.ClientSocketWorkerPoolSize),
		shutdownDone: make(chan struct{}),
	}

	if opts.EncryptionEnabled {
		keys, err := opts.StaticKeyPair()
		if err != nil {
			return nil, err
		}
		trusted, err := opts.TrustedKeys()
		if err != nil {
			return nil, err
		}
		e.keys, e.trusted = keys, trusted
	}

	var binder association.Binder = streamBinder{}
	if opts.Mode == address.ModeUDP {
		binder = datagramBinder{table: e.table}
	}
	e.coordinator = association.NewCoordinator(association.CoordinatorConfig{
		Scheme:         e.scheme,
		SystemName:     opts.SystemName,
		Hostname:       opts.Hostname,
		MaxPayloadSize: limits.MaxPayloadSize,
		Binder:         binder,
	})
	e.ctx, e.cancel = context.WithCancel(context.Background())

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"scheme":     e.scheme,
		"system":     opts.SystemName,
		"dispatcher": opts.Dispatcher,
	}).Info("Transport engine created")
	return e, nil
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LocalAddress returns the bound address, zero before Listen.
func (e *Engine) LocalAddress() address.PeerAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localAddress
}

// SchemeIdentifier returns the address scheme of this engine.
func (e *Engine) SchemeIdentifier() string {
	return e.scheme
}

// MaxPayloadSize returns the largest payload a handle accepts.
func (e *Engine) MaxPayloadSize() int {
	return limits.MaxPayloadSize
}

// PublicKey returns the static public key, or false when encryption is off.
func (e *Engine) PublicKey() ([32]byte, bool) {
	if e.keys == nil {
		return [32]byte{}, false
	}
	return e.keys.Public, true
}

// Listen binds the configured hostname and port. Inbound associations are
// reported to the listener placed in the returned slot; none are accepted
// before it is filled.
func (e *Engine) Listen(ctx context.Context) (address.PeerAddress, *association.Promise[association.AssociationEventListener], error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateBound:
		return address.PeerAddress{}, nil, newError("listen", e.localAddress.String(), ErrAlreadyListening, nil)
	case StateShuttingDown, StateClosed:
		return address.PeerAddress{}, nil, newError("listen", "", ErrShutdown, nil)
	}

	bindAddr := net.JoinHostPort(e.opts.Hostname, strconv.Itoa(e.opts.Port))
	lc := net.ListenConfig{}

	var raw net.Addr
	var server registry.Channel
	if e.opts.Mode == address.ModeUDP {
		pc, err := lc.ListenPacket(ctx, "udp", bindAddr)
		if err != nil {
			return address.PeerAddress{}, nil, newError("listen", bindAddr, ErrBind, err)
		}
		applyBufferSizes(pc, e.opts.SendBufferSize, e.opts.ReceiveBufferSize)
		e.socket = newDatagramSocket(pc, e.table, limits.MaxPayloadSize, e.onUnknownPeer)
		raw, server = pc.LocalAddr(), e.socket
	} else {
		l, err := lc.Listen(ctx, "tcp", bindAddr)
		if err != nil {
			return address.PeerAddress{}, nil, newError("listen", bindAddr, ErrBind, err)
		}
		raw, server = l.Addr(), &streamListener{Listener: l}
	}

	local, ok := address.ToPeerAddress(raw, e.scheme, e.opts.SystemName, e.opts.Hostname)
	if !ok {
		_ = server.Close()
		return address.PeerAddress{}, nil, newError("listen", raw.String(), ErrUnresolvedLocalAddress, nil)
	}

	e.localAddress = local
	e.state = StateBound
	e.servers.Add(server)

	e.wg.Add(1)
	if e.socket != nil {
		go e.datagramLoop()
	} else {
		go e.acceptLoop(server.(*streamListener).Listener)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"local":    local.String(),
		"bound":    raw.String(),
		"backlog":  e.opts.Backlog,
	}).Info("Transport listening")
	return local, e.coordinator.InboundListenerSlot(), nil
}

// streamListener adapts a net.Listener to registry.Channel.
type streamListener struct {
	net.Listener
}

func (l *streamListener) ID() uint64                       { return 0 }
func (l *streamListener) Disconnect(context.Context) error { return nil }

// awaitInboundListener blocks until the inbound listener slot is filled.
// It returns false when the slot failed or the engine shut down first.
// Until then the bound socket is not read and the OS buffers traffic.
func (e *Engine) awaitInboundListener() bool {
	inbound := e.coordinator.InboundListenerSlot()
	select {
	case <-inbound.Done():
	case <-e.ctx.Done():
		return false
	}
	_, err := inbound.Result()
	return err == nil
}

// datagramLoop reads the shared socket once the inbound listener is set.
func (e *Engine) datagramLoop() {
	defer e.wg.Done()
	if !e.awaitInboundListener() {
		return
	}
	e.socket.readLoop()
}

// acceptLoop waits for the inbound listener, then accepts connections until
// the listener closes.
func (e *Engine) acceptLoop(l net.Listener) {
	defer e.wg.Done()
	if !e.awaitInboundListener() {
		return
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(acceptRetryDelay)
			continue
		}

		if err := e.serverPool.Submit(e.ctx, func() { e.setupInbound(conn) }); err != nil {
			_ = conn.Close()
		}
	}
}

// setupInbound runs the stream pipeline for one accepted connection.
func (e *Engine) setupInbound(conn net.Conn) {
	applyStreamOptions(conn, e.opts.SendBufferSize, e.opts.ReceiveBufferSize)

	rw, err := e.secure(e.ctx, conn, noise.Server)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setupInbound",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Warn("Dropping inbound connection")
		_ = conn.Close()
		return
	}

	ch := e.newStreamChannel(rw)
	if ch == nil {
		return
	}
	e.coordinator.CompleteHandshake(association.Handshake{
		Channel: ch,
		Remote:  conn.RemoteAddr(),
		Role:    association.RoleInbound,
	})
}

type secureFunc func(context.Context, net.Conn, noise.Config) (*noise.Conn, error)

// secure runs the encryption handshake when the engine is encrypted and
// returns conn unchanged otherwise.
func (e *Engine) secure(ctx context.Context, conn net.Conn, handshake secureFunc) (net.Conn, error) {
	if e.keys == nil {
		return conn, nil
	}
	hctx, cancel := context.WithTimeout(ctx, e.opts.ConnectionTimeout)
	defer cancel()
	sc, err := handshake(hctx, conn, noise.Config{StaticKey: e.keys, TrustedKeys: e.trusted})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// newStreamChannel registers a stream channel. It returns nil when the
// engine is already shutting down.
func (e *Engine) newStreamChannel(conn net.Conn) *streamChannel {
	ch := newStreamChannel(e.nextID.Add(1), conn, streamConfig{
		writeTimeout: e.opts.ConnectionTimeout,
		maxPayload:   limits.MaxPayloadSize,
		highWater:    e.opts.WriteBufferHighWaterMark,
		lowWater:     e.opts.WriteBufferLowWaterMark,
		shutting:     &e.shuttingDown,
		onClose:      func(c *streamChannel) { e.channels.Remove(c) },
	})
	e.channels.Add(ch)
	if e.shuttingDown.Load() {
		_ = ch.Close()
		return nil
	}
	return ch
}

func (e *Engine) newDatagramChannel(remote *net.UDPAddr) *datagramChannel {
	ch := newDatagramChannel(e.nextID.Add(1), e.socket, remote, limits.MaxPayloadSize,
		&e.shuttingDown, func(c *datagramChannel) { e.channels.Remove(c) })
	e.channels.Add(ch)
	if e.shuttingDown.Load() {
		_ = ch.Close()
		return nil
	}
	return ch
}

// onUnknownPeer opens an inbound association for the first datagram of a
// new sender. The datagram becomes the handshake's first message.
func (e *Engine) onUnknownPeer(remote *net.UDPAddr, payload []byte) {
	ch := e.newDatagramChannel(remote)
	if ch == nil {
		return
	}
	e.coordinator.CompleteHandshake(association.Handshake{
		Channel:      ch,
		Remote:       remote,
		Role:         association.RoleInbound,
		FirstMessage: payload,
	})
}

// AssociateAsync opens an association to remote. The returned promise
// completes with the handle or a *TransportError.
func (e *Engine) AssociateAsync(remote address.PeerAddress) *association.Promise[*association.Handle] {
	p := association.NewPromise[*association.Handle]()
	target := remote.String()

	switch e.State() {
	case StateCreated:
		p.TryFailure(newError("associate", target, ErrNotBound, nil))
		return p
	case StateShuttingDown, StateClosed:
		p.TryFailure(newError("associate", target, ErrShutdown, nil))
		return p
	}
	if remote.Scheme != e.scheme {
		p.TryFailure(newError("associate", target, ErrInvalidAssociation,
			errors.New("scheme does not match transport "+e.scheme)))
		return p
	}

	ctx, cancel := context.WithCancel(e.ctx)
	p.OnComplete(func(*association.Handle, error) { cancel() })

	go func() {
		err := e.clientPool.Submit(ctx, func() { e.associate(ctx, remote, p) })
		if err != nil {
			kind := ErrShutdown
			if !errors.Is(err, ErrShutdown) {
				kind = ErrAssociationCancelled
			}
			p.TryFailure(newError("associate", target, kind, err))
		}
	}()
	return p
}

// Associate opens an association to remote and waits for it. Cancelling
// ctx fails the association with ErrAssociationCancelled.
func (e *Engine) Associate(ctx context.Context, remote address.PeerAddress) (*association.Handle, error) {
	p := e.AssociateAsync(remote)
	select {
	case <-p.Done():
	case <-ctx.Done():
		p.TryFailure(newError("associate", remote.String(), ErrAssociationCancelled, ctx.Err()))
	}
	return p.Result()
}

func (e *Engine) associate(ctx context.Context, remote address.PeerAddress, p *association.Promise[*association.Handle]) {
	target := remote.String()

	if remote.Port == 0 {
		p.TryFailure(newError("associate", target, ErrInvalidAssociation,
			errors.New("remote port 0 is not a peer port")))
		return
	}
	raw, err := address.ToRawAddress(ctx, remote)
	if err != nil {
		p.TryFailure(newError("associate", target, ErrInvalidAssociation, err))
		return
	}

	if e.opts.Mode == address.ModeUDP {
		ch := e.newDatagramChannel(raw.(*net.UDPAddr))
		if ch == nil {
			p.TryFailure(newError("associate", target, ErrShutdown, nil))
			return
		}
		e.coordinator.CompleteHandshake(association.Handshake{
			Channel:      ch,
			Remote:       raw,
			Role:         association.RoleOutbound,
			RemoteSystem: remote.System,
			RemoteHost:   remote.Host,
			Outbound:     p,
		})
		return
	}

	d := net.Dialer{Timeout: e.opts.ConnectionTimeout}
	conn, err := d.DialContext(ctx, "tcp", raw.String())
	if err != nil {
		p.TryFailure(e.dialError(ctx, target, err))
		return
	}
	applyStreamOptions(conn, e.opts.SendBufferSize, e.opts.ReceiveBufferSize)

	rw, err := e.secure(ctx, conn, noise.Client)
	if err != nil {
		_ = conn.Close()
		kind := ErrHandshakeFailed
		if ctx.Err() != nil {
			kind = ErrAssociationCancelled
		}
		p.TryFailure(newError("associate", target, kind, err))
		return
	}
	if p.IsCompleted() {
		_ = conn.Close()
		return
	}

	ch := e.newStreamChannel(rw)
	if ch == nil {
		p.TryFailure(newError("associate", target, ErrShutdown, nil))
		return
	}
	e.coordinator.CompleteHandshake(association.Handshake{
		Channel:      ch,
		Remote:       conn.RemoteAddr(),
		Role:         association.RoleOutbound,
		RemoteSystem: remote.System,
		RemoteHost:   remote.Host,
		Outbound:     p,
	})
}

func (e *Engine) dialError(ctx context.Context, target string, err error) error {
	switch {
	case ctx.Err() != nil:
		return newError("associate", target, ErrAssociationCancelled, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return newError("associate", target, ErrConnectionRefused, err)
	default:
		return newError("associate", target, ErrConnectionFailed, err)
	}
}

// Shutdown disconnects every association, closes the bound socket and
// releases the worker pools. Calling it again waits for the first call.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateClosed:
		e.mu.Unlock()
		return nil
	case StateShuttingDown:
		e.mu.Unlock()
		select {
		case <-e.shutdownDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.state = StateShuttingDown
	e.mu.Unlock()

	e.shuttingDown.Store(true)
	e.coordinator.InboundListenerSlot().TryFailure(ErrShutdown)

	if err := e.channels.DisconnectAll(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
			"error":    err.Error(),
		}).Debug("Some channels did not disconnect cleanly")
	}
	var errs []error
	if err := e.channels.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	if err := e.servers.CloseAll(); err != nil {
		errs = append(errs, err)
	}

	e.cancel()
	e.clientPool.Close()
	e.serverPool.Close()
	e.wg.Wait()

	// Pipelines that were mid-setup registered after the first pass.
	if err := e.channels.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	// No handshake can run past this point.
	e.keys.Wipe()

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
	close(e.shutdownDone)

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"local":    e.LocalAddress().String(),
	}).Info("Transport shut down")
	return errors.Join(errs...)
}
