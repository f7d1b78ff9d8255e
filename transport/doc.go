// Package transport implements the association transport engine: it binds a
// single TCP listener or UDP socket, opens outbound associations, and hands
// every association to the upper layer as an association.Handle.
//
// # Modes
//
// The wire mode comes from config.Options:
//
//	tcp        length-framed stream per association
//	noise.tcp  the same stream after a Noise XX handshake
//	udp        one datagram per payload on the shared bound socket
//
// Encryption is not available in udp mode; New rejects that combination
// with config.ErrConfiguration.
//
// # Lifecycle
//
//	engine, err := transport.New(opts)
//	local, inbound, err := engine.Listen(ctx)
//	inbound.TrySuccess(association.AssociationEventListenerFunc(onInbound))
//
//	handle, err := engine.Associate(ctx, remote)
//	handle.RegisterListener(association.HandleEventListenerFunc(onEvent))
//	handle.Write(payload)
//
//	engine.Shutdown(ctx)
//
// Associate requires a bound engine. Every raw channel starts paused: no
// inbound payload reaches the upper layer until a listener is registered on
// its handle. Datagram associations are keyed by the peer's socket address in
// a session table; the first datagram of an unknown peer opens an inbound
// association and is delivered as its first payload.
//
// # Errors
//
// Engine operations fail with *TransportError, which matches one of the
// sentinel kinds (ErrNotBound, ErrBind, ErrInvalidAssociation, ...) and the
// underlying cause through errors.Is. Failures of one channel only close that
// channel and surface as an association.Disassociated event on its handle.
package transport
