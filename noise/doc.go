// Package noise provides the encryption stage of the stream transport: a Noise
// XX handshake over a raw connection followed by an encrypted byte stream.
//
// The package uses the flynn/noise library with ChaCha20-Poly1305 encryption,
// SHA256 hashing, and Curve25519 key exchange.
//
// # XX Pattern
//
// Neither side needs to know the other's static key beforehand; both static
// keys are exchanged and authenticated during the handshake:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// Each handshake message travels as a 2-byte big-endian length followed by the
// message, as recommended by the Noise specification.
//
// # Encrypted Stream
//
// After the handshake, [Conn] wraps the raw connection. Writes are split into
// chunks of at most limits.MaxNoisePlaintext bytes; each chunk becomes one
// length-prefixed Noise transport message. Reads decrypt whole messages and
// serve them as a plain byte stream, so stream framing sits unchanged on top.
//
//	conn, err := noise.Client(ctx, rawConn, noise.Config{StaticKey: keys})
//	if err != nil {
//	    return err
//	}
//	peerKey := conn.RemoteStatic()
//
// # Peer Verification
//
// When Config.TrustedKeys is non-empty, the peer's static key must be one of
// them or the connection is aborted with ErrUntrustedPeer.
//
// # Thread Safety
//
// XXHandshake is safe for concurrent getters but the handshake itself is
// sequential. Conn supports one concurrent reader and one concurrent writer.
package noise
