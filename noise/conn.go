package noise

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/assoctransport/crypto"
	"github.com/opd-ai/assoctransport/limits"
	"github.com/sirupsen/logrus"
)

const handshakeLengthSize = 2

var (
	// ErrUntrustedPeer indicates the peer's static key is not in the trusted set
	ErrUntrustedPeer = errors.New("untrusted peer static key")
	// ErrMessageTooLarge indicates a Noise message exceeding the protocol limit
	ErrMessageTooLarge = errors.New("noise message too large")
)

// Config configures one side of an encrypted connection.
type Config struct {
	// StaticKey is the local long-term key pair. Required.
	StaticKey *crypto.KeyPair
	// TrustedKeys restricts which peer static keys are accepted. Empty accepts any.
	TrustedKeys [][32]byte
}

// Conn is an established encrypted connection. It satisfies net.Conn and
// carries an ordinary byte stream once the handshake is done.
type Conn struct {
	net.Conn

	readMu  sync.Mutex
	recv    *noise.CipherState
	pending bytes.Buffer
	readBuf [handshakeLengthSize + limits.MaxNoiseMessage]byte

	writeMu sync.Mutex
	send    *noise.CipherState

	remoteStatic [32]byte
}

// Client runs the initiator side of the XX handshake over conn.
func Client(ctx context.Context, conn net.Conn, cfg Config) (*Conn, error) {
	return handshake(ctx, conn, cfg, Initiator)
}

// Server runs the responder side of the XX handshake over conn.
func Server(ctx context.Context, conn net.Conn, cfg Config) (*Conn, error) {
	return handshake(ctx, conn, cfg, Responder)
}

func handshake(ctx context.Context, conn net.Conn, cfg Config, role HandshakeRole) (*Conn, error) {
	xx, err := NewXXHandshake(cfg.StaticKey, role)
	if err != nil {
		return nil, err
	}

	stop := watchContext(ctx, conn)
	err = runXX(conn, xx, role)
	if ctxErr := stop(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handshake",
			"role":     role.String(),
			"remote":   conn.RemoteAddr(),
			"error":    err.Error(),
		}).Debug("Noise handshake failed")
		return nil, err
	}

	send, recv, err := xx.GetCipherStates()
	if err != nil {
		return nil, err
	}
	remote, err := xx.GetRemoteStaticKey()
	if err != nil {
		return nil, err
	}

	c := &Conn{Conn: conn, send: send, recv: recv}
	copy(c.remoteStatic[:], remote)

	if !trusted(cfg.TrustedKeys, c.remoteStatic) {
		logrus.WithFields(crypto.KeyFields("peer_static", c.remoteStatic[:])).WithFields(logrus.Fields{
			"function": "handshake",
			"remote":   conn.RemoteAddr(),
		}).Warn("Rejecting untrusted peer")
		return nil, ErrUntrustedPeer
	}

	logrus.WithFields(crypto.KeyFields("peer_static", c.remoteStatic[:])).WithFields(logrus.Fields{
		"function": "handshake",
		"role":     role.String(),
		"remote":   conn.RemoteAddr(),
	}).Debug("Noise handshake complete")
	return c, nil
}

// runXX drives the three XX messages in order for the given role.
func runXX(conn net.Conn, xx *XXHandshake, role HandshakeRole) error {
	writeTurn := role == Initiator
	for !xx.IsComplete() {
		if writeTurn {
			msg, _, err := xx.WriteMessage(nil)
			if err != nil {
				return err
			}
			if err := writeHandshakeMessage(conn, msg); err != nil {
				return err
			}
		} else {
			msg, err := readHandshakeMessage(conn)
			if err != nil {
				return err
			}
			if _, _, err := xx.ReadMessage(msg); err != nil {
				return err
			}
		}
		writeTurn = !writeTurn
	}
	return nil
}

// watchContext interrupts blocking I/O on conn when ctx ends. The returned
// function stops the watch and reports ctx's error if it fired.
func watchContext(ctx context.Context, conn net.Conn) func() error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() error {
		close(done)
		<-exited
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = conn.SetDeadline(time.Time{})
		return nil
	}
}

func trusted(keys [][32]byte, peer [32]byte) bool {
	if len(keys) == 0 {
		return true
	}
	for _, k := range keys {
		if k == peer {
			return true
		}
	}
	return false
}

func writeHandshakeMessage(w io.Writer, msg []byte) error {
	if len(msg) > limits.MaxNoiseMessage {
		return ErrMessageTooLarge
	}
	buf := make([]byte, handshakeLengthSize+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[handshakeLengthSize:], msg)
	_, err := w.Write(buf)
	return err
}

func readHandshakeMessage(r io.Reader) ([]byte, error) {
	var header [handshakeLengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RemoteStatic returns the peer's authenticated static public key.
func (c *Conn) RemoteStatic() [32]byte {
	return c.remoteStatic
}

// Write encrypts p as one or more Noise transport messages.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > limits.MaxNoisePlaintext {
			chunk = chunk[:limits.MaxNoisePlaintext]
		}

		out := make([]byte, handshakeLengthSize, handshakeLengthSize+len(chunk)+limits.NoiseOverhead)
		out, err := c.send.Encrypt(out, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("noise encrypt: %w", err)
		}
		binary.BigEndian.PutUint16(out, uint16(len(out)-handshakeLengthSize))
		if _, err := c.Conn.Write(out); err != nil {
			return written, err
		}

		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Read returns decrypted plaintext, reading a new transport message when
// nothing is buffered.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.pending.Len() == 0 {
		if err := c.readMessage(); err != nil {
			return 0, err
		}
	}
	return c.pending.Read(p)
}

func (c *Conn) readMessage() error {
	header := c.readBuf[:handshakeLengthSize]
	if _, err := io.ReadFull(c.Conn, header); err != nil {
		return err
	}
	size := int(binary.BigEndian.Uint16(header))
	msg := c.readBuf[handshakeLengthSize : handshakeLengthSize+size]
	if _, err := io.ReadFull(c.Conn, msg); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	plain, err := c.recv.Decrypt(nil, nil, msg)
	if err != nil {
		return fmt.Errorf("noise decrypt: %w", err)
	}
	c.pending.Write(plain)
	return nil
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
