package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/assoctransport/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (the dialing side)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation (the accepting side)
	Responder
)

// String returns a human-readable representation of the HandshakeRole.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// cipherSuite is shared by every handshake.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// XXHandshake implements the Noise XX pattern for mutual authentication
// without prior key knowledge.
type XXHandshake struct {
	mu          sync.Mutex
	role        HandshakeRole
	state       *noise.HandshakeState
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	complete    bool
	localPubKey []byte
}

// NewXXHandshake creates a new XX pattern handshake for the given static key pair.
func NewXXHandshake(keys *crypto.KeyPair, role HandshakeRole) (*XXHandshake, error) {
	if keys == nil {
		return nil, errors.New("static key pair is required")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keys.Private[:])
	copy(staticKey.Public, keys.Public[:])

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{
		role:        role,
		state:       hs,
		localPubKey: staticKey.Public,
	}, nil
}

// WriteMessage produces the next handshake message.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	xx.mu.Lock()
	defer xx.mu.Unlock()

	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake write failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return message, xx.complete, nil
}

// ReadMessage consumes a handshake message from the peer.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	xx.mu.Lock()
	defer xx.mu.Unlock()

	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake read failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return payload, xx.complete, nil
}

// finish records the cipher states once the pattern completes. cs1 encrypts
// initiator-to-responder traffic, cs2 the reverse direction.
func (xx *XXHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
	xx.complete = true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	xx.mu.Lock()
	defer xx.mu.Unlock()
	return xx.complete
}

// GetCipherStates returns the send and receive cipher states.
func (xx *XXHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	xx.mu.Lock()
	defer xx.mu.Unlock()
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// GetRemoteStaticKey returns a copy of the peer's static key.
func (xx *XXHandshake) GetRemoteStaticKey() ([]byte, error) {
	xx.mu.Lock()
	defer xx.mu.Unlock()
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	remote := xx.state.PeerStatic()
	if len(remote) == 0 {
		return nil, fmt.Errorf("remote static key not available")
	}
	key := make([]byte, len(remote))
	copy(key, remote)
	return key, nil
}

// GetLocalStaticKey returns a copy of our static public key.
func (xx *XXHandshake) GetLocalStaticKey() []byte {
	key := make([]byte, len(xx.localPubKey))
	copy(key, xx.localPubKey)
	return key
}
