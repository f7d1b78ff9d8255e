// Package crypto holds the static key material used by the encrypted stream
// transport.
//
// Keys are Curve25519 pairs, the DH function of the Noise handshake:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", keys.PublicHex())
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of a Curve25519 key.
const KeySize = curve25519.ScalarSize

var (
	// ErrZeroKey indicates an all-zero secret key
	ErrZeroKey = errors.New("invalid secret key: all zeros")

	// ErrKeyEncoding indicates a hex key of the wrong length or alphabet
	ErrKeyEncoding = errors.New("invalid key encoding")
)

// KeyPair is a Curve25519 static key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	kp, err := FromSecretKey(secret)
	ZeroBytes(secret[:])
	return kp, err
}

// FromSecretKey derives the key pair for an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FromSecretKey",
			"error":    err.Error(),
		}).Error("X25519 public key derivation failed")
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// FromHex derives the key pair for a hex-encoded private key.
func FromHex(secretHex string) (*KeyPair, error) {
	secret, err := ParseKey(secretHex)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(secret[:])
	return FromSecretKey(secret)
}

// ParseKey decodes a 32-byte hex key.
func ParseKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrKeyEncoding, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: got %d bytes, want %d", ErrKeyEncoding, len(raw), KeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// PublicHex returns the public key as lowercase hex.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
