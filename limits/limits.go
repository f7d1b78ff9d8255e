// Package limits provides centralized wire size limits for the association transport.
// This ensures the frame codec, the datagram path and the association handles all
// agree on what a legal payload is.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPayloadSize is the protocol limit for a single payload (32000 bytes).
	// It applies to stream frames and to datagrams alike.
	MaxPayloadSize = 32000

	// LengthFieldSize is the size of the big-endian length prefix in stream mode.
	LengthFieldSize = 4

	// MaxFrameSize is the largest stream frame on the wire: length field plus payload.
	MaxFrameSize = LengthFieldSize + MaxPayloadSize

	// MaxNoiseMessage is the Noise protocol limit for a single transport message.
	MaxNoiseMessage = 65535

	// NoiseOverhead is the AEAD tag appended to every encrypted Noise message.
	NoiseOverhead = 16

	// MaxNoisePlaintext is the largest plaintext chunk that fits one Noise message.
	MaxNoisePlaintext = MaxNoiseMessage - NoiseOverhead

	// DatagramReadBuffer is the read buffer used on datagram sockets. It is larger
	// than MaxPayloadSize so oversized datagrams can be detected instead of truncated.
	DatagramReadBuffer = 65535

	// MaxPendingDatagrams caps the datagrams held for one peer whose association
	// has no read listener yet.
	MaxPendingDatagrams = 1024
)

var (
	// ErrPayloadTooLarge indicates a payload exceeds MaxPayloadSize
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidatePayload validates a payload against MaxPayloadSize.
// Empty payloads are legal on the wire.
func ValidatePayload(payload []byte) error {
	return ValidatePayloadSize(len(payload), MaxPayloadSize)
}

// ValidatePayloadSize validates a payload length against the specified maximum.
// Returns an error with context including the actual and maximum sizes.
func ValidatePayloadSize(size, maxSize int) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrPayloadTooLarge, size)
	}
	if size > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, size, maxSize)
	}
	return nil
}
