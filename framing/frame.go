// Package framing implements the stream-mode wire format: every payload is
// preceded by a 4-byte big-endian length field counting only the payload bytes.
//
// Datagram transports do not use this package; one datagram is one payload.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/assoctransport/limits"
)

// ErrFrameTooLarge indicates a frame whose declared or actual payload length exceeds
// the configured maximum. A stream that produced it is desynchronized and must be closed.
var ErrFrameTooLarge = errors.New("frame too large")

// Encode returns payload prefixed with its length field.
func Encode(payload []byte) ([]byte, error) {
	return EncodeMax(payload, limits.MaxPayloadSize)
}

// EncodeMax is Encode with an explicit maximum payload size.
func EncodeMax(payload []byte, maxPayload int) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload %d exceeds %d", ErrFrameTooLarge, len(payload), maxPayload)
	}
	frame := make([]byte, limits.LengthFieldSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[limits.LengthFieldSize:], payload)
	return frame, nil
}

// WriteFrame writes one length-prefixed frame to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one complete frame from r and returns its payload.
// It tolerates arbitrarily fragmented reads.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [limits.LengthFieldSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > limits.MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrFrameTooLarge, length, limits.MaxPayloadSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) && length > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
