package framing

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/assoctransport/limits"
)

// Decoder reassembles a byte stream into complete frames.
// A Decoder is not safe for concurrent use; each stream owns one.
type Decoder struct {
	maxPayload int
	buf        []byte
	err        error
}

// NewDecoder creates a decoder that rejects frames larger than maxPayload.
// A non-positive maxPayload selects limits.MaxPayloadSize.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = limits.MaxPayloadSize
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends chunk to the reassembly buffer and returns every frame payload
// completed by it, in wire order. After ErrFrameTooLarge the decoder is
// permanently failed and returns the same error on every call.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for len(d.buf) >= limits.LengthFieldSize {
		length := binary.BigEndian.Uint32(d.buf[:limits.LengthFieldSize])
		if uint64(length) > uint64(d.maxPayload) {
			d.err = fmt.Errorf("%w: declared length %d exceeds %d", ErrFrameTooLarge, length, d.maxPayload)
			d.buf = nil
			return frames, d.err
		}

		end := limits.LengthFieldSize + int(length)
		if len(d.buf) < end {
			break
		}

		payload := make([]byte, length)
		copy(payload, d.buf[limits.LengthFieldSize:end])
		frames = append(frames, payload)
		d.buf = d.buf[end:]
	}

	// Release the consumed prefix once the buffer drains.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
