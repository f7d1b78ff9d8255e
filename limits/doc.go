// Package limits provides centralized wire size constants and validation functions
// for the association transport.
//
// # Size Hierarchy
//
//   - MaxPayloadSize (32000 bytes): the protocol limit for one payload. In stream
//     mode it bounds the declared frame length; in datagram mode it bounds each
//     datagram.
//
//   - MaxFrameSize (32004 bytes): a stream frame including its 4-byte length field.
//
//   - MaxNoiseMessage (65535 bytes): the Noise protocol ceiling for one encrypted
//     transport message. Encrypted streams are chunked below MaxNoisePlaintext.
//
// # Validation
//
//	if err := limits.ValidatePayload(payload); err != nil {
//	    // errors.Is(err, limits.ErrPayloadTooLarge)
//	}
package limits
