package crypto

import "runtime"

// ZeroBytes overwrites each buffer with zeros. Nil buffers are skipped.
func ZeroBytes(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
		// Keep the stores alive past the last use of b.
		runtime.KeepAlive(b)
	}
}

// Wipe erases the private key, leaving the public key for log fields.
// A wiped pair can no longer take part in a handshake. Wipe on a nil pair
// does nothing.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}

// Wiped reports whether the private key has been erased.
func (kp *KeyPair) Wiped() bool {
	return kp == nil || isZeroKey(kp.Private)
}
