package association

import "github.com/opd-ai/assoctransport/address"

// PeerAddr builds a loopback peer address for tests.
func PeerAddr(system string) address.PeerAddress {
	return address.PeerAddress{Scheme: "tcp", System: system, Host: "127.0.0.1", Port: 1}
}
