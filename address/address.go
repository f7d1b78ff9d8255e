// Package address converts between logical peer addresses and concrete socket
// addresses.
//
// A PeerAddress names one endpoint of an association: the scheme identifier
// (derived from the wire mode and the encryption flag), a logical system name,
// and a host/port pair. The codec in this package is pure apart from host name
// resolution in ToRawAddress.
package address

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Wire modes understood by the codec.
const (
	ModeTCP = "tcp"
	ModeUDP = "udp"
)

// EncryptedPrefix is prepended to the scheme of encrypted stream transports.
const EncryptedPrefix = "noise."

var (
	// ErrResolution indicates a peer host or port could not be turned into a socket address
	ErrResolution = errors.New("address resolution failed")

	// ErrMalformedAddress indicates a peer address string could not be parsed
	ErrMalformedAddress = errors.New("malformed peer address")
)

// PeerAddress is the logical address of one association endpoint.
// It is an immutable value; compare with ==.
type PeerAddress struct {
	Scheme string
	System string
	Host   string
	Port   int
}

// Scheme returns the scheme identifier for a wire mode and encryption flag.
func Scheme(mode string, encrypted bool) string {
	if encrypted {
		return EncryptedPrefix + mode
	}
	return mode
}

// Mode returns the wire mode component of the scheme ("tcp" or "udp").
func (a PeerAddress) Mode() string {
	return strings.TrimPrefix(a.Scheme, EncryptedPrefix)
}

// Encrypted reports whether the scheme names an encrypted transport.
func (a PeerAddress) Encrypted() bool {
	return strings.HasPrefix(a.Scheme, EncryptedPrefix)
}

// HostPort returns host:port suitable for net.Dial.
func (a PeerAddress) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String renders the address as scheme://system@host:port.
func (a PeerAddress) String() string {
	if a.System == "" {
		return fmt.Sprintf("%s://%s", a.Scheme, a.HostPort())
	}
	return fmt.Sprintf("%s://%s@%s", a.Scheme, a.System, a.HostPort())
}

// IsZero reports whether a is the zero PeerAddress.
func (a PeerAddress) IsZero() bool {
	return a == PeerAddress{}
}

// Parse parses the form produced by PeerAddress.String.
func Parse(s string) (PeerAddress, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return PeerAddress{}, fmt.Errorf("%w: missing scheme in %q", ErrMalformedAddress, s)
	}

	var system string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		system, rest = rest[:at], rest[at+1:]
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: bad port %q", ErrMalformedAddress, portStr)
	}

	return PeerAddress{Scheme: scheme, System: system, Host: host, Port: port}, nil
}

// ToPeerAddress converts a raw socket address to a PeerAddress.
// hostOverride replaces whatever host the socket reports; this is used when the
// bound address must be advertised under a configured hostname. The boolean is
// false when raw is not a TCP or UDP socket address.
func ToPeerAddress(raw net.Addr, scheme, system, hostOverride string) (PeerAddress, bool) {
	var ip net.IP
	var port int

	switch a := raw.(type) {
	case *net.TCPAddr:
		if a == nil {
			return PeerAddress{}, false
		}
		ip, port = a.IP, a.Port
	case *net.UDPAddr:
		if a == nil {
			return PeerAddress{}, false
		}
		ip, port = a.IP, a.Port
	default:
		return PeerAddress{}, false
	}

	host := hostOverride
	if host == "" {
		if ip == nil {
			return PeerAddress{}, false
		}
		host = ip.String()
	}

	return PeerAddress{Scheme: scheme, System: system, Host: host, Port: port}, true
}

// ToRawAddress resolves the peer's host and returns a socket address of the
// shape matching its wire mode (*net.TCPAddr or *net.UDPAddr).
func ToRawAddress(ctx context.Context, a PeerAddress) (net.Addr, error) {
	if a.Port < 0 || a.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range for %s", ErrResolution, a.Port, a)
	}
	if a.Host == "" {
		return nil, fmt.Errorf("%w: empty host in %s", ErrResolution, a)
	}

	ip, err := resolveHost(ctx, a.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolution, a.Host, err)
	}

	switch a.Mode() {
	case ModeUDP:
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	case ModeTCP:
		return &net.TCPAddr{IP: ip, Port: a.Port}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrResolution, a.Scheme)
	}
}

// resolveHost returns the first address for host, preferring IPv4 when the
// resolver returns both families.
func resolveHost(ctx context.Context, host string) (net.IP, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return net.IP(addr.Unmap().AsSlice()), nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for host %s", host)
	}
	for _, ia := range addrs {
		if v4 := ia.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return addrs[0].IP, nil
}
