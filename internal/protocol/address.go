package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid IPv4 address")

// Address is a validated IPv4 host plus TCP port.
type Address struct {
	ip   netip.Addr
	port uint16
}

// IsValidAddress reports whether s is a dotted quad of four 1-3 digit octets
// in 0-255. Leading zeros are accepted ("010.0.0.1").
func IsValidAddress(s string) bool {
	_, err := parseOctets(s)
	return err == nil
}

// NormalizeIPv4 validates s and returns its canonical form without leading
// zeros ("010.000.001.042" -> "10.0.1.42").
func NormalizeIPv4(s string) (string, error) {
	octets, err := parseOctets(s)
	if err != nil {
		return "", err
	}
	return netip.AddrFrom4(octets).String(), nil
}

// ParseAddress builds an Address from dotted-quad host text and a port.
func ParseAddress(host string, port int) (Address, error) {
	octets, err := parseOctets(host)
	if err != nil {
		return Address{}, err
	}
	if port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	return Address{ip: netip.AddrFrom4(octets), port: uint16(port)}, nil
}

// AddressFrom builds an Address from an already parsed IPv4 address.
func AddressFrom(ip netip.Addr, port uint16) (Address, error) {
	if !ip.Is4() {
		return Address{}, fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddress, ip)
	}
	return Address{ip: ip, port: port}, nil
}

func parseOctets(s string) ([4]byte, error) {
	var out [4]byte
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for i, part := range parts {
		if len(part) == 0 || len(part) > 3 {
			return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
			}
		}
		v, err := strconv.Atoi(part)
		if err != nil || v > 255 {
			return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// IP returns the host part.
func (a Address) IP() netip.Addr { return a.ip }

// Port returns the TCP port.
func (a Address) Port() uint16 { return a.port }

// Host returns the canonical dotted-quad host.
func (a Address) Host() string { return a.ip.String() }

// IsZero reports whether a was never constructed through ParseAddress.
func (a Address) IsZero() bool { return !a.ip.IsValid() }

// String returns "host:port".
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
