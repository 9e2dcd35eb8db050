package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

var ErrNoLocalAddress = errors.New("no local IPv4 address")

// LocalAddressProvider returns this host's IPv4 address on its LAN interface.
type LocalAddressProvider interface {
	LocalIPv4(ctx context.Context) (netip.Addr, error)
}

// StaticProvider always returns a fixed address.
type StaticProvider netip.Addr

func (p StaticProvider) LocalIPv4(context.Context) (netip.Addr, error) {
	addr := netip.Addr(p)
	if !addr.Is4() {
		return netip.Addr{}, ErrNoLocalAddress
	}
	return addr, nil
}

// InterfaceProvider enumerates network interfaces and returns the first
// IPv4 address of an up, non-loopback interface.
type InterfaceProvider struct {
	// Name restricts the search to one interface when set.
	Name string

	interfaces func() ([]net.Interface, error)
}

func (p *InterfaceProvider) LocalIPv4(context.Context) (netip.Addr, error) {
	list := net.Interfaces
	if p.interfaces != nil {
		list = p.interfaces
	}
	ifaces, err := list()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: list interfaces: %s", ErrNoLocalAddress, err)
	}

	for _, iface := range ifaces {
		if p.Name != "" && iface.Name != p.Name {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP.To4())
			if !ok || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip, nil
		}
	}
	return netip.Addr{}, ErrNoLocalAddress
}

// RouteProvider asks the kernel which source address it would use to reach
// Target. The UDP "dial" only selects a route; no packet is sent.
type RouteProvider struct {
	Target string
}

func (p RouteProvider) LocalIPv4(ctx context.Context) (netip.Addr, error) {
	target := strings.TrimSpace(p.Target)
	if target == "" {
		target = "8.8.8.8:80"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", target)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoLocalAddress, err)
	}
	defer conn.Close()

	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, ErrNoLocalAddress
	}
	ip, ok := netip.AddrFromSlice(udp.IP.To4())
	if !ok || ip.IsLoopback() || ip.IsUnspecified() {
		return netip.Addr{}, ErrNoLocalAddress
	}
	return ip, nil
}

// ChainProvider tries each provider in order and returns the first success.
type ChainProvider []LocalAddressProvider

func (c ChainProvider) LocalIPv4(ctx context.Context) (netip.Addr, error) {
	var errs []error
	for _, p := range c {
		if p == nil {
			continue
		}
		addr, err := p.LocalIPv4(ctx)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return netip.Addr{}, ErrNoLocalAddress
	}
	return netip.Addr{}, errors.Join(errs...)
}

// DefaultProvider returns the provider chain used when none is configured:
// the static override (if valid), interface enumeration, then the route trick.
func DefaultProvider(override string) LocalAddressProvider {
	var chain ChainProvider
	if addr, err := netip.ParseAddr(strings.TrimSpace(override)); err == nil && addr.Is4() {
		chain = append(chain, StaticProvider(addr))
	}
	return append(chain, &InterfaceProvider{}, RouteProvider{})
}
