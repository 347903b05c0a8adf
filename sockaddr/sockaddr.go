// File: sockaddr/sockaddr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Address construction for the socket transports. Build turns textual
// (ip, port) pairs into native socket addresses; AddrPort decodes them
// back. Validation failures surface as api.ErrInvalidAddress so the
// transports never hand a malformed address to the kernel.

package sockaddr

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
)

// Build validates ip and port and produces the native socket address.
// IPv4-mapped IPv6 addresses are unmapped so they bind AF_INET sockets.
func Build(ip string, port int) (unix.Sockaddr, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", api.ErrInvalidAddress, ip)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", api.ErrInvalidAddress, port)
	}
	if addr.Is4() || addr.Is4In6() {
		sa := &unix.SockaddrInet4{Port: port, Addr: addr.Unmap().As4()}
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		ifi, err := net.InterfaceByName(zone)
		if err != nil {
			return nil, fmt.Errorf("%w: zone %q", api.ErrInvalidAddress, zone)
		}
		sa.ZoneId = uint32(ifi.Index)
	}
	return sa, nil
}

// AddrPort decodes a native inet socket address.
func AddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: not an inet address", api.ErrInvalidAddress)
	}
}

// Family returns the socket(2) domain Build selected for ip.
func Family(sa unix.Sockaddr) (int, error) {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET, nil
	case *unix.SockaddrInet6:
		return unix.AF_INET6, nil
	default:
		return 0, fmt.Errorf("%w: not an inet address", api.ErrInvalidAddress)
	}
}
