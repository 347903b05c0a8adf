//go:build linux

// File: uv/tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP transport. The socket is created lazily with the address family
// of the first Bind or Connect; Open adopts an already-connected
// descriptor instead. Address text is validated and encoded by the
// sockaddr package, never handed raw to the kernel.

package uv

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
	"github.com/momentics/hioload-uv/sockaddr"
)

// TCPFlags modify TCP bind behavior.
type TCPFlags uint32

// TCPIPv6Only restricts an IPv6 listener to IPv6 peers instead of
// accepting mapped IPv4 ones.
const TCPIPv6Only TCPFlags = 1

// TCP is a stream handle over a TCP connection or listener.
type TCP struct {
	Stream
}

// NewTCP creates an unbound TCP handle on l, or on the calling
// thread's current loop when l is nil.
func NewTCP(l *Loop) (*TCP, error) {
	if l == nil {
		var err error
		if l, err = Current(); err != nil {
			return nil, err
		}
	}
	if l.closed.Load() {
		return nil, api.ErrLoopClosed
	}
	t := &TCP{}
	t.initStream(l, KindTCP, false)
	return t, nil
}

// ensureSocket creates the descriptor for sa's address family on
// first use.
func (t *TCP) ensureSocket(sa unix.Sockaddr) error {
	if t.fd >= 0 {
		return nil
	}
	domain, err := sockaddr.Family(sa)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return api.NewStatusError("socket", errnoStatus(err))
	}
	t.fd = fd
	return nil
}

// Bind assigns the local address. flags may include TCPIPv6Only for
// IPv6 addresses.
func (t *TCP) Bind(ip string, port int, flags TCPFlags) error {
	if t.state != stateOpen {
		return api.ErrHandleClosed
	}
	sa, err := sockaddr.Build(ip, port)
	if err != nil {
		return err
	}
	if err := t.ensureSocket(sa); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if flags&TCPIPv6Only != 0 {
		if _, ok := sa.(*unix.SockaddrInet6); !ok {
			return fmt.Errorf("%w: ipv6only needs an ipv6 address", api.ErrInvalidArgument)
		}
		if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return api.NewStatusError("bind", errnoStatus(err))
		}
	}
	if err := unix.Bind(t.fd, sa); err != nil {
		return api.NewStatusError("bind", errnoStatus(err))
	}
	return nil
}

// Connect starts a connection to ip:port. Invalid addresses and
// socket setup failures surface synchronously; connection refusal and
// timeouts arrive through cb.
func (t *TCP) Connect(ip string, port int, cb ConnectCallback) (*ConnectRequest, error) {
	if t.state != stateOpen {
		return nil, api.ErrHandleClosed
	}
	sa, err := sockaddr.Build(ip, port)
	if err != nil {
		return nil, err
	}
	if err := t.ensureSocket(sa); err != nil {
		return nil, err
	}
	return t.startConnect("connect", sa, cb)
}

// Open adopts an existing TCP socket descriptor.
func (t *TCP) Open(fd int) error {
	if t.state != stateOpen {
		return api.ErrHandleClosed
	}
	if t.fd >= 0 {
		return api.NewStatusError("open", api.StatusEBUSY)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return api.NewStatusError("open", errnoStatus(err))
	}
	if _, err := sockaddr.AddrPort(sa); err != nil {
		return fmt.Errorf("open: %w", api.ErrNotPollable)
	}
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || typ != unix.SOCK_STREAM {
		return fmt.Errorf("open: %w", api.ErrNotPollable)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return api.NewStatusError("open", errnoStatus(err))
	}
	t.adoptConnected(fd)
	return nil
}

// Sockname returns the local address.
func (t *TCP) Sockname() (netip.AddrPort, error) {
	return t.nameOf("sockname", unix.Getsockname)
}

// Peername returns the remote address.
func (t *TCP) Peername() (netip.AddrPort, error) {
	return t.nameOf("peername", unix.Getpeername)
}

func (t *TCP) nameOf(op string, query func(int) (unix.Sockaddr, error)) (netip.AddrPort, error) {
	if t.state != stateOpen {
		return netip.AddrPort{}, api.ErrHandleClosed
	}
	if t.fd < 0 {
		return netip.AddrPort{}, api.NewStatusError(op, api.StatusEBADF)
	}
	sa, err := query(t.fd)
	if err != nil {
		return netip.AddrPort{}, api.NewStatusError(op, errnoStatus(err))
	}
	return sockaddr.AddrPort(sa)
}

// SetNodelay toggles TCP_NODELAY.
func (t *TCP) SetNodelay(enable bool) error {
	return t.setSockoptInt("nodelay", unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(enable))
}

// SetKeepalive toggles SO_KEEPALIVE; delay sets the idle time before
// probes when enabling.
func (t *TCP) SetKeepalive(enable bool, delay time.Duration) error {
	if err := t.setSockoptInt("keepalive", unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(enable)); err != nil {
		return err
	}
	if !enable || delay <= 0 {
		return nil
	}
	secs := int(delay / time.Second)
	if secs < 1 {
		secs = 1
	}
	return t.setSockoptInt("keepalive", unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs)
}

func (t *TCP) setSockoptInt(op string, level, opt, value int) error {
	if t.state != stateOpen {
		return api.ErrHandleClosed
	}
	if t.fd < 0 {
		return api.NewStatusError(op, api.StatusEBADF)
	}
	if err := unix.SetsockoptInt(t.fd, level, opt, value); err != nil {
		return api.NewStatusError(op, errnoStatus(err))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
