//go:build linux

// File: uv/udp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// UDP transport. Datagram sends are all-or-nothing, so the write path
// is a plain FIFO of send requests without partial-progress tracking;
// receives use the same allocator checkout as streams, one delivery
// per iteration.

package uv

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
	"github.com/momentics/hioload-uv/poller"
	"github.com/momentics/hioload-uv/sockaddr"
)

// UDPFlags modify UDP bind behavior.
type UDPFlags uint32

const (
	// UDPIPv6Only restricts an IPv6 socket to IPv6 peers.
	UDPIPv6Only UDPFlags = 1 << iota
	// UDPReuseAddr sets SO_REUSEADDR before binding.
	UDPReuseAddr
)

// RecvCallback receives one datagram delivery. data is only valid
// until the callback returns. from is the zero AddrPort on failures.
type RecvCallback func(u *UDP, status api.Status, data []byte, from netip.AddrPort)

// UDP is a datagram handle.
type UDP struct {
	Handle

	onRecv  RecvCallback
	recving bool
	sendq   []*SendRequest
}

// NewUDP creates an unbound UDP handle on l, or on the calling
// thread's current loop when l is nil.
func NewUDP(l *Loop) (*UDP, error) {
	if l == nil {
		var err error
		if l, err = Current(); err != nil {
			return nil, err
		}
	}
	if l.closed.Load() {
		return nil, api.ErrLoopClosed
	}
	u := &UDP{}
	u.initHandle(l, KindUDP)
	u.onIO = u.handleIO
	u.teardown = func() { u.sendq = nil }
	return u, nil
}

func (u *UDP) ensureSocket(sa unix.Sockaddr) error {
	if u.fd >= 0 {
		return nil
	}
	domain, err := sockaddr.Family(sa)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return api.NewStatusError("socket", errnoStatus(err))
	}
	u.fd = fd
	return nil
}

// Bind assigns the local address.
func (u *UDP) Bind(ip string, port int, flags UDPFlags) error {
	if u.state != stateOpen {
		return api.ErrHandleClosed
	}
	sa, err := sockaddr.Build(ip, port)
	if err != nil {
		return err
	}
	if err := u.ensureSocket(sa); err != nil {
		return err
	}
	if flags&UDPReuseAddr != 0 {
		if err := unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return api.NewStatusError("bind", errnoStatus(err))
		}
	}
	if flags&UDPIPv6Only != 0 {
		if _, ok := sa.(*unix.SockaddrInet6); !ok {
			return fmt.Errorf("%w: ipv6only needs an ipv6 address", api.ErrInvalidArgument)
		}
		if err := unix.SetsockoptInt(u.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return api.NewStatusError("bind", errnoStatus(err))
		}
	}
	if err := unix.Bind(u.fd, sa); err != nil {
		return api.NewStatusError("bind", errnoStatus(err))
	}
	return nil
}

// Open adopts an existing datagram socket descriptor.
func (u *UDP) Open(fd int) error {
	if u.state != stateOpen {
		return api.ErrHandleClosed
	}
	if u.fd >= 0 {
		return api.NewStatusError("open", api.StatusEBUSY)
	}
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || typ != unix.SOCK_DGRAM {
		return fmt.Errorf("open: %w", api.ErrNotPollable)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return api.NewStatusError("open", errnoStatus(err))
	}
	u.fd = fd
	return nil
}

// Sockname returns the local address.
func (u *UDP) Sockname() (netip.AddrPort, error) {
	if u.state != stateOpen {
		return netip.AddrPort{}, api.ErrHandleClosed
	}
	if u.fd < 0 {
		return netip.AddrPort{}, api.NewStatusError("sockname", api.StatusEBADF)
	}
	sa, err := unix.Getsockname(u.fd)
	if err != nil {
		return netip.AddrPort{}, api.NewStatusError("sockname", errnoStatus(err))
	}
	return sockaddr.AddrPort(sa)
}

// Send queues one datagram to ip:port. The slice is retained until
// completion. The callback never runs inside this call.
func (u *UDP) Send(data []byte, ip string, port int, cb SendCallback) (*SendRequest, error) {
	if u.state != stateOpen {
		return nil, api.ErrHandleClosed
	}
	sa, err := sockaddr.Build(ip, port)
	if err != nil {
		return nil, err
	}
	if err := u.ensureSocket(sa); err != nil {
		return nil, err
	}
	req := newSendRequest(&u.Handle, data, sa, cb)
	u.sendq = append(u.sendq, req)
	u.flushSends()
	return req, nil
}

// TrySend sends one datagram synchronously, failing with ErrAgain when
// sends are queued or the kernel buffer is full.
func (u *UDP) TrySend(data []byte, ip string, port int) (int, error) {
	if u.state != stateOpen {
		return 0, api.ErrHandleClosed
	}
	sa, err := sockaddr.Build(ip, port)
	if err != nil {
		return 0, err
	}
	if err := u.ensureSocket(sa); err != nil {
		return 0, err
	}
	if len(u.sendq) > 0 {
		return 0, api.ErrAgain
	}
	switch err := unix.Sendto(u.fd, data, 0, sa); {
	case err == unix.EAGAIN:
		return 0, api.ErrAgain
	case err != nil:
		return 0, api.NewStatusError("try_send", errnoStatus(err))
	default:
		return len(data), nil
	}
}

// RecvStart enables datagram deliveries. cb replaces the previous
// callback when non-nil; enabling twice is a no-op.
func (u *UDP) RecvStart(cb RecvCallback) error {
	if u.state != stateOpen {
		return api.ErrHandleClosed
	}
	if u.fd < 0 {
		return api.NewStatusError("recv_start", api.StatusEBADF)
	}
	if cb != nil {
		u.onRecv = cb
	}
	if u.onRecv == nil {
		return api.ErrInvalidArgument
	}
	if u.recving {
		return nil
	}
	u.recving = true
	u.setActive(true)
	return u.syncInterest()
}

// RecvStop disables datagram deliveries. Idempotent.
func (u *UDP) RecvStop() error {
	if u.state != stateOpen {
		return nil
	}
	if !u.recving {
		return nil
	}
	u.recving = false
	u.setActive(false)
	return u.syncInterest()
}

func (u *UDP) syncInterest() error {
	if u.state != stateOpen {
		return nil
	}
	var want poller.Interest
	if u.recving {
		want |= poller.Readable
	}
	if len(u.sendq) > 0 {
		want |= poller.Writable
	}
	return u.wantIO(want)
}

func (u *UDP) handleIO(ev poller.Event) {
	if u.recving && (ev.Readable || ev.Err) {
		u.recvReady()
		if u.state != stateOpen {
			return
		}
	}
	if ev.Writable || ev.Err {
		u.flushSends()
	}
}

func (u *UDP) recvReady() {
	l := u.loop
	buf := l.allocator.Allocate(&u.Handle, DefaultBufferSize)
	if len(buf) == 0 {
		data := l.allocator.Finalize(&u.Handle, int(api.StatusENOBUFS), buf)
		u.deliverRecv(api.StatusENOBUFS, data, netip.AddrPort{})
		return
	}
	n, from, err := unix.Recvfrom(u.fd, buf, 0)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		// Spurious readiness: release the buffer, no delivery.
		l.allocator.Finalize(&u.Handle, 0, buf)
		return
	case err != nil:
		st := errnoStatus(err)
		data := l.allocator.Finalize(&u.Handle, int(st), buf)
		u.deliverRecv(st, data, netip.AddrPort{})
		return
	}
	data := l.allocator.Finalize(&u.Handle, n, buf)
	addr, _ := sockaddr.AddrPort(from)
	u.deliverRecv(api.StatusOK, data, addr)
}

func (u *UDP) deliverRecv(st api.Status, data []byte, from netip.AddrPort) {
	if u.onRecv == nil {
		return
	}
	u.loop.protect("recv callback", func() { u.onRecv(u, st, data, from) })
}

func (u *UDP) flushSends() {
	for len(u.sendq) > 0 {
		req := u.sendq[0]
		err := unix.Sendto(u.fd, req.data, 0, req.to)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			_ = u.syncInterest()
			return
		case err != nil:
			u.sendq = u.sendq[1:]
			req.completeLater(errnoStatus(err))
		default:
			u.sendq = u.sendq[1:]
			req.completeLater(api.StatusOK)
		}
	}
	_ = u.syncInterest()
}
