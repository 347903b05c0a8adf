//go:build linux

// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// udp_test.go — datagram send/receive, lazy socket creation, bind
// flags and descriptor adoption.
package uv_test

import (
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
	"github.com/momentics/hioload-uv/uv"
)

// boundUDP binds a fresh handle to an ephemeral loopback port.
func boundUDP(t *testing.T, l *uv.Loop) (*uv.UDP, netip.AddrPort) {
	t.Helper()
	u, err := uv.NewUDP(l)
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	if err := u.Bind("127.0.0.1", 0, 0); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	addr, err := u.Sockname()
	if err != nil {
		t.Fatalf("Sockname failed: %v", err)
	}
	return u, addr
}

func TestUDPEchoRoundtrip(t *testing.T) {
	l := newTestLoop(t)

	responder, respAddr := boundUDP(t, l)
	caller, callerAddr := boundUDP(t, l)

	if err := responder.RecvStart(func(u *uv.UDP, st api.Status, data []byte, from netip.AddrPort) {
		if st != api.StatusOK {
			t.Errorf("Responder got %v", st)
			return
		}
		if from != callerAddr {
			t.Errorf("Datagram source %v, want %v", from, callerAddr)
		}
		if _, err := u.Send(append([]byte(nil), data...), from.Addr().String(), int(from.Port()), nil); err != nil {
			t.Errorf("Reply send failed: %v", err)
		}
	}); err != nil {
		t.Fatalf("RecvStart failed: %v", err)
	}

	var reply []byte
	var replyFrom netip.AddrPort
	if err := caller.RecvStart(func(u *uv.UDP, st api.Status, data []byte, from netip.AddrPort) {
		if st != api.StatusOK {
			t.Errorf("Caller got %v", st)
			return
		}
		reply = append([]byte(nil), data...)
		replyFrom = from
		l.Stop()
	}); err != nil {
		t.Fatalf("RecvStart failed: %v", err)
	}

	probe := []byte("udp probe")
	sendSt := api.StatusEINVAL
	req, err := caller.Send(probe, respAddr.Addr().String(), int(respAddr.Port()), func(req *uv.SendRequest, st api.Status) {
		sendSt = st
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !req.Done() {
		t.Error("A loopback datagram send must settle synchronously")
	}
	if sendSt != api.StatusEINVAL {
		t.Fatal("Send callback must never run inside Send")
	}

	drive(t, l)

	if sendSt != api.StatusOK {
		t.Errorf("Expected send OK, got %v", sendSt)
	}
	if string(reply) != string(probe) {
		t.Errorf("Expected reply %q, got %q", probe, reply)
	}
	if replyFrom != respAddr {
		t.Errorf("Reply source %v, want %v", replyFrom, respAddr)
	}

	finish(t, l)
}

func TestUDPTrySend(t *testing.T) {
	l := newTestLoop(t)

	responder, respAddr := boundUDP(t, l)
	var got []byte
	if err := responder.RecvStart(func(u *uv.UDP, st api.Status, data []byte, from netip.AddrPort) {
		if st == api.StatusOK {
			got = append([]byte(nil), data...)
			l.Stop()
		}
	}); err != nil {
		t.Fatalf("RecvStart failed: %v", err)
	}

	sender, _ := boundUDP(t, l)
	n, err := sender.TrySend([]byte("direct"), respAddr.Addr().String(), int(respAddr.Port()))
	if err != nil || n != 6 {
		t.Fatalf("Expected a full synchronous send, got %d, %v", n, err)
	}
	if _, err := sender.TrySend([]byte("x"), "definitely not an ip", 1); !errors.Is(err, api.ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}

	drive(t, l)

	if string(got) != "direct" {
		t.Errorf("Expected %q, got %q", "direct", got)
	}

	finish(t, l)
}

func TestUDPLazySocket(t *testing.T) {
	l := newTestLoop(t)

	responder, respAddr := boundUDP(t, l)
	var got []byte
	if err := responder.RecvStart(func(u *uv.UDP, st api.Status, data []byte, from netip.AddrPort) {
		if st == api.StatusOK {
			got = append([]byte(nil), data...)
			l.Stop()
		}
	}); err != nil {
		t.Fatalf("RecvStart failed: %v", err)
	}

	sender, err := uv.NewUDP(l)
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	if _, err := sender.Sockname(); !errors.Is(err, unix.EBADF) {
		t.Errorf("Expected EBADF before the first send, got %v", err)
	}

	// The first send creates the socket and picks a source port.
	if _, err := sender.Send([]byte("lazy"), respAddr.Addr().String(), int(respAddr.Port()), nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if addr, err := sender.Sockname(); err != nil || addr.Port() == 0 {
		t.Errorf("Expected a kernel-assigned source port, got %v, %v", addr, err)
	}

	drive(t, l)

	if string(got) != "lazy" {
		t.Errorf("Expected %q, got %q", "lazy", got)
	}

	finish(t, l)
}

func TestUDPBindFlags(t *testing.T) {
	l := newTestLoop(t)

	_, addr := boundUDPReuse(t, l)
	second, err := uv.NewUDP(l)
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	if err := second.Bind(addr.Addr().String(), int(addr.Port()), uv.UDPReuseAddr); err != nil {
		t.Errorf("Reuse bind failed: %v", err)
	}

	third, err := uv.NewUDP(l)
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	if err := third.Bind("127.0.0.1", 0, uv.UDPIPv6Only); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for ipv6only with an ipv4 address, got %v", err)
	}

	finish(t, l)
}

func boundUDPReuse(t *testing.T, l *uv.Loop) (*uv.UDP, netip.AddrPort) {
	t.Helper()
	u, err := uv.NewUDP(l)
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	if err := u.Bind("127.0.0.1", 0, uv.UDPReuseAddr); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	addr, err := u.Sockname()
	if err != nil {
		t.Fatalf("Sockname failed: %v", err)
	}
	return u, addr
}

func TestUDPOpenValidation(t *testing.T) {
	l := newTestLoop(t)

	h, err := uv.NewUDP(l)
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair failed: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if err := h.Open(fds[0]); !errors.Is(err, api.ErrNotPollable) {
		t.Errorf("Expected ErrNotPollable for a stream socket, got %v", err)
	}

	raw, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socket failed: %v", err)
	}
	if err := unix.Bind(raw, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := h.Open(raw); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if addr, err := h.Sockname(); err != nil || addr.Port() == 0 {
		t.Errorf("Expected the adopted socket's address, got %v, %v", addr, err)
	}
	if err := h.Open(raw); !errors.Is(err, unix.EBUSY) {
		t.Errorf("Expected EBUSY on a second Open, got %v", err)
	}

	finish(t, l)
}

func TestUDPRecvToggle(t *testing.T) {
	l := newTestLoop(t)

	fresh, err := uv.NewUDP(l)
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	cb := func(u *uv.UDP, st api.Status, data []byte, from netip.AddrPort) {}
	if err := fresh.RecvStart(cb); !errors.Is(err, unix.EBADF) {
		t.Errorf("Expected EBADF on a socketless handle, got %v", err)
	}
	if err := fresh.RecvStop(); err != nil {
		t.Errorf("RecvStop on a socketless handle must be a no-op, got %v", err)
	}

	bound, _ := boundUDP(t, l)
	if err := bound.RecvStart(nil); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument without a stored callback, got %v", err)
	}
	if err := bound.RecvStart(cb); err != nil {
		t.Fatalf("RecvStart failed: %v", err)
	}
	if err := bound.RecvStart(nil); err != nil {
		t.Errorf("RecvStart with the retained callback failed: %v", err)
	}
	if err := bound.RecvStop(); err != nil {
		t.Fatalf("RecvStop failed: %v", err)
	}
	if err := bound.RecvStop(); err != nil {
		t.Errorf("Repeated RecvStop must be a no-op, got %v", err)
	}

	bound.Close(nil)
	if err := bound.RecvStart(cb); !errors.Is(err, api.ErrHandleClosed) {
		t.Errorf("Expected ErrHandleClosed, got %v", err)
	}
	if _, err := bound.Send([]byte("x"), "127.0.0.1", 1, nil); !errors.Is(err, api.ErrHandleClosed) {
		t.Errorf("Expected ErrHandleClosed from Send, got %v", err)
	}

	finish(t, l)
}

func TestUDPSendBadAddress(t *testing.T) {
	l := newTestLoop(t)

	u, _ := boundUDP(t, l)
	if _, err := u.Send([]byte("x"), "999.999.0.1", 53, nil); !errors.Is(err, api.ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
	if _, err := u.Send([]byte("x"), "127.0.0.1", -5, nil); !errors.Is(err, api.ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress for a bad port, got %v", err)
	}

	finish(t, l)
}
