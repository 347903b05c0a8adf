//go:build linux

// File: poller/poller_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7) backend. Registrations are level-triggered on purpose:
// the loop performs at most one delivery per handle per iteration and
// relies on epoll re-reporting whatever remains. The registration key
// rides in the event payload itself, so the kernel never stores a Go
// pointer.

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// wakeKey marks events from the internal eventfd. Loop keys are arena
// slots and never reach this value.
const wakeKey = ^uint32(0)

type epollPoller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

// New opens an epoll instance plus the eventfd used by Wakeup.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &epollPoller{epfd: epfd, wakefd: wakefd, raw: make([]unix.EpollEvent, 128)}
	// Pad -1 carries the same bits as wakeKey; the typed constant would
	// not convert.
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd), Pad: -1}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wakeup: %w", err)
	}
	return p, nil
}

func epollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Add(fd int, key uint32, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd), Pad: int32(key)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Mod(fd int, key uint32, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd), Pad: int32(key)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wait(events []Event, timeoutMs int) (int, error) {
	if len(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	filled := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		if uint32(ev.Pad) == wakeKey {
			p.drainWakeup()
			continue
		}
		events[filled] = Event{
			Key:      uint32(ev.Pad),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Err:      ev.Events&unix.EPOLLERR != 0,
			Hup:      ev.Events&unix.EPOLLHUP != 0,
		}
		filled++
	}
	return filled, nil
}

func (p *epollPoller) Wakeup() error {
	one := [8]byte{1}
	for {
		_, err := unix.Write(p.wakefd, one[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Counter saturated, a wakeup is already pending.
			return nil
		case nil:
			return nil
		default:
			return fmt.Errorf("eventfd write: %w", err)
		}
	}
}

func (p *epollPoller) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) Fd() int { return p.epfd }

func (p *epollPoller) Close() error {
	werr := unix.Close(p.wakefd)
	eerr := unix.Close(p.epfd)
	if werr != nil {
		return fmt.Errorf("close eventfd: %w", werr)
	}
	if eerr != nil {
		return fmt.Errorf("close epoll: %w", eerr)
	}
	return nil
}
