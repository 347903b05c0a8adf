//go:build linux

// File: uv/kind.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handle kinds form a closed enumeration. The stream kinds double as
// the descriptor-type table used by Accept and by probing of
// descriptors received over an IPC pipe.

package uv

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
)

// HandleKind identifies the concrete type behind a Handle.
type HandleKind uint8

const (
	KindUnknown HandleKind = iota
	KindAsync
	KindPipe
	KindTCP
	KindTimer
	KindUDP
)

func (k HandleKind) String() string {
	switch k {
	case KindAsync:
		return "async"
	case KindPipe:
		return "pipe"
	case KindTCP:
		return "tcp"
	case KindTimer:
		return "timer"
	case KindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// newStreamOf instantiates an unbound stream handle of the given kind
// on l. Only stream kinds can be accepted.
func newStreamOf(l *Loop, kind HandleKind) (Streamer, error) {
	switch kind {
	case KindPipe:
		return NewPipe(l, false)
	case KindTCP:
		return NewTCP(l)
	default:
		return nil, fmt.Errorf("%w: cannot accept %s handles", api.ErrNotSupported, kind)
	}
}

// probeKind classifies a descriptor received over an IPC pipe so the
// receiver can pick the matching handle kind before accepting it.
func probeKind(fd int) HandleKind {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return KindUnknown
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFIFO:
		return KindPipe
	case unix.S_IFSOCK:
	default:
		return KindUnknown
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return KindUnknown
	}
	switch sa.(type) {
	case *unix.SockaddrUnix:
		return KindPipe
	case *unix.SockaddrInet4, *unix.SockaddrInet6:
		typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		if err != nil {
			return KindUnknown
		}
		if typ == unix.SOCK_DGRAM {
			return KindUDP
		}
		return KindTCP
	default:
		return KindUnknown
	}
}
