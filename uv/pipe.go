//go:build linux

// File: uv/pipe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unix domain socket transport. A Pipe either binds a path and
// listens, connects to a path, or adopts an existing descriptor
// (socket or FIFO) with Open. IPC pipes additionally carry
// descriptors in SCM_RIGHTS control messages: Write2 attaches one to
// outbound data, the read path collects received ones into the
// pending queue where PendingType/Accept claim them.

package uv

import (
	"bytes"
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
)

// nameProbeSize is the first-attempt buffer for sockname/peername.
// Deliberately smaller than sun_path so the retry path is real.
const nameProbeSize = 64

const maxFdsPerMsg = 16

// Pipe is a stream handle over a unix domain socket or FIFO.
type Pipe struct {
	Stream
}

// NewPipe creates an unbound pipe on l, or on the calling thread's
// current loop when l is nil. ipc enables descriptor passing on the
// connection this pipe will carry.
func NewPipe(l *Loop, ipc bool) (*Pipe, error) {
	if l == nil {
		var err error
		if l, err = Current(); err != nil {
			return nil, err
		}
	}
	if l.closed.Load() {
		return nil, api.ErrLoopClosed
	}
	p := &Pipe{}
	p.initStream(l, KindPipe, ipc)
	if ipc {
		p.doRead = p.readMsg
	}
	return p, nil
}

func newPipeSocket() (int, error) {
	return unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// Bind names the pipe. The path must not exist yet; binding an
// already-bound pipe fails.
func (p *Pipe) Bind(path string) error {
	if p.state != stateOpen {
		return api.ErrHandleClosed
	}
	if p.fd >= 0 {
		return api.NewStatusError("bind", api.StatusEINVAL)
	}
	fd, err := newPipeSocket()
	if err != nil {
		return api.NewStatusError("bind", errnoStatus(err))
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return api.NewStatusError("bind", errnoStatus(err))
	}
	p.fd = fd
	return nil
}

// Connect starts a connection to the pipe at path. Every failure past
// the closed-handle check is delivered through cb, including immediate
// kernel refusals.
func (p *Pipe) Connect(path string, cb ConnectCallback) (*ConnectRequest, error) {
	if p.state != stateOpen {
		return nil, api.ErrHandleClosed
	}
	if p.conn != nil {
		return nil, api.NewStatusError("connect", api.StatusEALREADY)
	}
	if p.fd < 0 {
		fd, err := newPipeSocket()
		if err != nil {
			req := newConnectRequest(&p.Handle, cb)
			req.completeLater(errnoStatus(err))
			return req, nil
		}
		p.fd = fd
	}
	return p.startConnect("connect", &unix.SockaddrUnix{Name: path}, cb)
}

// Open adopts an existing descriptor: a unix domain socket or a FIFO.
// The descriptor's access mode decides which directions the pipe
// reports usable, so the read end of a FIFO is not Writable. On
// rejection the pipe stays usable for a later Bind, Connect or Open.
func (p *Pipe) Open(fd int) error {
	if p.state != stateOpen {
		return api.ErrHandleClosed
	}
	if p.fd >= 0 {
		return api.NewStatusError("open", api.StatusEBUSY)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return api.NewStatusError("open", errnoStatus(err))
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFIFO:
	case unix.S_IFSOCK:
		sa, err := unix.Getsockname(fd)
		if err != nil {
			return api.NewStatusError("open", errnoStatus(err))
		}
		if _, ok := sa.(*unix.SockaddrUnix); !ok {
			return fmt.Errorf("open: %w", api.ErrNotPollable)
		}
	default:
		return fmt.Errorf("open: %w", api.ErrNotPollable)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return api.NewStatusError("open", errnoStatus(err))
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return api.NewStatusError("open", errnoStatus(err))
	}
	p.fd = fd
	mode := flags & unix.O_ACCMODE
	p.canRead = mode == unix.O_RDONLY || mode == unix.O_RDWR
	p.canWrite = mode == unix.O_WRONLY || mode == unix.O_RDWR
	return nil
}

// Sockname returns the path the pipe is bound to.
func (p *Pipe) Sockname() (string, error) {
	return p.nameOf("sockname", unix.SYS_GETSOCKNAME)
}

// Peername returns the path of the peer the pipe is connected to.
func (p *Pipe) Peername() (string, error) {
	return p.nameOf("peername", unix.SYS_GETPEERNAME)
}

// nameOf queries the kernel with a small probe buffer first and
// retries once at the size the kernel reported when the name was
// truncated.
func (p *Pipe) nameOf(op string, trap uintptr) (string, error) {
	if p.state != stateOpen {
		return "", api.ErrHandleClosed
	}
	if p.fd < 0 {
		return "", api.NewStatusError(op, api.StatusEBADF)
	}
	size := nameProbeSize
	for attempt := 0; attempt < 2; attempt++ {
		buf := make([]byte, size)
		slen := uint32(len(buf))
		_, _, errno := unix.Syscall(trap,
			uintptr(p.fd),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&slen)))
		if errno != 0 {
			return "", api.NewStatusError(op, api.StatusFromErrno(errno))
		}
		if int(slen) > len(buf) {
			size = int(slen)
			continue
		}
		return decodeUnixName(buf[:slen]), nil
	}
	return "", api.NewStatusError(op, api.StatusENOBUFS)
}

// decodeUnixName strips the sockaddr_un family header. Abstract
// namespace names render with the conventional leading '@'.
func decodeUnixName(raw []byte) string {
	if len(raw) <= 2 {
		return ""
	}
	path := raw[2:]
	if path[0] == 0 {
		return "@" + string(bytes.TrimRight(path[1:], "\x00"))
	}
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	return string(path)
}

// readMsg replaces read(2) on IPC pipes: data and descriptors arrive
// together, descriptors go straight to the pending queue.
func (p *Pipe) readMsg(buf []byte) (int, error) {
	oob := make([]byte, unix.CmsgSpace(maxFdsPerMsg*4))
	n, oobn, _, _, err := unix.Recvmsg(p.fd, buf, oob, 0)
	if err != nil {
		return 0, err
	}
	if oobn > 0 {
		p.collectFds(oob[:oobn])
	}
	return n, nil
}

func (p *Pipe) collectFds(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		p.loop.logger.Warn("discarding malformed control message", zap.Error(err))
		return
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			_ = unix.SetNonblock(fd, true)
			p.pending.Add(pendingItem{fd: fd, kind: probeKind(fd)})
		}
	}
}
