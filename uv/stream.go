//go:build linux

// File: uv/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Generic stream protocol shared by Pipe and TCP: queued writes with
// FIFO completion, read toggling with allocator checkout, outbound
// shutdown after flush, non-blocking connect, and the listen/accept
// path with its pending-descriptor queue.
//
// Accepting is explicit. The connection callback only notifies; the
// accepted descriptor waits in the pending queue until the application
// calls Accept (or PendingAccept), inspects PendingType, or closes the
// listener, which releases whatever was never accepted.

package uv

import (
	"fmt"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
	"github.com/momentics/hioload-uv/poller"
)

const (
	defaultBacklog          = 128
	defaultPendingInstances = 16
)

// ReadCallback receives one read delivery. data is only valid until
// the callback returns; it is empty for non-success statuses and for
// zero-length reads.
type ReadCallback func(s *Stream, status api.Status, data []byte)

// ConnectionCallback notifies about one new pending connection (or an
// accept failure). It must not assume the pending queue holds exactly
// one entry.
type ConnectionCallback func(s *Stream, status api.Status)

// Streamer is implemented by every stream handle kind (Pipe, TCP).
type Streamer interface {
	stream() *Stream
}

type pendingItem struct {
	fd   int
	kind HandleKind
}

// Stream is the shared state of connection-oriented handles. Concrete
// kinds embed it and add their transport-specific setup calls.
type Stream struct {
	Handle
	ipc bool

	onRead       ReadCallback
	onConnection ConnectionCallback

	reading   bool
	listening bool
	canRead   bool
	canWrite  bool

	pendingMax int
	pending    *queue.Queue

	writeq []*WriteRequest
	shutq  []*ShutdownRequest
	conn   *ConnectRequest

	// doRead lets IPC pipes substitute recvmsg for read(2).
	doRead func(buf []byte) (int, error)
}

func (s *Stream) stream() *Stream { return s }

func (s *Stream) initStream(l *Loop, kind HandleKind, ipc bool) {
	s.initHandle(l, kind)
	s.ipc = ipc
	s.pendingMax = defaultPendingInstances
	s.pending = queue.New()
	s.onIO = s.handleIO
	s.teardown = s.teardownStream
	s.doRead = func(buf []byte) (int, error) { return unix.Read(s.fd, buf) }
}

// teardownStream releases descriptors that were accepted or received
// but never claimed by the application.
func (s *Stream) teardownStream() {
	for s.pending.Length() > 0 {
		item := s.pending.Remove().(pendingItem)
		unix.Close(item.fd)
	}
	s.writeq = nil
	s.shutq = nil
	s.conn = nil
}

// IPC reports whether the stream passes descriptors alongside data.
func (s *Stream) IPC() bool { return s.ipc }

// Readable reports whether the stream's inbound side is usable. Always
// false once the handle is closing.
func (s *Stream) Readable() bool {
	return s.state == stateOpen && s.canRead
}

// Writable reports whether the stream's outbound side is usable.
// Always false once the handle is closing.
func (s *Stream) Writable() bool {
	return s.state == stateOpen && s.canWrite
}

// WriteQueueSize returns the bytes accepted by Write but not yet
// handed to the kernel.
func (s *Stream) WriteQueueSize() int {
	total := 0
	for _, wr := range s.writeq {
		total += len(wr.data)
	}
	return total
}

func (s *Stream) updateActive() {
	s.setActive(s.listening || s.reading)
}

func (s *Stream) syncInterest() error {
	if s.state != stateOpen {
		return nil
	}
	var want poller.Interest
	if s.listening || s.reading {
		want |= poller.Readable
	}
	if s.conn != nil || len(s.writeq) > 0 || len(s.shutq) > 0 {
		want |= poller.Writable
	}
	return s.wantIO(want)
}

func (s *Stream) handleIO(ev poller.Event) {
	if s.conn != nil && (ev.Writable || ev.Err || ev.Hup) {
		s.finishConnect()
		return
	}
	readable := ev.Readable || ev.Err || ev.Hup
	if s.listening && readable {
		s.acceptReady()
		return
	}
	if s.reading && readable {
		s.readReady()
		if s.state != stateOpen {
			return
		}
	}
	if ev.Writable || ev.Err {
		s.flushWrites()
	}
}

// ReadStart enables read deliveries. cb replaces the previous read
// callback when non-nil; enabling an already-reading stream is a
// no-op. At most one delivery happens per loop iteration.
func (s *Stream) ReadStart(cb ReadCallback) error {
	if s.state != stateOpen {
		return api.ErrHandleClosed
	}
	if s.fd < 0 {
		return api.NewStatusError("read_start", api.StatusEBADF)
	}
	if cb != nil {
		s.onRead = cb
	}
	if s.onRead == nil {
		return api.ErrInvalidArgument
	}
	if s.reading {
		return nil
	}
	s.reading = true
	s.updateActive()
	return s.syncInterest()
}

// ReadStop disables read deliveries. Stopping a non-reading or closing
// stream is a no-op.
func (s *Stream) ReadStop() error {
	if s.state != stateOpen {
		return nil
	}
	if !s.reading {
		return nil
	}
	s.reading = false
	s.updateActive()
	return s.syncInterest()
}

// stopReading is the internal variant used on EOF and fatal read
// errors, so a level-triggered backend does not re-report a condition
// the application already saw.
func (s *Stream) stopReading() {
	if !s.reading {
		return
	}
	s.reading = false
	s.updateActive()
	_ = s.syncInterest()
}

func (s *Stream) readReady() {
	l := s.loop
	buf := l.allocator.Allocate(&s.Handle, DefaultBufferSize)
	if len(buf) == 0 {
		// Allocator refused: transient, the read stays armed.
		data := l.allocator.Finalize(&s.Handle, int(api.StatusENOBUFS), buf)
		s.deliverRead(api.StatusENOBUFS, data)
		return
	}

	n, err := s.doRead(buf)
	var st api.Status
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		n, st = 0, api.StatusOK
	case err != nil:
		st = errnoStatus(err)
		n = int(st)
	case n == 0:
		st = api.StatusEOF
		n = int(st)
	default:
		st = api.StatusOK
	}

	data := l.allocator.Finalize(&s.Handle, n, buf)
	if !st.OK() {
		s.stopReading()
	}
	s.deliverRead(st, data)
}

func (s *Stream) deliverRead(st api.Status, data []byte) {
	if s.onRead == nil {
		return
	}
	s.loop.protect("read callback", func() { s.onRead(s, st, data) })
}

// Listen starts accepting connections. backlog <= 0 selects the
// default. cb replaces the previous connection callback when non-nil.
func (s *Stream) Listen(backlog int, cb ConnectionCallback) error {
	if s.state != stateOpen {
		return api.ErrHandleClosed
	}
	if s.fd < 0 {
		return api.NewStatusError("listen", api.StatusEBADF)
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return api.NewStatusError("listen", errnoStatus(err))
	}
	if cb != nil {
		s.onConnection = cb
	}
	s.listening = true
	s.updateActive()
	return s.syncInterest()
}

// acceptReady drains the kernel accept queue into the pending queue,
// at most pendingMax descriptors per iteration, notifying once per
// accepted connection.
func (s *Stream) acceptReady() {
	for i := 0; i < s.pendingMax; i++ {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
				return
			default:
				s.deliverConnection(errnoStatus(err))
				return
			}
		}
		s.pending.Add(pendingItem{fd: nfd, kind: s.kind})
		s.deliverConnection(api.StatusOK)
		if s.state != stateOpen {
			return
		}
	}
}

func (s *Stream) deliverConnection(st api.Status) {
	if s.onConnection == nil {
		return
	}
	s.loop.protect("connection callback", func() { s.onConnection(s, st) })
}

// PendingCount reports the queued descriptors awaiting Accept. It is
// zero once the handle is closing.
func (s *Stream) PendingCount() int {
	if s.state != stateOpen {
		return 0
	}
	return s.pending.Length()
}

// PendingType returns the handle kind of the oldest pending
// descriptor, so the caller can pick the matching Accept kind.
func (s *Stream) PendingType() (HandleKind, error) {
	if s.state != stateOpen {
		return KindUnknown, api.ErrHandleClosed
	}
	if s.pending.Length() == 0 {
		return KindUnknown, api.ErrNoPending
	}
	return s.pending.Peek().(pendingItem).kind, nil
}

// PendingInstances advises how many descriptors may be queued per
// iteration. It does not shrink the already-pending queue.
func (s *Stream) PendingInstances(n int) {
	if n > 0 {
		s.pendingMax = n
	}
}

// Accept claims the oldest pending descriptor as a new handle of the
// given kind. The kind must match PendingType.
func (s *Stream) Accept(kind HandleKind) (Streamer, error) {
	if s.state != stateOpen {
		return nil, api.ErrHandleClosed
	}
	if s.pending.Length() == 0 {
		return nil, api.ErrNoPending
	}
	item := s.pending.Peek().(pendingItem)
	if item.kind != kind {
		return nil, fmt.Errorf("%w: pending descriptor is %s, not %s",
			api.ErrInvalidArgument, item.kind, kind)
	}
	conn, err := newStreamOf(s.loop, kind)
	if err != nil {
		return nil, err
	}
	s.pending.Remove()
	conn.stream().adoptConnected(item.fd)
	return conn, nil
}

// PendingAccept claims the oldest pending descriptor with the kind
// reported by PendingType.
func (s *Stream) PendingAccept() (Streamer, error) {
	kind, err := s.PendingType()
	if err != nil {
		return nil, err
	}
	return s.Accept(kind)
}

func (s *Stream) adoptConnected(fd int) {
	s.fd = fd
	s.canRead = true
	s.canWrite = true
}

// Write queues data for transmission. The slice is retained until the
// request completes and must not be mutated meanwhile. The completion
// callback never runs inside this call.
func (s *Stream) Write(data []byte, cb WriteCallback) (*WriteRequest, error) {
	return s.queueWrite(data, nil, cb)
}

// Write2 queues data and passes send's descriptor to the peer along
// with it. Only IPC pipes support descriptor passing, and at least one
// payload byte is required to carry the control message.
func (s *Stream) Write2(data []byte, send Streamer, cb WriteCallback) (*WriteRequest, error) {
	return s.queueWrite(data, send, cb)
}

func (s *Stream) queueWrite(data []byte, send Streamer, cb WriteCallback) (*WriteRequest, error) {
	if s.state != stateOpen {
		return nil, api.ErrHandleClosed
	}
	if s.fd < 0 {
		return nil, api.NewStatusError("write", api.StatusEBADF)
	}
	sendFd := -1
	if send != nil {
		if !s.ipc {
			return nil, fmt.Errorf("%w: descriptor passing needs an ipc pipe", api.ErrNotSupported)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: descriptor passing needs at least one payload byte", api.ErrInvalidArgument)
		}
		ss := send.stream()
		if ss.state != stateOpen || ss.fd < 0 {
			return nil, api.ErrHandleClosed
		}
		sendFd = ss.fd
	}
	wr := newWriteRequest(&s.Handle, data, sendFd, cb)
	s.writeq = append(s.writeq, wr)
	s.flushWrites()
	return wr, nil
}

// TryWrite writes synchronously what fits, bypassing the request
// machinery. It fails with ErrAgain when writes are already queued or
// the kernel buffer is full.
func (s *Stream) TryWrite(data []byte) (int, error) {
	if s.state != stateOpen {
		return 0, api.ErrHandleClosed
	}
	if s.fd < 0 {
		return 0, api.NewStatusError("try_write", api.StatusEBADF)
	}
	if len(s.writeq) > 0 || s.conn != nil {
		return 0, api.ErrAgain
	}
	n, err := unix.Write(s.fd, data)
	switch {
	case err == unix.EAGAIN:
		return 0, api.ErrAgain
	case err != nil:
		return 0, api.NewStatusError("try_write", errnoStatus(err))
	default:
		return n, nil
	}
}

func (s *Stream) flushWrites() {
	if s.conn != nil {
		return
	}
next:
	for len(s.writeq) > 0 {
		wr := s.writeq[0]
		for len(wr.data) > 0 || wr.sendFd >= 0 {
			var n int
			var err error
			if wr.sendFd >= 0 {
				n, err = s.writeWithFd(wr.data, wr.sendFd)
			} else {
				n, err = unix.Write(s.fd, wr.data)
			}
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN:
				_ = s.syncInterest()
				return
			case err != nil:
				s.writeq = s.writeq[1:]
				wr.completeLater(errnoStatus(err))
				continue next
			}
			wr.sendFd = -1
			wr.data = wr.data[n:]
		}
		s.writeq = s.writeq[1:]
		wr.completeLater(api.StatusOK)
	}

	// Queue drained: shutdowns waiting behind the writes may run now.
	if len(s.shutq) > 0 {
		pending := s.shutq
		s.shutq = nil
		for _, req := range pending {
			s.execShutdown(req)
		}
	}
	_ = s.syncInterest()
}

// writeWithFd sends the first chunk with the passed descriptor in an
// SCM_RIGHTS control message.
func (s *Stream) writeWithFd(data []byte, fd int) (int, error) {
	return unix.SendmsgN(s.fd, data, unix.UnixRights(fd), nil, 0)
}

// Shutdown closes the outbound side once every write queued before it
// has flushed. Reads are unaffected.
func (s *Stream) Shutdown(cb ShutdownCallback) (*ShutdownRequest, error) {
	if s.state != stateOpen {
		return nil, api.ErrHandleClosed
	}
	if s.fd < 0 {
		return nil, api.NewStatusError("shutdown", api.StatusEBADF)
	}
	req := newShutdownRequest(&s.Handle, cb)
	if len(s.writeq) == 0 && s.conn == nil {
		s.execShutdown(req)
	} else {
		s.shutq = append(s.shutq, req)
	}
	return req, nil
}

func (s *Stream) execShutdown(req *ShutdownRequest) {
	if req.done {
		return
	}
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		req.completeLater(errnoStatus(err))
		return
	}
	s.canWrite = false
	req.completeLater(api.StatusOK)
}

// startConnect runs the shared non-blocking connect protocol. Failures
// after this point travel through the completion callback, including
// immediate kernel refusals.
func (s *Stream) startConnect(op string, sa unix.Sockaddr, cb ConnectCallback) (*ConnectRequest, error) {
	if s.state != stateOpen {
		return nil, api.ErrHandleClosed
	}
	if s.conn != nil {
		return nil, api.NewStatusError(op, api.StatusEALREADY)
	}
	if s.fd < 0 {
		return nil, api.NewStatusError(op, api.StatusEBADF)
	}
	req := newConnectRequest(&s.Handle, cb)
	err := unix.Connect(s.fd, sa)
	switch {
	case err == nil:
		s.canRead = true
		s.canWrite = true
		req.completeLater(api.StatusOK)
	case err == unix.EINPROGRESS:
		s.conn = req
		if ierr := s.syncInterest(); ierr != nil {
			s.conn = nil
			req.completeLater(errnoStatus(ierr))
		}
	default:
		req.completeLater(errnoStatus(err))
	}
	return req, nil
}

func (s *Stream) finishConnect() {
	req := s.conn
	s.conn = nil

	st := api.StatusOK
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		st = errnoStatus(err)
	} else if soerr != 0 {
		st = api.Status(-soerr)
	}
	if st.OK() {
		s.canRead = true
		s.canWrite = true
	} else {
		// The stream never connected: writes and shutdowns queued
		// behind the connect settle as cancelled before the connect
		// callback runs, and their callbacks follow it in submission
		// order.
		s.failQueued(api.StatusECANCELED)
	}
	req.completeNow(st)
	if s.state != stateOpen {
		return
	}
	if st.OK() {
		// Queued work runs now. flushWrites drains the shutdown queue
		// even when no write is pending.
		s.flushWrites()
		return
	}
	_ = s.syncInterest()
}

// failQueued settles every queued write and shutdown without touching
// the descriptor.
func (s *Stream) failQueued(st api.Status) {
	writes := s.writeq
	s.writeq = nil
	for _, wr := range writes {
		wr.completeLater(st)
	}
	shuts := s.shutq
	s.shutq = nil
	for _, req := range shuts {
		req.completeLater(st)
	}
}
