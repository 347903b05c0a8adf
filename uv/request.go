//go:build linux

// File: uv/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Requests track one-shot asynchronous operations. A request completes
// exactly once: with the operation's status, or with ECANCELED when the
// owning handle closes first. Completion callbacks never run inside the
// submitting call; results decided synchronously are deferred to the
// next loop iteration.

package uv

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
)

// RequestKind identifies the operation behind a Request.
type RequestKind uint8

const (
	ReqConnect RequestKind = iota
	ReqWrite
	ReqShutdown
	ReqSend
)

func (k RequestKind) String() string {
	switch k {
	case ReqConnect:
		return "connect"
	case ReqWrite:
		return "write"
	case ReqShutdown:
		return "shutdown"
	case ReqSend:
		return "send"
	default:
		return "unknown"
	}
}

// Request is the base of every typed request.
type Request struct {
	loop   *Loop
	handle *Handle
	kind   RequestKind

	done   bool
	status api.Status

	// fire dispatches the typed completion callback.
	fire func(st api.Status)
}

func (r *Request) initRequest(h *Handle, kind RequestKind) {
	r.loop = h.loop
	r.handle = h
	r.kind = kind
	r.loop.requests[r] = struct{}{}
	r.loop.statRequests.Add(1)
	h.reqs[r] = struct{}{}
}

// Handle returns the handle the request operates on.
func (r *Request) Handle() *Handle { return r.handle }

// Kind returns the operation kind.
func (r *Request) Kind() RequestKind { return r.kind }

// Done reports whether the request completed (or was cancelled).
func (r *Request) Done() bool { return r.done }

// Status returns the completion status; valid once Done reports true.
func (r *Request) Status() api.Status { return r.status }

func (r *Request) callbackContext() string {
	return r.kind.String() + " callback"
}

// settle marks the request complete and detaches it from the loop and
// handle sets. It returns false if the request already completed.
func (r *Request) settle(st api.Status) bool {
	if r.done {
		return false
	}
	r.done = true
	r.status = st
	delete(r.loop.requests, r)
	delete(r.handle.reqs, r)
	r.loop.statRequests.Add(^uint64(0))
	return true
}

// completeNow settles and dispatches the callback immediately. Used
// from the poll dispatch and close phases, where delivery is already
// asynchronous with respect to the submitting call.
func (r *Request) completeNow(st api.Status) {
	if r.settle(st) {
		r.dispatch()
	}
}

// completeLater settles now but queues the callback for the next
// iteration, preserving the no-synchronous-completion guarantee.
func (r *Request) completeLater(st api.Status) {
	if r.settle(st) {
		r.loop.deferCallback(r.handle, r.dispatch)
	}
}

func (r *Request) dispatch() {
	if r.fire == nil {
		return
	}
	r.loop.protect(r.callbackContext(), func() { r.fire(r.status) })
}

// ConnectCallback fires when a connect request completes.
type ConnectCallback func(req *ConnectRequest, status api.Status)

// ConnectRequest tracks an in-flight stream connect.
type ConnectRequest struct {
	Request
	onConnect ConnectCallback
}

func newConnectRequest(h *Handle, cb ConnectCallback) *ConnectRequest {
	req := &ConnectRequest{onConnect: cb}
	req.initRequest(h, ReqConnect)
	req.fire = func(st api.Status) {
		if req.onConnect != nil {
			req.onConnect(req, st)
		}
	}
	return req
}

// WriteCallback fires when a write request completes.
type WriteCallback func(req *WriteRequest, status api.Status)

// WriteRequest tracks a queued stream write. data shrinks as chunks
// reach the kernel; sendFd is the descriptor travelling with the
// payload on IPC pipes, -1 otherwise.
type WriteRequest struct {
	Request
	data   []byte
	sendFd int

	onWrite WriteCallback
}

func newWriteRequest(h *Handle, data []byte, sendFd int, cb WriteCallback) *WriteRequest {
	req := &WriteRequest{data: data, sendFd: sendFd, onWrite: cb}
	req.initRequest(h, ReqWrite)
	req.fire = func(st api.Status) {
		if req.onWrite != nil {
			req.onWrite(req, st)
		}
	}
	return req
}

// ShutdownCallback fires when a shutdown request completes.
type ShutdownCallback func(req *ShutdownRequest, status api.Status)

// ShutdownRequest tracks an outbound-side shutdown. It waits for all
// writes queued before it to flush.
type ShutdownRequest struct {
	Request
	onShutdown ShutdownCallback
}

func newShutdownRequest(h *Handle, cb ShutdownCallback) *ShutdownRequest {
	req := &ShutdownRequest{onShutdown: cb}
	req.initRequest(h, ReqShutdown)
	req.fire = func(st api.Status) {
		if req.onShutdown != nil {
			req.onShutdown(req, st)
		}
	}
	return req
}

// SendCallback fires when a datagram send request completes.
type SendCallback func(req *SendRequest, status api.Status)

// SendRequest tracks a queued datagram send.
type SendRequest struct {
	Request
	data []byte
	to   unix.Sockaddr

	onSend SendCallback
}

func newSendRequest(h *Handle, data []byte, to unix.Sockaddr, cb SendCallback) *SendRequest {
	req := &SendRequest{data: data, to: to, onSend: cb}
	req.initRequest(h, ReqSend)
	req.fire = func(st api.Status) {
		if req.onSend != nil {
			req.onSend(req, st)
		}
	}
	return req
}
