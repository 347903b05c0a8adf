//go:build linux

// File: uv/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handle lifecycle. A handle is open, closing or closed and only ever
// moves forward. Close is idempotent and asynchronous: it detaches the
// handle from the poller immediately, cancels attached requests, and
// delivers the close callback at the end of the current (or next) loop
// iteration. After the close callback no further callback fires for
// the handle.

package uv

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
	"github.com/momentics/hioload-uv/poller"
)

type handleState uint8

const (
	stateOpen handleState = iota
	stateClosing
	stateClosed
)

// CloseCallback fires exactly once when a handle finished closing.
type CloseCallback func(h *Handle)

// Handle is the base of every loop-owned resource. Concrete kinds
// embed it; its pointer identity is stable for the handle's lifetime.
type Handle struct {
	loop *Loop
	kind HandleKind

	fd      int
	slot    uint32
	hasSlot bool

	state    handleState
	active   bool
	refd     bool
	interest poller.Interest

	// open mirrors the transition out of stateOpen for readers off the
	// loop thread; state itself is loop-thread only.
	open atomic.Bool

	onClose CloseCallback
	onIO    func(ev poller.Event)

	// teardown runs during finishClose, before the descriptor is
	// released. Kinds use it to drop auxiliary state (pending accept
	// queues, async registration, timer heap membership).
	teardown func()

	reqs map[*Request]struct{}
}

func (h *Handle) initHandle(l *Loop, kind HandleKind) {
	h.loop = l
	h.kind = kind
	h.fd = -1
	h.refd = true
	h.open.Store(true)
	h.reqs = make(map[*Request]struct{})
	l.handles[h] = struct{}{}
	l.statHandles.Add(1)
}

// Loop returns the owning loop.
func (h *Handle) Loop() *Loop { return h.loop }

// Kind returns the concrete handle kind.
func (h *Handle) Kind() HandleKind { return h.kind }

// Fd exposes the underlying descriptor, or an error once the handle
// is closing and the descriptor's fate belongs to the loop.
func (h *Handle) Fd() (int, error) {
	if h.state != stateOpen {
		return -1, api.ErrHandleClosed
	}
	return h.fd, nil
}

// Closing reports whether Close was called (the handle may still be
// awaiting its close callback).
func (h *Handle) Closing() bool { return h.state != stateOpen }

// Closed reports whether the close callback already fired.
func (h *Handle) Closed() bool { return h.state == stateClosed }

// Active reports whether the handle is doing work that keeps the loop
// alive (watching I/O, armed timer, listening, reading).
func (h *Handle) Active() bool { return h.active }

// Referenced reports whether the handle counts toward loop liveness.
func (h *Handle) Referenced() bool { return h.refd }

// Ref makes the handle count toward loop liveness again.
func (h *Handle) Ref() {
	if h.refd {
		return
	}
	h.refd = true
	if h.active && h.state == stateOpen {
		h.loop.activeRefd++
	}
}

// Unref excludes the handle from loop liveness: a loop whose only
// remaining work is unreferenced handles drains and Run returns.
func (h *Handle) Unref() {
	if !h.refd {
		return
	}
	h.refd = false
	if h.active && h.state == stateOpen {
		h.loop.activeRefd--
	}
}

func (h *Handle) setActive(on bool) {
	if h.active == on {
		return
	}
	h.active = on
	if h.refd && h.state == stateOpen {
		if on {
			h.loop.activeRefd++
		} else {
			h.loop.activeRefd--
		}
	}
}

// wantIO reconciles the poller registration with the desired interest
// set, registering, modifying or deregistering as needed.
func (h *Handle) wantIO(interest poller.Interest) error {
	if h.fd < 0 {
		return nil
	}
	switch {
	case interest == 0:
		return h.stopIO()
	case !h.hasSlot:
		key := h.loop.arena.put(h)
		if err := h.loop.poller.Add(h.fd, key, interest); err != nil {
			h.loop.arena.drop(key)
			return err
		}
		h.slot, h.hasSlot, h.interest = key, true, interest
		return nil
	case interest != h.interest:
		if err := h.loop.poller.Mod(h.fd, h.slot, interest); err != nil {
			return err
		}
		h.interest = interest
		return nil
	default:
		return nil
	}
}

func (h *Handle) stopIO() error {
	if !h.hasSlot {
		return nil
	}
	err := h.loop.poller.Del(h.fd)
	h.loop.arena.drop(h.slot)
	h.hasSlot = false
	h.interest = 0
	return err
}

// Close starts the asynchronous close sequence. It is a no-op on a
// handle that is already closing or closed. cb, when non-nil, fires
// exactly once after all attached requests were cancelled.
func (h *Handle) Close(cb CloseCallback) {
	if h.state != stateOpen {
		return
	}
	h.state = stateClosing
	h.open.Store(false)
	h.onClose = cb
	_ = h.stopIO()
	if h.active {
		h.active = false
		if h.refd {
			h.loop.activeRefd--
		}
	}
	h.loop.closing = append(h.loop.closing, h)
}

// finishClose runs in the loop's close phase.
func (h *Handle) finishClose() {
	// Completions already queued for this handle are delivered first,
	// so the close callback stays the handle's final callback.
	h.loop.flushDeferredFor(h)

	for _, r := range h.pendingRequests() {
		r.completeNow(api.StatusECANCELED)
	}
	if h.teardown != nil {
		h.teardown()
	}
	if h.fd >= 0 {
		unix.Close(h.fd)
		h.fd = -1
	}
	h.state = stateClosed
	delete(h.loop.handles, h)
	h.loop.statHandles.Add(^uint64(0))
	if h.onClose != nil {
		cb := h.onClose
		h.onClose = nil
		h.loop.protect("close callback", func() { cb(h) })
	}
}

func (h *Handle) pendingRequests() []*Request {
	if len(h.reqs) == 0 {
		return nil
	}
	out := make([]*Request, 0, len(h.reqs))
	for r := range h.reqs {
		out = append(out, r)
	}
	return out
}

func errnoStatus(err error) api.Status {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return api.StatusFromErrno(errno)
	}
	return api.Status(-int(unix.EIO))
}
