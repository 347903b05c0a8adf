//go:build linux

// File: uv/async.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Async handles bridge other threads into the loop. Send is safe from
// anywhere, wakes the loop, and coalesces: any number of Sends before
// the callback runs produce one callback invocation. An Async is
// active from creation, so it keeps the loop alive until closed;
// Unref it when the loop should be allowed to drain regardless.

package uv

import (
	"sync/atomic"

	"github.com/momentics/hioload-uv/api"
)

// AsyncCallback fires on the loop thread after one or more Sends.
type AsyncCallback func(a *Async)

// Async is the cross-thread wakeup handle.
type Async struct {
	Handle

	onAsync AsyncCallback
	flagged atomic.Bool
}

// NewAsync creates an async handle on l, or on the calling thread's
// current loop when l is nil. cb may be nil for a pure-wakeup handle.
func NewAsync(l *Loop, cb AsyncCallback) (*Async, error) {
	if l == nil {
		var err error
		if l, err = Current(); err != nil {
			return nil, err
		}
	}
	if l.closed.Load() {
		return nil, api.ErrLoopClosed
	}
	a := &Async{onAsync: cb}
	a.initHandle(l, KindAsync)
	l.asyncs[a] = struct{}{}
	a.teardown = func() { delete(l.asyncs, a) }
	a.setActive(true)
	return a, nil
}

// Send schedules the callback on the loop thread. Safe from any
// thread; multiple Sends coalesce into one callback run. A Send that
// races Close either reports ErrHandleClosed or is silently dropped,
// never delivered after the close callback.
func (a *Async) Send() error {
	if a.loop.closed.Load() {
		return api.ErrLoopClosed
	}
	if !a.open.Load() {
		return api.ErrHandleClosed
	}
	if !a.flagged.Swap(true) {
		return a.loop.poller.Wakeup()
	}
	return nil
}

// runAsyncs delivers callbacks for every async flagged since the last
// iteration.
func (l *Loop) runAsyncs() {
	if len(l.asyncs) == 0 {
		return
	}
	for a := range l.asyncs {
		if a.state != stateOpen {
			continue
		}
		if !a.flagged.Swap(false) {
			continue
		}
		if a.onAsync == nil {
			continue
		}
		cb := a.onAsync
		l.protect("async callback", func() { cb(a) })
	}
}
