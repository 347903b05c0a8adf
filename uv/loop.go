//go:build linux

// File: uv/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The reactor core. One Run iteration walks a fixed phase order:
//
//	update time -> due timers -> deferred completions -> submitted
//	work -> async callbacks -> poll I/O -> close callbacks
//
// The poll phase blocks only when nothing earlier produced work, and
// the stop flag is honored between iterations. Liveness is defined by
// active referenced handles, in-flight requests, undelivered deferred
// completions and handles awaiting close callbacks.

package uv

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-uv/api"
	"github.com/momentics/hioload-uv/poller"
	"github.com/momentics/hioload-uv/pool"
)

var loopSeq atomic.Int64

type deferredCall struct {
	h  *Handle
	fn func()
}

// Loop drives handles and requests from a single goroutine. See the
// package documentation for the ownership model.
type Loop struct {
	id        int64
	poller    poller.Poller
	allocator Allocator
	logger    *zap.Logger
	registry  *Registry

	handles  map[*Handle]struct{}
	requests map[*Request]struct{}
	arena    arena
	timers   timerHeap
	asyncs   map[*Async]struct{}
	closing  []*Handle
	deferred []deferredCall

	submit *pool.Ring[func()]
	events []poller.Event

	birth time.Time
	nowMs int64

	activeRefd int
	closed     atomic.Bool
	stopFlag   atomic.Bool

	excepthook Excepthook
	lastFault  *Fault

	statIterations atomic.Uint64
	statEvents     atomic.Uint64
	statCallbacks  atomic.Uint64
	statFaults     atomic.Uint64
	statHandles    atomic.Uint64
	statRequests   atomic.Uint64
}

// New creates a loop with its own poller backend and registers it with
// the registry (the process-wide one unless WithRegistry overrides).
// The constructing thread becomes the loop's current thread.
func New(opts ...Option) (*Loop, error) {
	l, err := newLoop(opts...)
	if err != nil {
		return nil, err
	}
	l.registry.adopt(l)
	return l, nil
}

// newLoop builds a loop without registering it, so Registry can hold
// its own lock around construction.
func newLoop(opts ...Option) (*Loop, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		id:         loopSeq.Add(1),
		poller:     p,
		allocator:  o.allocator,
		logger:     o.logger,
		registry:   o.registry,
		handles:    make(map[*Handle]struct{}),
		requests:   make(map[*Request]struct{}),
		asyncs:     make(map[*Async]struct{}),
		submit:     pool.NewRing[func()](o.submitCap),
		events:     make([]poller.Event, o.maxEvents),
		birth:      time.Now(),
		excepthook: o.excepthook,
	}
	if l.allocator == nil {
		l.allocator = NewDefaultAllocator(o.bufferSize)
	}
	if l.logger == nil {
		l.logger = defaultLogger()
	}
	if l.registry == nil {
		l.registry = processRegistry
	}
	l.logger = l.logger.With(zap.Int64("loop", l.id))
	return l, nil
}

// ID returns the loop's process-unique identifier.
func (l *Loop) ID() int64 { return l.id }

// Logger returns the loop's structured logger.
func (l *Loop) Logger() *zap.Logger { return l.logger }

// Run drives the loop in the given mode. It returns true when work
// remains (the loop stopped or ran a bounded iteration while handles
// or requests are still alive) and false when the loop drained.
// Cancelling ctx stops the loop like Stop does.
func (l *Loop) Run(ctx context.Context, mode RunMode) (bool, error) {
	if l.closed.Load() {
		return false, api.ErrLoopClosed
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.registry.noteCurrent(unix.Gettid(), l)

	if ctx == nil {
		ctx = context.Background()
	}
	if done := ctx.Done(); done != nil {
		quit := make(chan struct{})
		defer close(quit)
		go func() {
			select {
			case <-done:
				l.Stop()
			case <-quit:
			}
		}()
	}

	// The stop flag only spans one Run invocation.
	defer l.stopFlag.Store(false)

	for l.alive() && !l.stopFlag.Load() {
		l.updateTime()
		l.runTimers()
		l.runDeferred()
		l.runSubmitted()
		l.runAsyncs()
		l.pollIO(l.pollTimeout(mode))
		l.updateTime()
		if mode == RunOnce {
			// A once-iteration that slept in poll until a timer came
			// due still delivers that timer before returning.
			l.runTimers()
		}
		l.runCloseCallbacks()
		l.arena.recycle()
		l.statIterations.Add(1)
		if mode != RunDefault {
			break
		}
	}
	return l.alive(), nil
}

// Stop makes the current or next Run return after the iteration in
// progress. Safe to call from any thread; the flag clears when Run
// returns.
func (l *Loop) Stop() {
	if l.closed.Load() {
		return
	}
	if l.stopFlag.CompareAndSwap(false, true) {
		_ = l.poller.Wakeup()
	}
}

// Alive reports whether anything would keep Run iterating.
func (l *Loop) Alive() bool {
	if l.closed.Load() {
		return false
	}
	return l.alive()
}

func (l *Loop) alive() bool {
	return l.activeRefd > 0 ||
		len(l.requests) > 0 ||
		len(l.closing) > 0 ||
		len(l.deferred) > 0 ||
		l.submit.Len() > 0
}

// Close releases the poller backend and removes the loop from its
// registry. It fails with ErrLoopBusy while any handle or request is
// still registered; closed loops reject every subsequent operation.
func (l *Loop) Close() error {
	if l.closed.Load() {
		return nil
	}
	if len(l.handles) > 0 || len(l.requests) > 0 || len(l.closing) > 0 {
		return api.ErrLoopBusy
	}
	l.closed.Store(true)
	l.registry.forget(l)
	return l.poller.Close()
}

// Closed reports whether Close succeeded.
func (l *Loop) Closed() bool { return l.closed.Load() }

// CloseAllHandles starts the close sequence for every handle still
// registered, sharing one close callback. Drive the loop afterwards to
// deliver the callbacks, then Close the loop.
func (l *Loop) CloseAllHandles(cb CloseCallback) {
	snapshot := make([]*Handle, 0, len(l.handles))
	for h := range l.handles {
		snapshot = append(snapshot, h)
	}
	for _, h := range snapshot {
		h.Close(cb)
	}
}

// Handles returns a snapshot of the registered handles, including
// handles whose close callback has not fired yet.
func (l *Loop) Handles() []*Handle {
	out := make([]*Handle, 0, len(l.handles))
	for h := range l.handles {
		out = append(out, h)
	}
	return out
}

// Submit queues fn for execution on the loop thread and wakes the
// loop. Safe from any thread. The loop must be kept alive by a handle
// (an Async is the usual choice) for the submission to be drained.
func (l *Loop) Submit(fn func()) error {
	if l.closed.Load() {
		return api.ErrLoopClosed
	}
	if fn == nil {
		return api.ErrInvalidArgument
	}
	if !l.submit.Enqueue(fn) {
		return api.ErrSubmitQueueFull
	}
	return l.poller.Wakeup()
}

// Now returns the loop's cached monotonic clock in milliseconds. The
// value advances once per iteration, not per call.
func (l *Loop) Now() int64 { return l.nowMs }

// UpdateTime refreshes the cached clock. Useful before arming timers
// from a callback that ran for a long time.
func (l *Loop) UpdateTime() { l.updateTime() }

func (l *Loop) updateTime() {
	l.nowMs = int64(time.Since(l.birth) / time.Millisecond)
}

// Fileno returns the descriptor of the poller backend, so the loop can
// be watched from an outer poll set and driven with RunNoWait when the
// descriptor reports readable.
func (l *Loop) Fileno() (int, error) {
	if l.closed.Load() {
		return -1, api.ErrLoopClosed
	}
	return l.poller.Fd(), nil
}

// PollTimeout reports how long the next poll phase may sleep, in
// milliseconds: 0 when queued work or a due timer demands an immediate
// pass, -1 when only I/O could produce work, otherwise the delay until
// the nearest timer.
func (l *Loop) PollTimeout() (int, error) {
	if l.closed.Load() {
		return 0, api.ErrLoopClosed
	}
	if !l.alive() {
		return 0, nil
	}
	return l.pollTimeout(RunDefault), nil
}

// SetExcepthook replaces the fault hook; nil restores the default.
func (l *Loop) SetExcepthook(hook Excepthook) { l.excepthook = hook }

// LastFault returns the most recently contained callback fault.
func (l *Loop) LastFault() *Fault { return l.lastFault }

// deferCallback queues fn for the deferred phase of the next
// iteration. Entries are tagged with their handle so finishClose can
// deliver them before the close callback.
func (l *Loop) deferCallback(h *Handle, fn func()) {
	l.deferred = append(l.deferred, deferredCall{h: h, fn: fn})
}

// runDeferred delivers the completions queued before this phase began.
// Completions deferred while the batch runs wait for the next
// iteration.
func (l *Loop) runDeferred() {
	if len(l.deferred) == 0 {
		return
	}
	batch := l.deferred
	l.deferred = nil
	for _, d := range batch {
		d.fn()
	}
}

// flushDeferredFor delivers queued completions belonging to h and
// compacts the rest in place.
func (l *Loop) flushDeferredFor(h *Handle) {
	if len(l.deferred) == 0 {
		return
	}
	kept := l.deferred[:0]
	var run []func()
	for _, d := range l.deferred {
		if d.h == h {
			run = append(run, d.fn)
		} else {
			kept = append(kept, d)
		}
	}
	l.deferred = kept
	for _, fn := range run {
		fn()
	}
}

func (l *Loop) runSubmitted() {
	for {
		fn, ok := l.submit.Dequeue()
		if !ok {
			return
		}
		l.protect("submitted callback", fn)
	}
}

func (l *Loop) pollTimeout(mode RunMode) int {
	if mode == RunNoWait {
		return 0
	}
	if l.stopFlag.Load() {
		return 0
	}
	if len(l.deferred) > 0 || len(l.closing) > 0 || l.submit.Len() > 0 {
		return 0
	}
	if delta, ok := l.timers.nextAfter(l.nowMs); ok {
		if delta <= 0 {
			return 0
		}
		if delta > int64(1<<30) {
			return 1 << 30
		}
		return int(delta)
	}
	return -1
}

func (l *Loop) pollIO(timeoutMs int) {
	n, err := l.poller.Wait(l.events, timeoutMs)
	if err != nil {
		l.logger.Warn("poll failed", zap.Error(err))
		return
	}
	for i := 0; i < n; i++ {
		ev := l.events[i]
		h := l.arena.get(ev.Key)
		if h == nil || h.state != stateOpen || h.onIO == nil {
			// Slot freed by a close earlier in this batch.
			continue
		}
		l.statEvents.Add(1)
		h.onIO(ev)
	}
}

func (l *Loop) runCloseCallbacks() {
	for len(l.closing) > 0 {
		h := l.closing[0]
		l.closing = l.closing[1:]
		h.finishClose()
	}
}

// Stats is a point-in-time snapshot of loop counters. Safe to read
// from any thread.
type Stats struct {
	Iterations       uint64
	Events           uint64
	Callbacks        uint64
	Faults           uint64
	HandlesLive      uint64
	RequestsInFlight uint64
	SubmitBacklog    int
}

// Stats snapshots the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Iterations:       l.statIterations.Load(),
		Events:           l.statEvents.Load(),
		Callbacks:        l.statCallbacks.Load(),
		Faults:           l.statFaults.Load(),
		HandlesLive:      l.statHandles.Load(),
		RequestsInFlight: l.statRequests.Load(),
		SubmitBacklog:    l.submit.Len(),
	}
}
