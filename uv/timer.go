//go:build linux

// File: uv/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer handles over a binary heap keyed by deadline, with an
// insertion sequence breaking ties so equal deadlines fire in the
// order they were armed. Deadlines use the loop's cached millisecond
// clock, which advances once per iteration.

package uv

import (
	"container/heap"
	"time"

	"github.com/momentics/hioload-uv/api"
)

// TimerCallback fires when a timer's deadline is reached.
type TimerCallback func(t *Timer)

// Timer is a deadline handle. A repeat interval re-arms it after each
// fire until Stop or Close.
type Timer struct {
	Handle

	onTimer  TimerCallback
	deadline int64
	repeat   int64
	seq      uint64
	heapIdx  int
}

// NewTimer creates a disarmed timer on l, or on the calling thread's
// current loop when l is nil.
func NewTimer(l *Loop) (*Timer, error) {
	if l == nil {
		var err error
		if l, err = Current(); err != nil {
			return nil, err
		}
	}
	if l.closed.Load() {
		return nil, api.ErrLoopClosed
	}
	t := &Timer{heapIdx: -1}
	t.initHandle(l, KindTimer)
	t.teardown = func() { t.loop.timers.remove(t) }
	return t, nil
}

// Start arms the timer: cb fires after timeout, then every repeat
// interval when repeat is positive. Starting an armed timer re-arms
// it. cb replaces the previous callback when non-nil.
func (t *Timer) Start(cb TimerCallback, timeout, repeat time.Duration) error {
	if t.state != stateOpen {
		return api.ErrHandleClosed
	}
	if cb != nil {
		t.onTimer = cb
	}
	if t.onTimer == nil {
		return api.ErrInvalidArgument
	}
	if timeout < 0 {
		timeout = 0
	}
	if repeat < 0 {
		repeat = 0
	}
	t.loop.timers.remove(t)
	t.deadline = t.loop.nowMs + int64(timeout/time.Millisecond)
	t.repeat = int64(repeat / time.Millisecond)
	t.loop.timers.push(t)
	t.setActive(true)
	return nil
}

// Stop disarms the timer. Idempotent; the callback is retained for a
// later Start or Again.
func (t *Timer) Stop() error {
	if t.state != stateOpen {
		return nil
	}
	t.loop.timers.remove(t)
	t.setActive(false)
	return nil
}

// Again re-arms the timer with its repeat interval, failing when no
// repeat is configured.
func (t *Timer) Again() error {
	if t.state != stateOpen {
		return api.ErrHandleClosed
	}
	if t.repeat == 0 || t.onTimer == nil {
		return api.NewStatusError("again", api.StatusEINVAL)
	}
	t.loop.timers.remove(t)
	t.deadline = t.loop.nowMs + t.repeat
	t.loop.timers.push(t)
	t.setActive(true)
	return nil
}

// SetRepeat changes the repeat interval. Takes effect at the next
// re-arm, not for an already-scheduled fire.
func (t *Timer) SetRepeat(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.repeat = int64(d / time.Millisecond)
}

// Repeat returns the configured repeat interval.
func (t *Timer) Repeat() time.Duration {
	return time.Duration(t.repeat) * time.Millisecond
}

// DueIn reports the time until the next fire, zero for disarmed or
// overdue timers.
func (t *Timer) DueIn() time.Duration {
	if t.heapIdx < 0 {
		return 0
	}
	d := t.deadline - t.loop.nowMs
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}

// runTimers fires every timer due at the loop's cached now. Repeating
// timers are re-armed before their callback runs, so the callback can
// Stop or re-Start them.
func (l *Loop) runTimers() {
	for {
		t := l.timers.peek()
		if t == nil || t.deadline > l.nowMs {
			return
		}
		l.timers.remove(t)
		if t.state != stateOpen {
			// Closed after arming, awaiting its close callback.
			continue
		}
		if t.repeat > 0 {
			t.deadline = l.nowMs + t.repeat
			l.timers.push(t)
		} else {
			t.setActive(false)
		}
		cb := t.onTimer
		l.protect("timer callback", func() { cb(t) })
	}
}

// timerHeap orders timers by (deadline, arm sequence).
type timerHeap struct {
	items []*Timer
	seq   uint64
}

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIdx = i
	h.items[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIdx = len(h.items)
	h.items = append(h.items, t)
}

func (h *timerHeap) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	t.heapIdx = -1
	return t
}

func (h *timerHeap) push(t *Timer) {
	t.seq = h.seq
	h.seq++
	heap.Push(h, t)
}

func (h *timerHeap) remove(t *Timer) {
	if t.heapIdx >= 0 {
		heap.Remove(h, t.heapIdx)
	}
}

func (h *timerHeap) peek() *Timer {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// nextAfter reports the delay until the earliest deadline.
func (h *timerHeap) nextAfter(now int64) (int64, bool) {
	t := h.peek()
	if t == nil {
		return 0, false
	}
	return t.deadline - now, true
}
