//go:build linux

// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// loop_test.go — Run modes, liveness accounting, stop semantics and
// cross-thread submission.
package uv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-uv/api"
	"github.com/momentics/hioload-uv/uv"
)

// newTestLoop builds a quiet loop for one test.
func newTestLoop(t *testing.T) *uv.Loop {
	t.Helper()
	l, err := uv.New(uv.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

// drive runs the loop until it drains, stops, or the watchdog fires.
func drive(t *testing.T, l *uv.Loop) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alive, err := l.Run(ctx, uv.RunDefault)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return alive
}

// step performs one loop iteration without blocking.
func step(t *testing.T, l *uv.Loop) bool {
	t.Helper()
	alive, err := l.Run(context.Background(), uv.RunNoWait)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return alive
}

// finish closes every handle, drains the loop and releases it.
func finish(t *testing.T, l *uv.Loop) {
	t.Helper()
	l.CloseAllHandles(nil)
	drive(t, l)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestRunEmptyLoop(t *testing.T) {
	l := newTestLoop(t)
	alive, err := l.Run(context.Background(), uv.RunDefault)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if alive {
		t.Error("Empty loop must drain immediately")
	}
	if l.Alive() {
		t.Error("Empty loop must not report alive")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !l.Closed() {
		t.Error("Closed must report true after Close")
	}
	if _, err := l.Run(context.Background(), uv.RunDefault); !errors.Is(err, api.ErrLoopClosed) {
		t.Errorf("Expected ErrLoopClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Second Close must be a no-op, got %v", err)
	}
}

func TestRunNoWaitDoesNotBlock(t *testing.T) {
	l := newTestLoop(t)
	async, err := uv.NewAsync(l, nil)
	if err != nil {
		t.Fatalf("NewAsync failed: %v", err)
	}
	ran := false
	if err := l.Submit(func() { ran = true }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	start := time.Now()
	alive := step(t, l)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RunNoWait blocked for %v", elapsed)
	}
	if !ran {
		t.Error("Submitted function did not run in the iteration")
	}
	if !alive {
		t.Error("Loop with an active async must stay alive")
	}
	if l.Stats().Iterations == 0 {
		t.Error("Expected at least one counted iteration")
	}

	async.Close(nil)
	if alive := drive(t, l); alive {
		t.Error("Loop must drain after its last handle closed")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestRunOnceDeliversDueTimer(t *testing.T) {
	l := newTestLoop(t)
	timer, err := uv.NewTimer(l)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	fired := false
	if err := timer.Start(func(*uv.Timer) { fired = true }, 30*time.Millisecond, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	alive, err := l.Run(context.Background(), uv.RunOnce)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !fired {
		t.Error("RunOnce must deliver the timer it slept for")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("RunOnce returned before the timer was due: %v", elapsed)
	}
	if alive {
		t.Error("One-shot timer must leave the loop drained")
	}
	finish(t, l)
}

func TestStopSpansOneRun(t *testing.T) {
	l := newTestLoop(t)
	timer, err := uv.NewTimer(l)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	count := 0
	err = timer.Start(func(tm *uv.Timer) {
		count++
		if count == 3 {
			l.Stop()
		}
		if count == 6 {
			tm.Stop()
		}
	}, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if alive := drive(t, l); !alive {
		t.Error("Stopped loop with an armed timer must report alive")
	}
	if count != 3 {
		t.Errorf("Expected 3 ticks before stop, got %d", count)
	}

	// The stop flag does not leak into the next Run.
	drive(t, l)
	if count != 6 {
		t.Errorf("Expected 6 ticks after resuming, got %d", count)
	}
	finish(t, l)
}

func TestSubmitFromAnotherGoroutine(t *testing.T) {
	l := newTestLoop(t)
	async, err := uv.NewAsync(l, nil)
	if err != nil {
		t.Fatalf("NewAsync failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		err := l.Submit(func() { async.Close(nil) })
		if err != nil {
			t.Errorf("Submit failed: %v", err)
		}
	}()

	if alive := drive(t, l); alive {
		t.Error("Loop must drain once the submission closed the async")
	}
	<-done

	if err := l.Submit(nil); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for nil fn, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Submit(func() {}); !errors.Is(err, api.ErrLoopClosed) {
		t.Errorf("Expected ErrLoopClosed, got %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	l, err := uv.New(uv.WithLogger(zap.NewNop()), uv.WithSubmitQueueSize(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ran := 0
	if err := l.Submit(func() { ran++ }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := l.Submit(func() { ran++ }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := l.Submit(func() { ran++ }); !errors.Is(err, api.ErrSubmitQueueFull) {
		t.Errorf("Expected ErrSubmitQueueFull, got %v", err)
	}

	if alive := drive(t, l); alive {
		t.Error("Loop must drain after running the backlog")
	}
	if ran != 2 {
		t.Errorf("Expected 2 executed submissions, got %d", ran)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	l := newTestLoop(t)
	if _, err := uv.NewAsync(l, nil); err != nil {
		t.Fatalf("NewAsync failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	alive, err := l.Run(ctx, uv.RunDefault)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !alive {
		t.Error("Cancelled run must report remaining work")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run ignored the context for %v", elapsed)
	}
	finish(t, l)
}

func TestCloseBusyAndCloseAllHandles(t *testing.T) {
	l := newTestLoop(t)
	for i := 0; i < 2; i++ {
		timer, err := uv.NewTimer(l)
		if err != nil {
			t.Fatalf("NewTimer failed: %v", err)
		}
		if err := timer.Start(func(*uv.Timer) {}, time.Hour, 0); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}
	if _, err := uv.NewAsync(l, nil); err != nil {
		t.Fatalf("NewAsync failed: %v", err)
	}
	if got := len(l.Handles()); got != 3 {
		t.Fatalf("Expected 3 handles, got %d", got)
	}

	if err := l.Close(); !errors.Is(err, api.ErrLoopBusy) {
		t.Fatalf("Expected ErrLoopBusy, got %v", err)
	}

	closed := 0
	l.CloseAllHandles(func(*uv.Handle) { closed++ })
	if alive := drive(t, l); alive {
		t.Error("Loop must drain after closing every handle")
	}
	if closed != 3 {
		t.Errorf("Expected 3 close callbacks, got %d", closed)
	}
	if got := len(l.Handles()); got != 0 {
		t.Errorf("Expected no handles left, got %d", got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestLoopClock(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()

	before := l.Now()
	time.Sleep(30 * time.Millisecond)
	if l.Now() != before {
		t.Error("Now must not advance between iterations on its own")
	}
	l.UpdateTime()
	if l.Now() < before+10 {
		t.Errorf("Expected clock to advance by at least 10ms, got %d", l.Now()-before)
	}
}

func TestLoopIntrospection(t *testing.T) {
	l := newTestLoop(t)

	fd, err := l.Fileno()
	if err != nil {
		t.Fatalf("Fileno failed: %v", err)
	}
	if fd < 0 {
		t.Errorf("Expected a pollable backend descriptor, got %d", fd)
	}

	timeout, err := l.PollTimeout()
	if err != nil {
		t.Fatalf("PollTimeout failed: %v", err)
	}
	if timeout != 0 {
		t.Errorf("Expected 0 on a loop with nothing to wait for, got %d", timeout)
	}

	if _, err := uv.NewAsync(l, nil); err != nil {
		t.Fatalf("NewAsync failed: %v", err)
	}
	timeout, err = l.PollTimeout()
	if err != nil {
		t.Fatalf("PollTimeout failed: %v", err)
	}
	if timeout != -1 {
		t.Errorf("Expected -1 when only I/O could produce work, got %d", timeout)
	}

	timer, err := uv.NewTimer(l)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	if err := timer.Start(func(*uv.Timer) {}, 200*time.Millisecond, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	l.UpdateTime()
	timeout, err = l.PollTimeout()
	if err != nil {
		t.Fatalf("PollTimeout failed: %v", err)
	}
	if timeout <= 0 || timeout > 200 {
		t.Errorf("Expected a timeout bounded by the armed timer, got %d", timeout)
	}

	finish(t, l)
	if _, err := l.Fileno(); !errors.Is(err, api.ErrLoopClosed) {
		t.Errorf("Expected ErrLoopClosed from Fileno, got %v", err)
	}
	if _, err := l.PollTimeout(); !errors.Is(err, api.ErrLoopClosed) {
		t.Errorf("Expected ErrLoopClosed from PollTimeout, got %v", err)
	}
}

func TestLoopStats(t *testing.T) {
	l := newTestLoop(t)
	timer, err := uv.NewTimer(l)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	if err := timer.Start(func(*uv.Timer) {}, time.Millisecond, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := l.Stats()
	if st.HandlesLive != 1 {
		t.Errorf("Expected 1 live handle, got %d", st.HandlesLive)
	}

	drive(t, l)
	st = l.Stats()
	if st.Iterations == 0 {
		t.Error("Expected counted iterations")
	}
	if st.Callbacks == 0 {
		t.Error("Expected counted callbacks")
	}
	if st.Faults != 0 {
		t.Errorf("Expected no faults, got %d", st.Faults)
	}

	finish(t, l)
	if st := l.Stats(); st.HandlesLive != 0 {
		t.Errorf("Expected no live handles after finish, got %d", st.HandlesLive)
	}
}

func TestRunModeString(t *testing.T) {
	if uv.RunDefault.String() != "default" || uv.RunOnce.String() != "once" || uv.RunNoWait.String() != "nowait" {
		t.Error("RunMode strings changed")
	}
}
