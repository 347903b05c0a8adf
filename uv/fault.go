//go:build linux

// File: uv/fault.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Callback fault containment. A panic inside a user callback never
// unwinds the loop: it is captured as a Fault and routed to the loop's
// excepthook. Only a fault inside the excepthook itself is fatal, since
// there is no further containment layer to fall back to.

package uv

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// Fault describes one contained callback panic.
type Fault struct {
	// Context names the callback that faulted ("read callback",
	// "timer callback", ...).
	Context string

	// Value is the value recovered from the panic.
	Value any

	// Stack is the faulting goroutine's stack at the recovery point.
	Stack []byte
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: panic: %v", f.Context, f.Value)
}

// Unwrap exposes the panic value when it was an error.
func (f *Fault) Unwrap() error {
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}

// Excepthook receives contained callback faults. It runs on the loop
// thread and must not panic; a fault inside the hook terminates the
// process.
type Excepthook func(l *Loop, f *Fault)

// DefaultExcepthook logs the fault and stops the loop, so a broken
// callback surfaces instead of spinning the reactor.
func DefaultExcepthook(l *Loop, f *Fault) {
	l.logger.Error("callback fault",
		zap.String("context", f.Context),
		zap.Any("value", f.Value),
		zap.ByteString("stack", f.Stack),
	)
	l.Stop()
}

func captureStack() []byte {
	buf := make([]byte, 16<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// protect runs fn with fault containment. All user callbacks are
// dispatched through here.
func (l *Loop) protect(context string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			l.contain(context, v)
		}
	}()
	l.statCallbacks.Add(1)
	fn()
}

func (l *Loop) contain(context string, value any) {
	f := &Fault{Context: context, Value: value, Stack: captureStack()}
	l.lastFault = f
	l.statFaults.Add(1)

	hook := l.excepthook
	if hook == nil {
		hook = DefaultExcepthook
	}
	defer func() {
		if v := recover(); v != nil {
			fmt.Fprintf(os.Stderr, "hioload-uv: excepthook panicked: %v\n%s", v, captureStack())
			os.Exit(1)
		}
	}()
	hook(l, f)
}
