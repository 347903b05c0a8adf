//go:build linux

// File: uv/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop registry: the process-wide default loop, the set of live loops
// and the per-thread current loop. The registry is injectable so tests
// and embedders can isolate default-loop state instead of sharing one
// process-global table.
//
// "Current" is keyed by OS thread id. It is only meaningful on
// goroutines pinned with runtime.LockOSThread; Run pins its goroutine
// and refreshes the entry itself.

package uv

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Registry tracks loops. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	def     *Loop
	loops   map[*Loop]struct{}
	current map[int]*Loop
	opts    []Option
}

// NewRegistry creates an empty registry. defaults apply to every loop
// the registry creates lazily (Default, Current).
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		loops:   make(map[*Loop]struct{}),
		current: make(map[int]*Loop),
		opts:    defaults,
	}
}

// processRegistry backs the package-level accessors.
var processRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return processRegistry }

// Default returns the registry's shared default loop, creating it on
// first use. Creation happens at most once even under concurrent
// callers; a failed creation is retried on the next call.
func (r *Registry) Default() (*Loop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.def != nil {
		return r.def, nil
	}
	l, err := r.createLocked()
	if err != nil {
		return nil, err
	}
	r.def = l
	return l, nil
}

// Current returns the calling thread's current loop, creating a fresh
// one when the thread has none yet.
func (r *Registry) Current() (*Loop, error) {
	tid := unix.Gettid()
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.current[tid]; ok {
		return l, nil
	}
	l, err := r.createLocked()
	if err != nil {
		return nil, err
	}
	r.current[tid] = l
	return l, nil
}

// TryCurrent returns the calling thread's current loop without
// creating one.
func (r *Registry) TryCurrent() (*Loop, bool) {
	tid := unix.Gettid()
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.current[tid]
	return l, ok
}

// Loops returns a snapshot of all live loops in the registry.
func (r *Registry) Loops() []*Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Loop, 0, len(r.loops))
	for l := range r.loops {
		out = append(out, l)
	}
	return out
}

// createLocked builds a loop while holding r.mu; newLoop does not
// call back into the registry.
func (r *Registry) createLocked() (*Loop, error) {
	opts := make([]Option, 0, len(r.opts)+1)
	opts = append(opts, r.opts...)
	opts = append(opts, WithRegistry(r))
	l, err := newLoop(opts...)
	if err != nil {
		return nil, err
	}
	r.loops[l] = struct{}{}
	r.current[unix.Gettid()] = l
	return l, nil
}

// adopt registers a loop built by New and marks it current for the
// constructing thread.
func (r *Registry) adopt(l *Loop) {
	tid := unix.Gettid()
	r.mu.Lock()
	r.loops[l] = struct{}{}
	r.current[tid] = l
	r.mu.Unlock()
}

// noteCurrent refreshes the current-loop entry; Run calls it from the
// pinned loop thread.
func (r *Registry) noteCurrent(tid int, l *Loop) {
	r.mu.Lock()
	r.current[tid] = l
	r.mu.Unlock()
}

// forget removes a closed loop. A closed default loop is forgotten
// rather than kept, so the next Default call creates a fresh loop.
func (r *Registry) forget(l *Loop) {
	r.mu.Lock()
	delete(r.loops, l)
	if r.def == l {
		r.def = nil
	}
	for tid, cur := range r.current {
		if cur == l {
			delete(r.current, tid)
		}
	}
	r.mu.Unlock()
}

// MakeCurrent marks l as the calling thread's current loop.
func (l *Loop) MakeCurrent() {
	l.registry.noteCurrent(unix.Gettid(), l)
}

// Default returns the process-wide default loop, creating it on first
// use.
func Default() (*Loop, error) { return processRegistry.Default() }

// Current returns the calling thread's current loop from the
// process-wide registry, creating one when the thread has none.
func Current() (*Loop, error) { return processRegistry.Current() }

// TryCurrent returns the calling thread's current loop, if any.
func TryCurrent() (*Loop, bool) { return processRegistry.TryCurrent() }

// Loops snapshots the live loops of the process-wide registry.
func Loops() []*Loop { return processRegistry.Loops() }
