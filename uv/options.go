//go:build linux

// File: uv/options.go
// Author: momentics <momentics@gmail.com>
//
// Functional construction options for Loop.

package uv

import "go.uber.org/zap"

type options struct {
	allocator  Allocator
	logger     *zap.Logger
	registry   *Registry
	excepthook Excepthook
	bufferSize int
	maxEvents  int
	submitCap  uint64
}

func defaultOptions() options {
	return options{
		bufferSize: DefaultBufferSize,
		maxEvents:  128,
		submitCap:  1024,
	}
}

// Option configures a Loop at construction time.
type Option func(*options)

// WithAllocator installs a custom read-buffer allocator.
func WithAllocator(a Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithLogger installs the structured logger the loop reports through.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) { o.logger = lg }
}

// WithRegistry attaches the loop to a registry other than the
// process-wide one. Tests use this to isolate default-loop state.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithExcepthook installs the fault hook at construction time.
func WithExcepthook(hook Excepthook) Option {
	return func(o *options) { o.excepthook = hook }
}

// WithBufferSize sets the DefaultAllocator buffer size. Ignored when
// WithAllocator is also given.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithMaxEvents bounds the events delivered per poll batch.
func WithMaxEvents(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEvents = n
		}
	}
}

// WithSubmitQueueSize sets the cross-thread submit ring capacity,
// rounded up to a power of two.
func WithSubmitQueueSize(n int) Option {
	return func(o *options) {
		if n <= 0 {
			return
		}
		c := uint64(1)
		for c < uint64(n) {
			c <<= 1
		}
		o.submitCap = c
	}
}
