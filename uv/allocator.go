//go:build linux

// File: uv/allocator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Read-buffer checkout protocol. Before each delivery the loop calls
// Allocate; the backend fills the buffer; Finalize releases it and
// returns exactly the filled bytes. Handing out an empty buffer is the
// sanctioned "no buffer available" signal and surfaces to the read
// callback as an ENOBUFS status without tearing the stream down.

package uv

import "github.com/momentics/hioload-uv/pool"

// DefaultBufferSize is the read buffer size used when no option
// overrides it.
const DefaultBufferSize = 64 * 1024

// Allocator supplies and recovers read buffers for one loop. The loop
// calls it only from the loop thread, and at most one buffer per
// handle is outstanding at any time.
type Allocator interface {
	// Allocate returns a buffer for the next read on h, sized at the
	// allocator's discretion; suggested is a hint. Returning an empty
	// buffer signals that no buffer is available right now.
	Allocate(h *Handle, suggested int) []byte

	// Finalize releases the buffer checked out for h and returns
	// exactly n bytes of it, empty when n <= 0. The returned slice is
	// only valid until the read callback returns.
	Finalize(h *Handle, n int, buf []byte) []byte
}

// DefaultAllocator recycles one buffer for the whole loop. With at most
// one read delivery in flight this is the cheapest possible policy: no
// allocation after startup, no bookkeeping per handle.
type DefaultAllocator struct {
	buf   []byte
	inUse bool
}

// NewDefaultAllocator creates the single-buffer allocator.
func NewDefaultAllocator(size int) *DefaultAllocator {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &DefaultAllocator{buf: make([]byte, size)}
}

func (a *DefaultAllocator) Allocate(_ *Handle, _ int) []byte {
	if a.inUse {
		return nil
	}
	a.inUse = true
	return a.buf
}

func (a *DefaultAllocator) Finalize(_ *Handle, n int, _ []byte) []byte {
	a.inUse = false
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, a.buf[:n])
	return out
}

// PoolAllocator checks buffers out of a shared BytePool. Unlike
// DefaultAllocator it never refuses a buffer, at the price of one
// pool round-trip per delivery. Several loops may share one pool.
type PoolAllocator struct {
	pool *pool.BytePool
}

// NewPoolAllocator creates an allocator over p.
func NewPoolAllocator(p *pool.BytePool) *PoolAllocator {
	return &PoolAllocator{pool: p}
}

func (a *PoolAllocator) Allocate(_ *Handle, _ int) []byte {
	return a.pool.Get()
}

func (a *PoolAllocator) Finalize(_ *Handle, n int, buf []byte) []byte {
	if n <= 0 {
		a.pool.Put(buf)
		return nil
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	a.pool.Put(buf)
	return out
}
