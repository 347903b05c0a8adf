// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-size byte buffer pool. All buffers share one size so a checkout
// allocator can hand any recycled buffer to any read without tracking
// per-buffer capacity.

package pool

import "sync"

// BytePool hands out fixed-size byte slices and recycles them.
type BytePool struct {
	size int
	p    sync.Pool
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		panic("pool: buffer size must be positive")
	}
	bp := &BytePool{size: size}
	bp.p.New = func() any { return make([]byte, size) }
	return bp
}

// Get returns a buffer of the pool's fixed size.
func (b *BytePool) Get() []byte {
	return b.p.Get().([]byte)[:b.size]
}

// Put recycles a buffer obtained from Get. Foreign buffers with less
// capacity than the pool size are dropped.
func (b *BytePool) Put(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	b.p.Put(buf[:b.size])
}

// Size returns the fixed buffer size.
func (b *BytePool) Size() int { return b.size }
