// File: pool/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded lock-free ring for handing work to the loop thread. Multiple
// producers may enqueue concurrently; per-slot sequence numbers keep
// two producers from claiming the same cell. Capacity is a power of two
// so positions wrap with a mask.

package pool

import "sync/atomic"

type ringSlot[T any] struct {
	seq uint64
	val T
}

// Ring is a bounded multi-producer multi-consumer FIFO queue.
type Ring[T any] struct {
	mask  uint64
	slots []ringSlot[T]

	head uint64
	_    [56]byte // keep head and tail on separate cache lines
	tail uint64
}

// NewRing creates a ring with the given capacity, which must be a
// power of two.
func NewRing[T any](capacity uint64) *Ring[T] {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("pool: ring capacity must be a power of two")
	}
	r := &Ring[T]{
		mask:  capacity - 1,
		slots: make([]ringSlot[T], capacity),
	}
	for i := range r.slots {
		r.slots[i].seq = uint64(i)
	}
	return r
}

// Enqueue appends val. It returns false when the ring is full.
func (r *Ring[T]) Enqueue(val T) bool {
	for {
		pos := atomic.LoadUint64(&r.tail)
		slot := &r.slots[pos&r.mask]
		seq := atomic.LoadUint64(&slot.seq)
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.tail, pos, pos+1) {
				slot.val = val
				atomic.StoreUint64(&slot.seq, pos+1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

// Dequeue removes the oldest value. ok is false when the ring is empty.
func (r *Ring[T]) Dequeue() (val T, ok bool) {
	for {
		pos := atomic.LoadUint64(&r.head)
		slot := &r.slots[pos&r.mask]
		seq := atomic.LoadUint64(&slot.seq)
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.head, pos, pos+1) {
				val = slot.val
				var zero T
				slot.val = zero
				atomic.StoreUint64(&slot.seq, pos+r.mask+1)
				return val, true
			}
		case diff < 0:
			return val, false
		}
	}
}

// Len reports the buffered element count. The value is advisory under
// concurrent access.
func (r *Ring[T]) Len() int {
	tail := atomic.LoadUint64(&r.tail)
	head := atomic.LoadUint64(&r.head)
	if tail <= head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.slots) }
