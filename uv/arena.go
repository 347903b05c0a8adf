//go:build linux

// File: uv/arena.go
// Author: momentics <momentics@gmail.com>
//
// Handle arena. The poller carries plain uint32 keys instead of
// pointers; the arena maps keys back to handles. Freed slots are
// quarantined until the end of the iteration so an event already
// sitting in the current batch can never resolve to a different handle
// that reclaimed the slot mid-dispatch.

package uv

type arena struct {
	slots []*Handle
	free  []uint32
	grave []uint32
}

func (a *arena) put(h *Handle) uint32 {
	if n := len(a.free); n > 0 {
		key := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[key] = h
		return key
	}
	key := uint32(len(a.slots))
	a.slots = append(a.slots, h)
	return key
}

func (a *arena) get(key uint32) *Handle {
	if int(key) >= len(a.slots) {
		return nil
	}
	return a.slots[key]
}

func (a *arena) drop(key uint32) {
	if int(key) >= len(a.slots) {
		return
	}
	a.slots[key] = nil
	a.grave = append(a.grave, key)
}

// recycle moves quarantined slots to the free list. Called once per
// loop iteration, after event dispatch.
func (a *arena) recycle() {
	if len(a.grave) == 0 {
		return
	}
	a.free = append(a.free, a.grave...)
	a.grave = a.grave[:0]
}
