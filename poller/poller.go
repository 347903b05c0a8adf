// File: poller/poller.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness backend. One Poller serves one loop and
// multiplexes descriptor readiness; implementations are single-threaded
// except for Wakeup, which may be called from any thread.

package poller

// Interest selects the readiness conditions a registration waits for.
type Interest uint32

const (
	// Readable waits for data, a pending connection or a peer hangup.
	Readable Interest = 1 << iota
	// Writable waits for outbound buffer space or connect completion.
	Writable
)

// Event is a single readiness notification produced by Wait.
type Event struct {
	// Key is the registration key supplied to Add. The backend carries
	// it by value so no pointer ever crosses the syscall boundary.
	Key uint32

	Readable bool
	Writable bool

	// Err marks an error condition on the descriptor; the next I/O
	// attempt surfaces the precise errno.
	Err bool

	// Hup marks a peer hangup. Reads still drain buffered data.
	Hup bool
}

// Poller is the edge between the loop and the kernel readiness
// facility.
type Poller interface {
	// Add registers fd under key with the given interest set.
	Add(fd int, key uint32, interest Interest) error

	// Mod replaces the interest set of a registered descriptor.
	Mod(fd int, key uint32, interest Interest) error

	// Del removes a descriptor from the interest set.
	Del(fd int) error

	// Wait blocks for up to timeoutMs milliseconds (-1 blocks
	// indefinitely, 0 polls) and fills events with ready
	// registrations, returning the count.
	Wait(events []Event, timeoutMs int) (int, error)

	// Wakeup forces a concurrent Wait to return early. Safe from any
	// thread, coalesces with wakeups already pending.
	Wakeup() error

	// Fd returns the descriptor of the underlying readiness facility,
	// so a loop can be polled from an outer event system.
	Fd() int

	// Close releases the backend resources.
	Close() error
}
