// File: api/status.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion status codes. Every asynchronous operation reports its
// outcome as a Status: zero for success, a negative errno for backend
// failures, and the synthetic StatusEOF for end-of-stream so that EOF
// can never collide with a real errno.

package api

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Status is the completion code delivered to operation callbacks and
// carried by StatusError for synchronous backend failures.
type Status int

// StatusOK reports success. StatusEOF sits outside the errno range on
// every supported platform.
const (
	StatusOK  Status = 0
	StatusEOF Status = -4095
)

// Named codes for the errnos the reactor itself produces or inspects.
// Any other errno still round-trips through Status unchanged.
const (
	StatusEAGAIN       = Status(-int(unix.EAGAIN))
	StatusEALREADY     = Status(-int(unix.EALREADY))
	StatusEBADF        = Status(-int(unix.EBADF))
	StatusEBUSY        = Status(-int(unix.EBUSY))
	StatusECANCELED    = Status(-int(unix.ECANCELED))
	StatusECONNREFUSED = Status(-int(unix.ECONNREFUSED))
	StatusECONNRESET   = Status(-int(unix.ECONNRESET))
	StatusEINVAL       = Status(-int(unix.EINVAL))
	StatusENOBUFS      = Status(-int(unix.ENOBUFS))
	StatusENOTCONN     = Status(-int(unix.ENOTCONN))
	StatusEPIPE        = Status(-int(unix.EPIPE))
)

// StatusFromErrno converts a raw errno into a completion status.
func StatusFromErrno(errno unix.Errno) Status {
	if errno == 0 {
		return StatusOK
	}
	return Status(-int(errno))
}

// OK reports whether the status signals success.
func (s Status) OK() bool { return s >= 0 }

// EOF reports the end-of-stream condition.
func (s Status) EOF() bool { return s == StatusEOF }

// Errno returns the errno behind a failure status, or zero for
// success and for StatusEOF.
func (s Status) Errno() unix.Errno {
	if s >= 0 || s == StatusEOF {
		return 0
	}
	return unix.Errno(-int(s))
}

// Err converts the status into an error: nil on success, io.EOF for
// end-of-stream, the underlying errno otherwise.
func (s Status) Err() error {
	switch {
	case s >= 0:
		return nil
	case s == StatusEOF:
		return io.EOF
	default:
		return unix.Errno(-int(s))
	}
}

// String renders the symbolic errno name when one is known.
func (s Status) String() string {
	switch {
	case s >= 0:
		return "OK"
	case s == StatusEOF:
		return "EOF"
	default:
		if name := unix.ErrnoName(unix.Errno(-int(s))); name != "" {
			return name
		}
		return fmt.Sprintf("errno(%d)", -int(s))
	}
}
