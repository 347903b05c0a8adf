//go:build linux

// File: uv/runmode.go
// Author: momentics <momentics@gmail.com>

package uv

// RunMode selects how Loop.Run schedules iterations.
type RunMode int

const (
	// RunDefault iterates until no referenced handle, request or
	// closing handle keeps the loop alive, or until Stop is called.
	RunDefault RunMode = iota

	// RunOnce performs a single iteration and blocks in the poll phase
	// until at least one event or timer is due.
	RunOnce

	// RunNoWait performs a single iteration with a zero poll timeout.
	RunNoWait
)

func (m RunMode) String() string {
	switch m {
	case RunDefault:
		return "default"
	case RunOnce:
		return "once"
	case RunNoWait:
		return "nowait"
	default:
		return "unknown"
	}
}
