//go:build !linux

// File: poller/poller_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub for platforms without a readiness backend yet.

package poller

import "errors"

// New reports that no poll backend exists for this platform.
func New() (Poller, error) {
	return nil, errors.New("poller: platform not supported")
}
