// File: api/doc.go
// Author: momentics <momentics@gmail.com>
//
// Package api defines the contracts shared by every layer of hioload-uv:
// completion status codes, synchronous fault sentinels and the
// structured error type carried by failed backend operations.
//
// The package is intentionally dependency-light so that transports,
// pollers and user code can all speak the same vocabulary without
// importing the loop core.
package api
