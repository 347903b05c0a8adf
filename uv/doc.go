// File: uv/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package uv implements a single-threaded event-loop reactor over the
// epoll backend in poller: handles (Pipe, TCP, UDP, Timer, Async) own
// kernel resources, requests (connect, write, shutdown, send) track
// one-shot operations, and all completion callbacks run on the loop
// thread inside Run.
//
// Ownership model: a Loop and everything attached to it belong to one
// goroutine. The only cross-thread entry points are Stop, Submit and
// Async.Send; everything else must be called from the loop thread.
// Callbacks never run concurrently and a fault (panic) inside a
// callback is contained by the loop's excepthook instead of unwinding
// the reactor.
//
// Read buffers follow a checkout protocol: before each delivery the
// loop asks the Allocator for a buffer, the backend fills it, and
// Finalize returns exactly the filled bytes while releasing the buffer
// for reuse. The received slice is only valid until the read callback
// returns.
package uv
