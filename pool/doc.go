// File: pool/doc.go
// Author: momentics <momentics@gmail.com>
//
// Package pool provides the reusable building blocks under the loop
// core: a fixed-size byte buffer pool backing the checkout allocator
// and a bounded multi-producer ring carrying cross-thread submissions.
package pool
