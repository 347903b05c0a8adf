// File: metrics/doc.go
// Author: momentics <momentics@gmail.com>
//
// Package metrics adapts loop counters to prometheus collectors.
package metrics
