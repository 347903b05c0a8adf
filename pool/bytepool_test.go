// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// bytepool_test.go — Sizing and recycling behavior of the byte pool.
package pool_test

import (
	"sync"
	"testing"

	"github.com/momentics/hioload-uv/pool"
)

func TestBytePoolSizing(t *testing.T) {
	bp := pool.NewBytePool(4096)
	if bp.Size() != 4096 {
		t.Errorf("Expected size 4096, got %d", bp.Size())
	}
	buf := bp.Get()
	if len(buf) != 4096 {
		t.Errorf("Expected buffer length 4096, got %d", len(buf))
	}
	bp.Put(buf)
	again := bp.Get()
	if len(again) != 4096 {
		t.Errorf("Expected recycled buffer length 4096, got %d", len(again))
	}
}

func TestBytePoolDropsForeignBuffers(t *testing.T) {
	bp := pool.NewBytePool(1024)
	// Undersized foreign buffer must be ignored, not resized.
	bp.Put(make([]byte, 16))
	buf := bp.Get()
	if len(buf) != 1024 {
		t.Errorf("Expected buffer length 1024, got %d", len(buf))
	}
}

func TestBytePoolInvalidSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for non-positive size")
		}
	}()
	pool.NewBytePool(0)
}

func TestBytePoolConcurrent(t *testing.T) {
	bp := pool.NewBytePool(512)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf := bp.Get()
				if len(buf) != 512 {
					t.Errorf("Expected buffer length 512, got %d", len(buf))
					return
				}
				buf[0] = byte(j)
				bp.Put(buf)
			}
		}()
	}
	wg.Wait()
}
