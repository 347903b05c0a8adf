//go:build linux

// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// metrics_test.go — collector registration and per-loop labelling.
package metrics_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/momentics/hioload-uv/metrics"
	"github.com/momentics/hioload-uv/uv"
)

func newLoop(t *testing.T) *uv.Loop {
	t.Helper()
	l, err := uv.New(uv.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func TestCollectorGather(t *testing.T) {
	a := newLoop(t)
	b := newLoop(t)

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(a), metrics.NewCollector(b))

	// Give one loop some history so the counters move.
	done := false
	if err := a.Submit(func() { done = true }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := a.Run(context.Background(), uv.RunNoWait); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !done {
		t.Fatal("Submitted function did not run")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	wantFamilies := map[string]bool{
		"hioload_uv_loop_iterations_total": false,
		"hioload_uv_loop_events_total":     false,
		"hioload_uv_loop_callbacks_total":  false,
		"hioload_uv_loop_faults_total":     false,
		"hioload_uv_loop_handles":          false,
		"hioload_uv_loop_requests":         false,
		"hioload_uv_loop_submit_backlog":   false,
	}
	wantLabels := map[string]bool{
		strconv.FormatInt(a.ID(), 10): false,
		strconv.FormatInt(b.ID(), 10): false,
	}

	for _, mf := range families {
		name := mf.GetName()
		if _, ok := wantFamilies[name]; !ok {
			t.Errorf("Unexpected family %q", name)
			continue
		}
		wantFamilies[name] = true
		if got := len(mf.GetMetric()); got != 2 {
			t.Errorf("Expected 2 series in %q, got %d", name, got)
		}
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != 1 || m.GetLabel()[0].GetName() != "loop" {
				t.Errorf("Expected a single loop label in %q", name)
				continue
			}
			id := m.GetLabel()[0].GetValue()
			if _, ok := wantLabels[id]; !ok {
				t.Errorf("Unexpected loop label %q", id)
				continue
			}
			wantLabels[id] = true

			if name == "hioload_uv_loop_iterations_total" && id == strconv.FormatInt(a.ID(), 10) {
				if v := m.GetCounter().GetValue(); v < 1 {
					t.Errorf("Expected at least one iteration, got %v", v)
				}
			}
			if name == "hioload_uv_loop_faults_total" {
				if v := m.GetCounter().GetValue(); v != 0 {
					t.Errorf("Expected zero faults, got %v", v)
				}
			}
		}
	}
	for name, seen := range wantFamilies {
		if !seen {
			t.Errorf("Family %q missing from gather", name)
		}
	}
	for id, seen := range wantLabels {
		if !seen {
			t.Errorf("Loop %s missing from gather", id)
		}
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestCollectorTracksHandles(t *testing.T) {
	l := newLoop(t)

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(l))

	timer, err := uv.NewTimer(l)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}

	gaugeValue := func() float64 {
		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather failed: %v", err)
		}
		for _, mf := range families {
			if mf.GetName() == "hioload_uv_loop_handles" {
				return mf.GetMetric()[0].GetGauge().GetValue()
			}
		}
		t.Fatal("Handle gauge missing")
		return 0
	}

	if v := gaugeValue(); v != 1 {
		t.Errorf("Expected 1 live handle, got %v", v)
	}

	timer.Close(nil)
	if _, err := l.Run(context.Background(), uv.RunNoWait); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if v := gaugeValue(); v != 0 {
		t.Errorf("Expected 0 live handles after close, got %v", v)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
