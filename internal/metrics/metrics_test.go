// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRead("b1", "bulk", 10*time.Millisecond, nil)
	m.ObserveRead("b1", "bulk", 10*time.Millisecond, errors.New("x"))
	m.WriteAttempt("b1", "lower")
	m.WriteAttempt("b1", "lower")
	m.ObserveWrite("b1", "lower", nil)
	m.SetOnline("b1", true)

	if got := testutil.ToFloat64(m.reads.WithLabelValues("b1", "bulk", "error")); got != 1 {
		t.Errorf("error reads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.writeAttempts.WithLabelValues("b1", "lower")); got != 2 {
		t.Errorf("write attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.online.WithLabelValues("b1")); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.reads); n != 2 {
		t.Errorf("read series = %d, want 2", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRead("b1", "bulk", time.Millisecond, nil)
	m.BulkFallback("b1")
	m.ObservePoll("b1", PollOK)
	m.ObserveEmission("b1", "change")
	m.SetOnline("b1", false)
	m.Forget("b1")
}
