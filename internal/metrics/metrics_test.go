package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecordTaskBeforeEnableDoesNotPanic(t *testing.T) {
	lastSyncTimestamp, taskCount, taskLatency = nil, nil, nil
	RecordTask("proj", "fetch", true, time.Now())
	RecordGC(true)
	SetProjectCounts(1, 0)
}

func TestRecordTaskIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	Enable("reposync_test", reg)

	start := time.Now().Add(-time.Second)
	RecordTask("proja", "fetch", true, start)
	RecordTask("proja", "fetch", false, start)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() != "reposync_test_task_count" {
			continue
		}
		found = true
		if len(mf.GetMetric()) != 2 {
			t.Fatalf("task_count metric count = %d, want 2 (success=true, success=false)", len(mf.GetMetric()))
		}
		for _, m := range mf.GetMetric() {
			if m.GetCounter().GetValue() != 1 {
				t.Fatalf("counter value = %v, want 1", m.GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Fatal("reposync_test_task_count metric family not found")
	}
}

func TestSetProjectCountsSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	Enable("reposync_test2", reg)

	SetProjectCounts(3, 1)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]float64{"ok": 3, "failed": 1}
	got := map[string]float64{}
	for _, mf := range metricFamilies {
		if mf.GetName() != "reposync_test2_projects" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "state" {
					got[l.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	for state, v := range want {
		if got[state] != v {
			t.Fatalf("projects{state=%s} = %v, want %v", state, got[state], v)
		}
	}
}
