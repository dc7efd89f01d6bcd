package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRecordCommandIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCommand("START", 2000, 10*time.Millisecond)

	var metric dto.Metric
	if err := m.CommandsTotal.WithLabelValues("START", "2000").Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Fatalf("got %v, want 1", metric.GetCounter().GetValue())
	}
}

func TestRecordScanPassAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordScanPass(2, 1)
	m.RecordScanPass(1, 0)

	var updated, removed dto.Metric
	_ = m.ScanUpdatedTotal.Write(&updated)
	_ = m.ScanRemovedTotal.Write(&removed)
	if updated.GetCounter().GetValue() != 3 {
		t.Fatalf("got %v updated, want 3", updated.GetCounter().GetValue())
	}
	if removed.GetCounter().GetValue() != 1 {
		t.Fatalf("got %v removed, want 1", removed.GetCounter().GetValue())
	}
}
