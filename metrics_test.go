package nvmetest

import (
	"testing"
	"time"
)

func TestRecordReadAccumulates(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(4096, 50_000, true)
	m.RecordRead(4096, 0, false)

	snap := m.Snapshot()
	if snap.ReadOps != 2 {
		t.Errorf("Expected ReadOps=2, got %d", snap.ReadOps)
	}
	if snap.ReadBytes != 4096 {
		t.Errorf("Expected ReadBytes=4096, got %d", snap.ReadBytes)
	}
	if snap.ReadErrors != 1 {
		t.Errorf("Expected ReadErrors=1, got %d", snap.ReadErrors)
	}
}

func TestRecordIntegrityFailure(t *testing.T) {
	m := NewMetrics()
	m.RecordIntegrityFailure(1, 42)
	m.RecordIntegrityFailure(1, 43)

	snap := m.Snapshot()
	if snap.IntegrityFailures != 2 {
		t.Errorf("Expected IntegrityFailures=2, got %d", snap.IntegrityFailures)
	}
}

func TestRecordQueueDepthTracksMax(t *testing.T) {
	m := NewMetrics()
	m.RecordQueueDepth(0, 4)
	m.RecordQueueDepth(0, 16)
	m.RecordQueueDepth(0, 8)

	snap := m.Snapshot()
	if snap.MaxQueueDepth != 16 {
		t.Errorf("Expected MaxQueueDepth=16, got %d", snap.MaxQueueDepth)
	}
	if snap.AvgQueueDepth != float64(4+16+8)/3 {
		t.Errorf("Expected avg queue depth %.2f, got %.2f", float64(4+16+8)/3, snap.AvgQueueDepth)
	}
}

func TestErrorRateComputedAcrossAllOps(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(512, 1000, true)
	m.RecordWrite(512, 1000, false)
	m.RecordDeallocate(512, 1000, true)
	m.RecordCompare(512, 1000, false)

	snap := m.Snapshot()
	if snap.TotalOps != 4 {
		t.Errorf("Expected TotalOps=4, got %d", snap.TotalOps)
	}
	if snap.ErrorRate != 50.0 {
		t.Errorf("Expected ErrorRate=50.0, got %.2f", snap.ErrorRate)
	}
}

func TestMetricsObserverDelegatesToMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveRead(4096, 1000, true)
	o.ObserveWrite(4096, 1000, true)
	o.ObserveDeallocate(4096, 1000, true)
	o.ObserveCompare(4096, 1000, true)
	o.ObserveIntegrityFailure(1, 0)
	o.ObserveQueueDepth(0, 1)

	snap := m.Snapshot()
	if snap.TotalOps != 4 {
		t.Errorf("Expected TotalOps=4, got %d", snap.TotalOps)
	}
	if snap.IntegrityFailures != 1 {
		t.Errorf("Expected IntegrityFailures=1, got %d", snap.IntegrityFailures)
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObserveRead(1, 1, true)
	o.ObserveWrite(1, 1, true)
	o.ObserveDeallocate(1, 1, true)
	o.ObserveCompare(1, 1, true)
	o.ObserveIntegrityFailure(1, 1)
	o.ObserveQueueDepth(0, 1)
}

func TestUptimeAdvancesAfterStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(time.Millisecond)
	m.Stop()
	snap := m.Snapshot()
	if snap.UptimeNs == 0 {
		t.Error("Expected non-zero uptime after Stop")
	}
}
