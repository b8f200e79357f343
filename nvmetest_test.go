package nvmetest

import (
	"context"
	"testing"

	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/ioworker"
	"github.com/nvmetest/nvmetest/internal/transport/mock"
)

func newTestController(t *testing.T) (*Controller, interfaces.NamespaceIdentity) {
	t.Helper()
	ns := interfaces.NamespaceIdentity{NSID: 1, EUI64: 0xA, SizeLBs: 1024, LBADataBytes: 512}
	tr := mock.New(interfaces.ControllerIdentity{SerialNumber: "test-0"}, []interfaces.NamespaceIdentity{ns})

	params := DefaultParams("mock0")
	params.ShmDir = t.TempDir()
	params.CmdLogDepth = 16

	c, err := Attach(context.Background(), params, tr, nil)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, ns
}

func TestAttachAndIdentity(t *testing.T) {
	c, _ := newTestController(t)
	if c.Identity().SerialNumber != "test-0" {
		t.Errorf("Expected serial test-0, got %s", c.Identity().SerialNumber)
	}
}

func TestAddNamespaceAndQueuePair(t *testing.T) {
	c, nsIdent := newTestController(t)

	ns, err := c.AddNamespace(nsIdent)
	if err != nil {
		t.Fatalf("AddNamespace failed: %v", err)
	}
	if ns.ID() != 1 {
		t.Errorf("Expected nsid=1, got %d", ns.ID())
	}

	done := make(chan struct{}, 1)
	qp, err := c.AddQueuePair(context.Background(), 1, ns, func(ctx context.Context, qp *QueuePair) {
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("AddQueuePair failed: %v", err)
	}
	<-done
	if qp.ID() != 1 {
		t.Errorf("Expected qid=1, got %d", qp.ID())
	}

	got, ok := c.QueuePair(1)
	if !ok || got.ID() != 1 {
		t.Error("Expected to look up the just-added queue pair")
	}
}

func TestFormatResetsIntegrityTable(t *testing.T) {
	c, nsIdent := newTestController(t)
	ns, err := c.AddNamespace(nsIdent)
	if err != nil {
		t.Fatalf("AddNamespace failed: %v", err)
	}
	ns.inner.Table.CompleteWriteUncorrectable(5)
	if err := ns.Format(context.Background()); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if !ns.inner.Table.VerifyRead(5, make([]byte, 512)).OK() {
		t.Error("Expected Format to clear the uncorrectable mark on lba 5")
	}
}

func TestSanitizeResetsIntegrityTable(t *testing.T) {
	c, nsIdent := newTestController(t)
	ns, err := c.AddNamespace(nsIdent)
	if err != nil {
		t.Fatalf("AddNamespace failed: %v", err)
	}
	ns.inner.Table.CompleteWriteUncorrectable(5)
	if err := ns.Sanitize(context.Background()); err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}
	if !ns.inner.Table.VerifyRead(5, make([]byte, 512)).OK() {
		t.Error("Expected Sanitize to clear the uncorrectable mark on lba 5")
	}
}

func TestIOTokenStartsAtZero(t *testing.T) {
	c, _ := newTestController(t)
	if tok := c.IOToken(); tok != 0 {
		t.Errorf("Expected fresh attach token=0, got %d", tok)
	}
}

func TestRunDrivesIOWorker(t *testing.T) {
	c, nsIdent := newTestController(t)
	ns, err := c.AddNamespace(nsIdent)
	if err != nil {
		t.Fatalf("AddNamespace failed: %v", err)
	}

	args := ioworker.Args{
		QueueDepth:  4,
		Seconds:     1,
		ReadPercent: 100,
		BlockBytes:  512,
		LBAStart:    0,
		LBACount:    64,
		Seed:        1,
	}
	stats, err := c.Run(context.Background(), 2, ns, args)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Completed == 0 {
		t.Error("Expected Run to complete at least one command")
	}
}

func TestMetricsSnapshotReflectsController(t *testing.T) {
	c, _ := newTestController(t)
	if c.Metrics() == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	_ = c.MetricsSnapshot()
}
