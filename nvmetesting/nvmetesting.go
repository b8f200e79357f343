// Package nvmetesting provides exported test helpers for applications built
// on nvmetest: a mock transport with call-count tracking and corruption
// injection, and a namespace identity builder, mirroring the
// teacher's root-level testing.go (MockBackend) one layer up the stack —
// from "mock block backend" to "mock NVMe transport".
package nvmetesting

import (
	"context"
	"sync"

	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/transport/mock"
)

// MockTransport wraps internal/transport/mock.Transport with call-count
// tracking, the same "Testing utility methods" idiom the teacher's
// MockBackend adds on top of its functional Backend implementation.
type MockTransport struct {
	inner *mock.Transport

	mu          sync.Mutex
	submitCalls int
	readCalls   int
	writeCalls  int
}

// NewMockTransport builds a mock transport exposing the given namespaces.
func NewMockTransport(ident interfaces.ControllerIdentity, namespaces []interfaces.NamespaceIdentity) *MockTransport {
	return &MockTransport{inner: mock.New(ident, namespaces)}
}

// NewNamespace is a convenience builder for a NamespaceIdentity; its EUI64
// is always derived from nsid.
func NewNamespace(nsid uint32, sizeLBs uint64, lbaDataBytes uint32) interfaces.NamespaceIdentity {
	return interfaces.NamespaceIdentity{
		NSID:         nsid,
		EUI64:        0x5A5A000000000000 | uint64(nsid),
		SizeLBs:      sizeLBs,
		LBADataBytes: lbaDataBytes,
	}
}

func (m *MockTransport) Identify(ctx context.Context) (interfaces.ControllerIdentity, error) {
	return m.inner.Identify(ctx)
}

func (m *MockTransport) EnumerateNamespaces(ctx context.Context) ([]interfaces.NamespaceIdentity, error) {
	return m.inner.EnumerateNamespaces(ctx)
}

func (m *MockTransport) Submit(ctx context.Context, qid uint16, cmd []byte, data []byte) (uint16, error) {
	m.mu.Lock()
	m.submitCalls++
	if len(cmd) > 0 {
		switch cmd[0] {
		case 0x01: // OpWrite
			m.writeCalls++
		case 0x02: // OpRead
			m.readCalls++
		}
	}
	m.mu.Unlock()
	return m.inner.Submit(ctx, qid, cmd, data)
}

func (m *MockTransport) Close() error {
	return m.inner.Close()
}

// InjectCorruption flips a byte in the given namespace's backing store at
// lba without touching any integrity-table state, the fault nvmetest's
// corruption-detection test scenario (spec.md §5 S2) expects to be caught
// on the next verified read.
func (m *MockTransport) InjectCorruption(nsid uint32, lba uint64) {
	m.inner.InjectCorruption(nsid, lba)
}

// SubmitCalls returns the total number of commands submitted so far.
func (m *MockTransport) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// ReadCalls returns the number of Read commands submitted so far.
func (m *MockTransport) ReadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls
}

// WriteCalls returns the number of Write commands submitted so far.
func (m *MockTransport) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

var (
	_ interfaces.Transport     = (*MockTransport)(nil)
	_ interfaces.FaultInjector = (*MockTransport)(nil)
)
