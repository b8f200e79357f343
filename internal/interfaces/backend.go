// Package interfaces provides internal interface definitions for nvmetest.
// These are separate from the public interfaces to avoid circular imports
// between the root package and the internal packages that implement it.
package interfaces

import "context"

// ControllerIdentity is the subset of NVMe Identify Controller data the
// driver needs to size its buffer pool and command-log rings.
type ControllerIdentity struct {
	SerialNumber   string
	ModelNumber    string
	MaxDataXferLBs uint32 // MDTS, in logical blocks; 0 means unlimited
	NamespaceCount uint32
}

// NamespaceIdentity is the subset of NVMe Identify Namespace data the driver
// needs to size a namespace's integrity table.
type NamespaceIdentity struct {
	NSID         uint32
	EUI64        uint64
	SizeLBs      uint64
	LBADataBytes uint32
}

// Transport defines the interface every wire transport (mock or real) must
// implement. It replaces a raw block ReadAt/WriteAt surface with an NVMe
// command submit/complete contract, since the driver deals in commands and
// completions rather than byte ranges.
type Transport interface {
	// Identify returns controller-level identify data.
	Identify(ctx context.Context) (ControllerIdentity, error)

	// EnumerateNamespaces returns identify data for every active namespace.
	EnumerateNamespaces(ctx context.Context) ([]NamespaceIdentity, error)

	// Submit issues one NVMe command and blocks until its completion is
	// available. The returned status is the raw completion status field;
	// a non-zero status does not itself produce a non-nil error, callers
	// must check both.
	Submit(ctx context.Context, qid uint16, cmd []byte, data []byte) (status uint16, err error)

	Close() error
}

// FaultInjector is an optional interface implemented by test transports that
// support corrupting data in flight, used to exercise the integrity engine's
// silent-corruption detection path.
type FaultInjector interface {
	InjectCorruption(nsid uint32, lba uint64)
}

// Logger is the logging interface internal packages depend on, satisfied by
// *logging.Logger without importing it directly.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer is the metrics-collection interface. Implementations must be
// thread-safe: methods are called concurrently from every queue pair's
// dispatch loop.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDeallocate(bytes uint64, latencyNs uint64, success bool)
	ObserveCompare(bytes uint64, latencyNs uint64, success bool)
	ObserveIntegrityFailure(nsid uint32, lba uint64)
	ObserveQueueDepth(qid uint16, depth uint32)
}
