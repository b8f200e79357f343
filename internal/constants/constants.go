// Package constants holds tunables and name formats shared across the
// driver: queue/ring sizing, shared-memory region name formats, and default
// device parameters.
package constants

import "fmt"

// Queue and ring sizing
const (
	// AdminQueueID is the reserved queue id for admin commands.
	AdminQueueID = 0

	// CmdLogDepth is the fixed depth of a per-queue command-log ring.
	CmdLogDepth = 2048

	// DefaultQueueDepth is the default I/O queue depth per queue pair.
	DefaultQueueDepth = 128

	// MaxIOWorkerQueueDepth is the largest qdepth an IO-worker may request;
	// half of the command-log ring so retries never wrap the log within
	// one worker's outstanding window.
	MaxIOWorkerQueueDepth = CmdLogDepth / 2
)

// Namespace / device defaults
const (
	DefaultSectorSize    = 512
	DefaultMaxIOSizeBytes = 1 << 20 // 1MiB
	AutoAssignDeviceID    = -1
)

// Buffer pool / DMA alignment
const (
	// PageAlignment is the required alignment for DMA buffers.
	PageAlignment = 4096

	// BitmapArenaMinBlockSize is the minimum block handed out by the
	// bitmap-backed allocator (one logical sector's worth of headroom).
	BitmapArenaMinBlockSize = 4 * 1024

	// BitmapArenaMaxBlockSize is the largest block the bitmap allocator
	// will serve directly; larger requests fall back to the mempool.
	BitmapArenaMaxBlockSize = 512 * 1024
)

// Integrity table reserved fingerprint encodings (spec.md §3, §4.2.1)
const (
	FingerprintNoMapping    uint32 = 0
	FingerprintUncorrectable uint32 = 0x7FFF_FFFF
	LockBit                 uint32 = 1 << 31
	FingerprintMask         uint32 = 0x7FFF_FFFF
)

// Global config word bits (spec.md §3)
const (
	DCFGVerifyRead uint64 = 1 << 0
	DCFGEnableMSIX uint64 = 1 << 1
	DCFGFUARead    uint64 = 1 << 2
	DCFGFUAWrite   uint64 = 1 << 3
	DCFGIOWTerm    uint64 = 1 << 4
)

// Worker timing
const (
	// WorkerWatchdogSlackSeconds is added to the requested run time before
	// the dispatch loop aborts with ErrTimeout.
	WorkerWatchdogSlackSeconds = 30

	// MaxWorkerSeconds is the cap applied to a zero or excessive `seconds`
	// argument (spec.md §4.4.1).
	MaxWorkerSeconds = 1000 * 3600

	// DistributionTableSize / SizeTableSize are the fixed lookup-table
	// sizes used by the IO-worker's random selection (spec.md §4.4.1).
	DistributionTableSize = 10000
	SizeTableSize         = 10000
	OpTableSize           = 100

	// DistributionSections is the number of equal sections a distribution
	// table divides the IO-worker's region into (spec.md §4.4.1/§4.4.4).
	DistributionSections = 100

	// LatencyHistogramBuckets is the size of the IO-worker's per-command
	// latency histogram, indexed by microseconds and capped at the top
	// bucket (spec.md §4.4.1's io_counter_per_latency).
	LatencyHistogramBuckets = 1_000_000
)

// Shared-memory region name formats (spec.md §4.5, §6)

// IOTokenRegionName is the single process-wide io-token counter region.
const IOTokenRegionName = "driver_io_token"

// GlobalConfigRegionName is the single process-wide config-word region.
const GlobalConfigRegionName = "driver_global_config"

// CmdLogRegionName names a per-queue command-log region.
func CmdLogRegionName(traddr string, qid uint16, pid int, subnqn string) string {
	return fmt.Sprintf("cmdlog_table_%s_%d_%d_%s", traddr, qid, pid, subnqn)
}

// IntegrityRegionName names a per-namespace integrity-table region.
func IntegrityRegionName(traddr string, nsid uint32, eui64 uint64) string {
	return fmt.Sprintf("ns_crc32_table_%s_%d_%x", traddr, nsid, eui64)
}

// InterruptControlRegionName names a per-controller PCIe interrupt-control
// block region.
func InterruptControlRegionName(ctrlrPtr uintptr) string {
	return fmt.Sprintf("intc_ctrl_name%x", ctrlrPtr)
}
