// Package ioworker implements the self-pacing, single-threaded workload
// generator described in spec.md §4.4: a cooperative dispatch loop that
// submits commands at a throttled rate, drains completions, and replays a
// command trace when one is supplied.
package ioworker

import (
	"github.com/nvmetest/nvmetest/internal/bufferpool"
	"github.com/nvmetest/nvmetest/internal/cmdlog"
	"github.com/nvmetest/nvmetest/internal/constants"
	"github.com/nvmetest/nvmetest/internal/ierrors"
)

// TraceOp is one command of a replayed trace (spec.md §4.4's optional
// sequence/length/cursor fields).
type TraceOp struct {
	Tag   cmdlog.Tag
	LBA   uint64
	NumLB uint32
}

// OpWeight is one op_list entry (spec.md §4.4.1): a command tag and the
// number of (out of 100) op-table slots it claims.
type OpWeight struct {
	Tag    cmdlog.Tag
	Weight int
}

// SizeWeight is one lba_size_list entry (spec.md §4.4.1): a block size in
// bytes, its ratio against the list's other entries, and an optional
// alignment in bytes (0, or any value up to one sector, means no alignment).
type SizeWeight struct {
	Bytes int
	Ratio int
	Align int
}

// Args are the IO-worker's per-invocation arguments (spec.md §4.4 "Transient
// per-invocation state"), validated before a Worker is built.
type Args struct {
	QueueDepth int
	IOPS       int // 0 means unthrottled
	Seconds    int // run duration; 0 or >MaxWorkerSeconds clamps to MaxWorkerSeconds
	Seed       int64

	// ReadPercent/BlockBytes/LBAStart/LBACount are the legacy shorthand
	// inputs: a single read/write split and fixed block size over
	// [LBAStart, LBAStart+LBACount). OpList/SizeList/RegionStart+RegionEnd
	// take precedence when supplied.
	ReadPercent int // 0-100; the remainder is writes
	BlockBytes  int
	LBAStart    uint64
	LBACount    uint64

	// OpList is the full op_list input (spec.md §4.4.1): weights must sum
	// to 100. Empty means fall back to ReadPercent.
	OpList []OpWeight

	// SizeList is the full lba_size_list input. Empty means fall back to
	// a fixed BlockBytes for every IO. Ratios need not sum to any fixed
	// total; they are renormalized against their own sum.
	SizeList []SizeWeight

	// RegionStart/RegionEnd bound the LBA window a worker may address
	// (region_end exclusive). RegionEnd of 0 falls back to
	// LBAStart+LBACount.
	RegionStart uint64
	RegionEnd   uint64

	// LBARandom is the percentage (0-100) of IOs issued at a
	// distribution-table LBA rather than advancing sequentially from the
	// last issued LBA. 0 means purely sequential, 100 means purely random.
	LBARandom int

	// LBAStep is the LBA increment applied between consecutive sequential
	// IOs. 0 defaults to 1.
	LBAStep uint64

	// Distribution is the §4.4.1 100-weight section table: Distribution[i]
	// is the number of (out of 10000) distribution-table slots section i
	// claims. All-zero means the region is divided uniformly. Non-zero
	// entries must sum to constants.DistributionTableSize.
	Distribution [constants.DistributionSections]int

	// IOCount, if non-zero, stops the loop once this many commands have
	// been sent, in addition to the Seconds deadline.
	IOCount uint64

	// PType/PValue select the buffer pattern written ahead of submission
	// for write-class commands (spec.md §4.1's pattern_type/pattern_value).
	// PType of bufferpool.PatternNone falls back to the worker's default
	// write pattern.
	PType  bufferpool.Pattern
	PValue uint32

	// CmdLogListSize bounds the number of completed-command samples kept
	// for the post-run cmdlog_list (spec.md §4.4.1/§4.4.6). 0 defaults to
	// constants.CmdLogDepth.
	CmdLogListSize int

	// Trace, if non-empty, replaces random op generation: commands are
	// issued from this sequence in order instead of the op/size/distribution
	// lookup tables.
	Trace []TraceOp
}

// Validate checks Args for internal consistency, returning a structured
// worker-invalid-config error (legacy code -2, NVMe status 0x0002) on the
// first problem found. It also fills in derived defaults (RegionEnd,
// Seconds) so later stages can read them unconditionally.
func (a *Args) Validate() error {
	if a.QueueDepth <= 0 || a.QueueDepth > constants.MaxIOWorkerQueueDepth {
		return ierrors.WorkerInvalidConfig("ioworker.Validate",
			"queue depth must be in (0, MaxIOWorkerQueueDepth]")
	}
	if a.IOPS < 0 {
		return ierrors.WorkerInvalidConfig("ioworker.Validate", "iops must be >= 0")
	}
	if a.LBARandom < 0 || a.LBARandom > 100 {
		return ierrors.WorkerInvalidConfig("ioworker.Validate", "lba_random must be in [0, 100]")
	}

	if len(a.OpList) > 0 {
		sum := 0
		for _, w := range a.OpList {
			if w.Weight < 0 {
				return ierrors.WorkerInvalidConfig("ioworker.Validate", "op_list weights must be >= 0")
			}
			sum += w.Weight
		}
		if sum != 100 {
			return ierrors.WorkerInvalidConfig("ioworker.Validate", "op_list weights must sum to 100")
		}
	} else if a.ReadPercent < 0 || a.ReadPercent > 100 {
		return ierrors.WorkerInvalidConfig("ioworker.Validate", "read percent must be in [0, 100]")
	}

	if len(a.SizeList) > 0 {
		sum := 0
		for _, s := range a.SizeList {
			if s.Bytes <= 0 || s.Ratio < 0 {
				return ierrors.WorkerInvalidConfig("ioworker.Validate",
					"lba_size_list entries must have positive bytes and non-negative ratio")
			}
			sum += s.Ratio
		}
		if sum <= 0 {
			return ierrors.WorkerInvalidConfig("ioworker.Validate", "lba_size_list ratios must sum to > 0")
		}
	} else if len(a.Trace) == 0 && a.BlockBytes <= 0 {
		return ierrors.WorkerInvalidConfig("ioworker.Validate", "block size must be positive")
	}

	distSum, anyDist := 0, false
	for _, w := range a.Distribution {
		if w != 0 {
			anyDist = true
		}
		if w < 0 {
			return ierrors.WorkerInvalidConfig("ioworker.Validate", "distribution weights must be >= 0")
		}
		distSum += w
	}
	if anyDist && distSum != constants.DistributionTableSize {
		return ierrors.WorkerInvalidConfig("ioworker.Validate", "distribution weights must sum to 10000")
	}

	if a.RegionEnd == 0 {
		a.RegionStart = a.LBAStart
		a.RegionEnd = a.LBAStart + a.LBACount
	}
	if len(a.Trace) == 0 {
		if a.RegionEnd <= a.RegionStart {
			return ierrors.WorkerInvalidConfig("ioworker.Validate", "region_start must be < region_end")
		}
	}

	if a.Seconds <= 0 || a.Seconds > constants.MaxWorkerSeconds {
		a.Seconds = constants.MaxWorkerSeconds
	}
	return nil
}
