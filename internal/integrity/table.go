// Package integrity implements the per-namespace data-integrity engine
// (spec.md §3, §4.2): per-LBA fingerprints for write/read verification and a
// per-LBA lock bitmap shared across queues and processes. Both live in the
// same 32-bit word per LBA, lock bit in the MSB, fingerprint in the low 31
// bits (spec.md §4.2.1, §6).
package integrity

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/nvmetest/nvmetest/internal/constants"
)

// FailureKind classifies a read-verification mismatch (spec.md §4.2.3).
type FailureKind int

const (
	// FailureNone indicates the read verified successfully.
	FailureNone FailureKind = iota
	// FailureCRC indicates the block's checksum did not match the entry
	// recorded for its LBA, and no alternate explanation was found.
	FailureCRC
	// FailureLBAMismatch indicates the block's stamped LBA did not match
	// the LBA it was read from, but its checksum matched the table entry
	// for the stamped LBA (a mapping error rather than corruption).
	FailureLBAMismatch
	// FailureUncorrectable indicates the LBA was previously marked
	// write-uncorrectable and has not been rewritten since.
	FailureUncorrectable
)

// VerifyResult is the outcome of verifying one read block against the
// integrity table.
type VerifyResult struct {
	Kind FailureKind
}

// OK reports whether the read passed verification (or was skipped).
func (r VerifyResult) OK() bool {
	return r.Kind == FailureNone
}

// Table is the per-namespace integrity/lock table. entries may be nil, in
// which case every operation trivially succeeds and no verification is ever
// performed (spec.md §4.2.1: "entries may be null... verification is
// silently skipped and all lock operations trivially succeed").
type Table struct {
	words   []byte // raw bytes backing `size` 32-bit words, e.g. an shm.Region
	size    uint64
	enabled bool // VerifyRead is globally gated on this, checked unconditionally
}

// NewTable wraps raw bytes (at least size*4 bytes long) as an integrity
// table. Pass nil words to build a no-op table.
func NewTable(words []byte, size uint64, verifyEnabled bool) *Table {
	return &Table{words: words, size: size, enabled: verifyEnabled}
}

// Size returns the number of LBA slots this table covers.
func (t *Table) Size() uint64 { return t.size }

func (t *Table) inRange(lba uint64) bool {
	return t.words != nil && lba < t.size
}

func (t *Table) ptr(lba uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.words[lba*4]))
}

func (t *Table) load(lba uint64) uint32 {
	if !t.inRange(lba) {
		return 0
	}
	return atomic.LoadUint32(t.ptr(lba))
}

// Reset zeroes the whole table: no lock, no mapping, for every LBA. Called
// on successful namespace format/sanitize (spec.md §4.2.2 supplement).
func (t *Table) Reset() {
	for i := range t.words {
		t.words[i] = 0
	}
}

func dedupeSortedInRange(t *Table, lbas []uint64) []uint64 {
	out := make([]uint64, 0, len(lbas))
	for _, l := range lbas {
		if t.inRange(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	deduped := out[:0]
	var last uint64
	for i, l := range out {
		if i == 0 || l != last {
			deduped = append(deduped, l)
			last = l
		}
	}
	return deduped
}

// Acquire locks every LBA in lbas as a single all-or-nothing decision
// (spec.md §4.2.4: ranges lock atomically; deallocate's multiple ranges are
// flattened to one lbas slice by the caller). LBAs outside the table are
// treated as always-unlocked. Returns false on conflict, leaving no lock
// held anywhere.
func (t *Table) Acquire(lbas []uint64) bool {
	if t.words == nil {
		return true
	}
	ordered := dedupeSortedInRange(t, lbas)
	for _, lba := range ordered {
		if t.load(lba)&constants.LockBit != 0 {
			return false
		}
	}
	for i, lba := range ordered {
		for {
			old := t.load(lba)
			if old&constants.LockBit != 0 {
				t.releaseN(ordered[:i])
				return false
			}
			if atomic.CompareAndSwapUint32(t.ptr(lba), old, old|constants.LockBit) {
				break
			}
		}
	}
	return true
}

func (t *Table) releaseN(lbas []uint64) {
	for _, lba := range lbas {
		for {
			old := t.load(lba)
			if old&constants.LockBit == 0 {
				break
			}
			if atomic.CompareAndSwapUint32(t.ptr(lba), old, old&^constants.LockBit) {
				break
			}
		}
	}
}

// Release clears the lock bit on every LBA in lbas. Called exactly once per
// command, at completion (spec.md §4.2.4).
func (t *Table) Release(lbas []uint64) {
	if t.words == nil {
		return
	}
	t.releaseN(dedupeSortedInRange(t, lbas))
}

// CompleteWrite stamps the fingerprint for a successfully written LBA and
// clears its lock bit in one step (spec.md §4.2.2, §4.2.4).
func (t *Table) CompleteWrite(lba uint64, fingerprint uint32) {
	if !t.inRange(lba) {
		return
	}
	atomic.StoreUint32(t.ptr(lba), fingerprint&constants.FingerprintMask)
}

// CompleteWriteUncorrectable marks lba as uncorrectable, trapping future
// reads (spec.md invariant 4, "write-uncorrectable trapping").
func (t *Table) CompleteWriteUncorrectable(lba uint64) {
	t.CompleteWrite(lba, constants.FingerprintUncorrectable)
}

// CompleteDeallocate clears the mapping for lba: its contents become
// undefined, so future reads are not verified until the next write.
func (t *Table) CompleteDeallocate(lba uint64) {
	t.CompleteWrite(lba, constants.FingerprintNoMapping)
}

// VerifyRead checks a returned read block against the table entry for lba.
// `enabled` is checked once, up front, unconditionally, before any table
// access (see DESIGN.md's Open Question decision on this point).
func (t *Table) VerifyRead(lba uint64, block []byte) VerifyResult {
	if !t.enabled || !t.inRange(lba) {
		return VerifyResult{Kind: FailureNone}
	}
	entry := t.load(lba) & constants.FingerprintMask
	if entry == constants.FingerprintNoMapping {
		return VerifyResult{Kind: FailureNone}
	}
	if entry == constants.FingerprintUncorrectable {
		return VerifyResult{Kind: FailureUncorrectable}
	}

	actual := Fingerprint(block)
	stampedLBA := StampedLBA(block)

	if actual == entry && stampedLBA == lba {
		return VerifyResult{Kind: FailureNone}
	}
	if stampedLBA != lba {
		if altEntry := t.load(stampedLBA) & constants.FingerprintMask; altEntry == actual {
			return VerifyResult{Kind: FailureLBAMismatch}
		}
	}
	return VerifyResult{Kind: FailureCRC}
}
