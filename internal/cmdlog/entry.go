// Package cmdlog implements the per-queue command-log ring (spec.md §4.3):
// a fixed-depth log of in-flight commands with a submission hook (lock
// acquisition, overlap detachment) and a completion hook (latency, integrity
// dispatch, lock release).
package cmdlog

import (
	"time"

	"github.com/nvmetest/nvmetest/internal/nvmewire"
)

// Tag is the variant tag spec.md's design notes call for: representing
// each command as {Read, Write, WriteUncorr, WriteZeroes, Compare,
// Deallocate, Flush, AdminOp} so locking, integrity-update, and
// integrity-verify dispatch on the tag instead of re-checking the opcode
// at three separate sites.
type Tag int

const (
	TagRead Tag = iota
	TagWrite
	TagWriteUncorrectable
	TagWriteZeroes
	TagCompare
	TagDeallocate
	TagFlush
	TagAdmin
)

// TagFromOpcode classifies an nvmewire.Opcode into its variant tag.
func TagFromOpcode(op nvmewire.Opcode) Tag {
	switch op {
	case nvmewire.OpRead:
		return TagRead
	case nvmewire.OpWrite:
		return TagWrite
	case nvmewire.OpWriteUncorrectable:
		return TagWriteUncorrectable
	case nvmewire.OpWriteZeroes:
		return TagWriteZeroes
	case nvmewire.OpCompare:
		return TagCompare
	case nvmewire.OpDeallocate:
		return TagDeallocate
	case nvmewire.OpFlush:
		return TagFlush
	default:
		return TagAdmin
	}
}

// LocksAtAll reports whether a command of this tag participates in LBA
// locking at all. Flush and admin ops bypass locking entirely (spec.md
// §4.2.4).
func (t Tag) LocksAtAll() bool {
	return t != TagFlush && t != TagAdmin
}

// Callback is invoked exactly once per command, at completion, with the
// final (possibly rewritten) status.
type Callback func(e *Entry, status uint16)

// Entry is one command-log slot's content: the submitted command, the LBAs
// it locked, and everything the completion hook needs to finish the job
// without re-deriving it from the wire command.
type Entry struct {
	Seq   uint64 // monotonic per-queue sequence number; also the ring slot key
	Tag   Tag
	Cmd   nvmewire.Command
	LBAs  []uint64 // flattened LBA set locked at submission
	Data  []byte   // data buffer, for write fingerprinting / read verification
	NSID  uint32

	SubmittedAt time.Time
	CompletedAt time.Time

	Detached bool // true once overwritten in the ring but still in flight
	cb       Callback
}

// LatencyNs returns the command's submission-to-completion latency. Valid
// only after Complete has run.
func (e *Entry) LatencyNs() uint64 {
	if e.CompletedAt.IsZero() || e.SubmittedAt.IsZero() {
		return 0
	}
	return uint64(e.CompletedAt.Sub(e.SubmittedAt).Nanoseconds())
}
