package cmdlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	cwring "github.com/cloudwego/gopkg/container/ring"

	"github.com/nvmetest/nvmetest/internal/ierrors"
	"github.com/nvmetest/nvmetest/internal/integrity"
	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/nvmewire"
)

// slot holds a ring position's current occupant: a pointer to the Entry
// most recently submitted into that position. When a later submission
// reuses the position while that Entry is still in flight, Submit moves
// the Entry into Ring.detached (keyed by Seq) before overwriting the slot,
// so a completion never finds its Entry replaced underneath it.
type slot struct {
	occupied bool
	entry    *Entry // nil when the ring slot is free
}

// Ring is one queue's fixed-depth command log. The IO-worker now keeps up
// to qdepth-1 commands outstanding at once on a queue (spec.md §4.4.2 step
// 7), each submitted from its own goroutine, so Ring guards its slot array,
// detached map, and sequence counter with a mutex; the integrity.Table it
// drives has its own locking already, since that is shared across queues.
type Ring struct {
	qid      uint16
	depth    int
	table    *integrity.Table
	observer interfaces.Observer
	logger   interfaces.Logger

	mu          sync.Mutex
	backing     *cwring.Ring[slot]
	detached    map[uint64]*Entry // overlap-detached entries, keyed by Seq
	nextSeq     uint64
	outstanding int
}

// New creates a ring of the given depth for queue qid, driving table for
// locking/verification and reporting through observer (either may be nil).
func New(qid uint16, depth int, table *integrity.Table, observer interfaces.Observer, logger interfaces.Logger) *Ring {
	slots := make([]slot, depth)
	return &Ring{
		qid:      qid,
		depth:    depth,
		backing:  cwring.NewFromSlice(slots),
		detached: make(map[uint64]*Entry),
		table:    table,
		observer: observer,
		logger:   logger,
	}
}

// Outstanding returns the number of commands submitted but not yet
// completed (the supplemented per-queue outstanding-command gauge).
func (r *Ring) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// Submit runs the submission hook (spec.md §4.3 step 3-4, §4.2.4): it tries
// to acquire the command's LBA locks, and on success records the command in
// the ring, detaching whatever command previously occupied that slot if it
// is still in flight (overlap detachment, spec.md invariant 8). On lock
// conflict it returns ierrors.CodeLBALocked and the caller must queue the
// command for retry rather than forward it to the transport.
func (r *Ring) Submit(tag Tag, cmd nvmewire.Command, lbas []uint64, data []byte, cb Callback) (*Entry, error) {
	if tag.LocksAtAll() {
		if !r.table.Acquire(lbas) {
			return nil, ierrors.New("cmdlog.Submit", ierrors.CodeLBALocked, "lba locked, retry next sweep")
		}
	}

	e := &Entry{Tag: tag, LBAs: lbas, Data: data, NSID: cmd.NSID, cb: cb, Cmd: cmd}

	r.mu.Lock()
	seq := r.nextSeq
	r.nextSeq++
	idx := int(seq % uint64(r.depth))
	e.Seq = seq
	e.SubmittedAt = nowFunc()

	item, _ := r.backing.Get(idx)
	prev := item.Value()
	var detachedSeq uint64
	wasDetached := prev.occupied && prev.entry != nil && prev.entry.CompletedAt.IsZero()
	if wasDetached {
		prev.entry.Detached = true
		detachedSeq = prev.entry.Seq
		r.detached[detachedSeq] = prev.entry
	}
	*item.Pointer() = slot{occupied: true, entry: e}
	r.outstanding++
	outstanding := r.outstanding
	r.mu.Unlock()

	if wasDetached && r.logger != nil {
		r.logger.Debugf("cmdlog: queue %d slot %d detached seq=%d (overlap)", r.qid, idx, detachedSeq)
	}
	if r.observer != nil {
		r.observer.ObserveQueueDepth(r.qid, uint32(outstanding))
	}
	return e, nil
}

// Complete runs the completion hook (spec.md §4.3 step 5, §4.2.2-4.2.4): it
// stamps latency, dispatches integrity update/verify by tag, releases the
// command's LBA locks, and invokes the caller's callback with a possibly
// rewritten status. Integrity update/verify runs only when the device
// status is success; a read/compare that then fails verification is
// reported as an unrecovered-read error, and a non-zero device status is
// passed through unchanged.
func (r *Ring) Complete(seq uint64, deviceStatus uint16) error {
	r.mu.Lock()
	e := r.takeLocked(seq)
	if e == nil {
		r.mu.Unlock()
		return ierrors.Newf("cmdlog.Complete", ierrors.CodeNotFound, "no in-flight command with seq=%d", seq)
	}
	e.CompletedAt = nowFunc()
	r.outstanding--
	outstanding := r.outstanding
	r.mu.Unlock()

	status := deviceStatus
	if deviceStatus == 0 {
		status = r.dispatchIntegrity(e)
	}

	if e.Tag.LocksAtAll() {
		r.table.Release(e.LBAs)
	}

	if r.observer != nil {
		r.reportObserver(e, status, outstanding)
	}
	if e.cb != nil {
		e.cb(e, status)
	}
	return nil
}

// takeLocked removes and returns the entry for seq, whether it is still
// resident in its ring slot or was overlap-detached earlier. Caller must
// hold r.mu.
func (r *Ring) takeLocked(seq uint64) *Entry {
	if e, ok := r.detached[seq]; ok {
		delete(r.detached, seq)
		return e
	}
	idx := int(seq % uint64(r.depth))
	item, ok := r.backing.Get(idx)
	if !ok {
		return nil
	}
	s := item.Value()
	if !s.occupied || s.entry == nil || s.entry.Seq != seq {
		return nil
	}
	return s.entry
}

// statusUnrecoveredRead is the NVMe (SCT, SC) pair spec.md invariant 4
// mandates for a read trapped by a prior write-uncorrectable, encoded as
// sct<<8|sc.
const statusUnrecoveredRead = uint16(0x07)<<8 | 0x81

func (r *Ring) dispatchIntegrity(e *Entry) uint16 {
	switch e.Tag {
	case TagWrite:
		for i, lba := range e.LBAs {
			r.table.CompleteWrite(lba, integrity.Fingerprint(blockAt(e.Data, i, len(e.LBAs))))
		}
	case TagWriteUncorrectable:
		for _, lba := range e.LBAs {
			r.table.CompleteWriteUncorrectable(lba)
		}
	case TagDeallocate, TagWriteZeroes:
		for _, lba := range e.LBAs {
			r.table.CompleteDeallocate(lba)
		}
	case TagRead, TagCompare:
		for i, lba := range e.LBAs {
			res := r.table.VerifyRead(lba, blockAt(e.Data, i, len(e.LBAs)))
			if !res.OK() {
				if r.observer != nil {
					r.observer.ObserveIntegrityFailure(e.NSID, lba)
				}
				return statusUnrecoveredRead
			}
		}
	}
	return 0
}

func blockAt(data []byte, i, n int) []byte {
	if n == 0 || len(data) == 0 {
		return data
	}
	blockSize := len(data) / n
	start := i * blockSize
	end := start + blockSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

func (r *Ring) reportObserver(e *Entry, status uint16, outstanding int) {
	success := status == 0
	bytes := uint64(len(e.Data))
	lat := e.LatencyNs()
	switch e.Tag {
	case TagRead:
		r.observer.ObserveRead(bytes, lat, success)
	case TagWrite, TagWriteZeroes, TagWriteUncorrectable:
		r.observer.ObserveWrite(bytes, lat, success)
	case TagDeallocate:
		r.observer.ObserveDeallocate(bytes, lat, success)
	case TagCompare:
		r.observer.ObserveCompare(bytes, lat, success)
	}
	r.observer.ObserveQueueDepth(r.qid, uint32(outstanding))
}

// Dump reproduces the original driver's ring-dump diagnostic (supplemented
// from original_source/driver.c's cmd_log_dump): walks the ring backwards
// from the most recently submitted slot and formats queue id, sequence,
// SLBA/NLB and submit/complete timestamps in microseconds since start.
// opcodeNames is optional; nil falls back to numeric opcodes.
func (r *Ring) Dump(since time.Time, opcodeNames map[nvmewire.Opcode]string) string {
	var b strings.Builder
	n := r.backing.Len()
	latest := int((r.nextSeq - 1) % uint64(r.depth))
	for i := 0; i < n; i++ {
		idx := ((latest-i)%r.depth + r.depth) % r.depth
		item, ok := r.backing.Get(idx)
		if !ok {
			continue
		}
		s := item.Value()
		if !s.occupied || s.entry == nil {
			continue
		}
		e := s.entry
		opName := fmt.Sprintf("0x%02x", e.Cmd.Opcode)
		if opcodeNames != nil {
			if name, ok := opcodeNames[e.Cmd.Opcode]; ok {
				opName = name
			}
		}
		fmt.Fprintf(&b, "queue=%d seq=%d op=%s slba=%d nlb=%d submit_us=%d complete_us=%d\n",
			r.qid, e.Seq, opName, e.Cmd.StartingLBA(), e.Cmd.NumLBs(),
			e.SubmittedAt.Sub(since).Microseconds(), e.CompletedAt.Sub(since).Microseconds())
	}
	return b.String()
}

// nowFunc is indirected so tests can stub wall-clock time.
var nowFunc = time.Now
