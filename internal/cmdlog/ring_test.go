package cmdlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvmetest/nvmetest/internal/integrity"
	"github.com/nvmetest/nvmetest/internal/nvmewire"
)

func newTestRing(depth int) (*Ring, *integrity.Table) {
	tbl := integrity.NewTable(make([]byte, 1024*4), 1024, true)
	return New(0, depth, tbl, nil, nil), tbl
}

func TestSubmitAcquiresLocksAndCompleteReleases(t *testing.T) {
	r, tbl := newTestRing(4)

	var cmd nvmewire.Command
	cmd.Opcode = nvmewire.OpWrite
	cmd.SetStartingLBA(10)
	cmd.SetNumLBs(1)

	block := make([]byte, 512)
	var gotStatus uint16
	e, err := r.Submit(TagWrite, cmd, []uint64{10}, block, func(e *Entry, status uint16) {
		gotStatus = status
	})
	require.NoError(t, err)
	require.False(t, tbl.Acquire([]uint64{10}), "lock should be held while in flight")

	require.NoError(t, r.Complete(e.Seq, 0))
	require.Equal(t, uint16(0), gotStatus)
	require.True(t, tbl.Acquire([]uint64{10}), "lock must be released at completion")
}

func TestSubmitRejectsOnLockConflict(t *testing.T) {
	r, _ := newTestRing(4)
	var cmd nvmewire.Command
	cmd.Opcode = nvmewire.OpWrite

	_, err := r.Submit(TagWrite, cmd, []uint64{1}, make([]byte, 512), nil)
	require.NoError(t, err)

	_, err = r.Submit(TagWrite, cmd, []uint64{1}, make([]byte, 512), nil)
	require.Error(t, err)
}

func TestOverlapDetachmentCompletesOriginalEntry(t *testing.T) {
	r, _ := newTestRing(2)
	var cmd nvmewire.Command
	cmd.Opcode = nvmewire.OpWrite

	var firstCompleted bool
	first, err := r.Submit(TagWrite, cmd, []uint64{1}, make([]byte, 512), func(e *Entry, status uint16) {
		firstCompleted = true
	})
	require.NoError(t, err)

	// Fill the ring past depth so `first`'s slot (seq 0 % 2 == 0) is
	// reused while `first` is still in flight (overlap, spec.md invariant 8).
	_, err = r.Submit(TagWrite, cmd, []uint64{2}, make([]byte, 512), nil)
	require.NoError(t, err)
	_, err = r.Submit(TagWrite, cmd, []uint64{3}, make([]byte, 512), nil)
	require.NoError(t, err)

	require.NoError(t, r.Complete(first.Seq, 0))
	require.True(t, firstCompleted, "detached entry must still complete exactly once")
}

func TestReadVerifyFailureRewritesStatus(t *testing.T) {
	r, tbl := newTestRing(4)
	tbl.CompleteWriteUncorrectable(5)

	var cmd nvmewire.Command
	cmd.Opcode = nvmewire.OpRead
	cmd.SetStartingLBA(5)
	cmd.SetNumLBs(1)

	var gotStatus uint16
	e, err := r.Submit(TagRead, cmd, []uint64{5}, make([]byte, 512), func(e *Entry, status uint16) {
		gotStatus = status
	})
	require.NoError(t, err)

	require.NoError(t, r.Complete(e.Seq, 0))
	require.Equal(t, statusUnrecoveredRead, gotStatus)
}

func TestFlushBypassesLocking(t *testing.T) {
	r, _ := newTestRing(4)
	var cmd nvmewire.Command
	cmd.Opcode = nvmewire.OpFlush

	e, err := r.Submit(TagFlush, cmd, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Complete(e.Seq, 0))
}

func TestOutstandingGauge(t *testing.T) {
	r, _ := newTestRing(4)
	var cmd nvmewire.Command
	cmd.Opcode = nvmewire.OpWrite

	e, err := r.Submit(TagWrite, cmd, []uint64{1}, make([]byte, 512), nil)
	require.NoError(t, err)
	require.Equal(t, 1, r.Outstanding())

	require.NoError(t, r.Complete(e.Seq, 0))
	require.Equal(t, 0, r.Outstanding())
}
