package integrity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvmetest/nvmetest/internal/constants"
)

func newTestTable(size uint64, enabled bool) *Table {
	return NewTable(make([]byte, size*4), size, enabled)
}

func TestFingerprintAvoidsReservedEncodings(t *testing.T) {
	zeroBlock := make([]byte, 4096)
	fp := Fingerprint(zeroBlock)
	require.NotEqual(t, constants.FingerprintNoMapping, fp)
	require.NotEqual(t, constants.FingerprintUncorrectable, fp)
}

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	tbl := newTestTable(1024, true)
	lbas := []uint64{10, 11, 12}

	require.True(t, tbl.Acquire(lbas))
	require.False(t, tbl.Acquire([]uint64{11}), "overlapping lba must conflict")

	tbl.Release(lbas)
	require.True(t, tbl.Acquire([]uint64{11}))
}

func TestAcquireAllOrNothing(t *testing.T) {
	tbl := newTestTable(1024, true)
	require.True(t, tbl.Acquire([]uint64{5}))

	ok := tbl.Acquire([]uint64{3, 4, 5, 6})
	require.False(t, ok)

	require.True(t, tbl.Acquire([]uint64{3, 4, 6}), "no partial lock should remain from failed acquire")
}

func TestWriteThenReadVerifiesOK(t *testing.T) {
	tbl := newTestTable(1024, true)
	lba := uint64(42)
	block := make([]byte, 512)
	StampLBA(block, lba)

	require.True(t, tbl.Acquire([]uint64{lba}))
	tbl.CompleteWrite(lba, Fingerprint(block))

	res := tbl.VerifyRead(lba, block)
	require.True(t, res.OK())
}

func TestReadDetectsCorruption(t *testing.T) {
	tbl := newTestTable(1024, true)
	lba := uint64(7)
	block := make([]byte, 512)
	StampLBA(block, lba)
	tbl.CompleteWrite(lba, Fingerprint(block))

	block[100] ^= 0xFF
	res := tbl.VerifyRead(lba, block)
	require.Equal(t, FailureCRC, res.Kind)
}

func TestReadDetectsLBAMismatch(t *testing.T) {
	tbl := newTestTable(1024, true)
	wrongLBA, rightLBA := uint64(1), uint64(2)

	blockAtRight := make([]byte, 512)
	StampLBA(blockAtRight, rightLBA)
	tbl.CompleteWrite(rightLBA, Fingerprint(blockAtRight))
	tbl.CompleteWrite(wrongLBA, Fingerprint(make([]byte, 512)))

	// blockAtRight's contents end up read back from wrongLBA's slot.
	res := tbl.VerifyRead(wrongLBA, blockAtRight)
	require.Equal(t, FailureLBAMismatch, res.Kind)
}

func TestWriteUncorrectableTrapsReads(t *testing.T) {
	tbl := newTestTable(1024, true)
	lba := uint64(3)
	tbl.CompleteWriteUncorrectable(lba)

	res := tbl.VerifyRead(lba, make([]byte, 512))
	require.Equal(t, FailureUncorrectable, res.Kind)
}

func TestVerifyDisabledSkipsAllReads(t *testing.T) {
	tbl := newTestTable(1024, false)
	lba := uint64(9)
	block := make([]byte, 512)
	StampLBA(block, lba)
	tbl.CompleteWrite(lba, Fingerprint(block))

	block[0] ^= 0xFF
	res := tbl.VerifyRead(lba, block)
	require.True(t, res.OK())
}

func TestUnwrittenLBAIsNotVerified(t *testing.T) {
	tbl := newTestTable(1024, true)
	res := tbl.VerifyRead(100, make([]byte, 512))
	require.True(t, res.OK())
}

func TestLBABeyondTableSizeSkipsEverything(t *testing.T) {
	tbl := newTestTable(8, true)
	require.True(t, tbl.Acquire([]uint64{1000}))
	tbl.Release([]uint64{1000})
	res := tbl.VerifyRead(1000, make([]byte, 512))
	require.True(t, res.OK())
}

func TestNilTableTriviallySucceeds(t *testing.T) {
	tbl := NewTable(nil, 0, true)
	require.True(t, tbl.Acquire([]uint64{1, 2, 3}))
	tbl.Release([]uint64{1, 2, 3})
	tbl.CompleteWrite(1, 123)
	res := tbl.VerifyRead(1, make([]byte, 512))
	require.True(t, res.OK())
}

func TestResetClearsTable(t *testing.T) {
	tbl := newTestTable(8, true)
	tbl.CompleteWriteUncorrectable(2)
	tbl.Reset()
	res := tbl.VerifyRead(2, make([]byte, 512))
	require.True(t, res.OK())
}

func TestStampTokenRoundTrip(t *testing.T) {
	block := make([]byte, 512)
	StampToken(block, 0xDEADBEEF)
	require.Equal(t, uint64(0xDEADBEEF), stampedToken(block))
}

func stampedToken(block []byte) uint64 {
	return uint64(block[len(block)-8]) | uint64(block[len(block)-7])<<8 |
		uint64(block[len(block)-6])<<16 | uint64(block[len(block)-5])<<24 |
		uint64(block[len(block)-4])<<32 | uint64(block[len(block)-3])<<40 |
		uint64(block[len(block)-2])<<48 | uint64(block[len(block)-1])<<56
}
