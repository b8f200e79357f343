package integrity

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nvmetest/nvmetest/internal/constants"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Fingerprint computes the 31-bit per-block fingerprint spec.md §4.2.1
// requires: CRC-32C of the block, shifted right one bit so it fits below
// the lock bit, with the two reserved encodings remapped away.
func Fingerprint(block []byte) uint32 {
	v := crc32.Checksum(block, castagnoli) >> 1
	switch v {
	case constants.FingerprintNoMapping:
		return 1
	case constants.FingerprintUncorrectable:
		return constants.FingerprintUncorrectable - 1
	default:
		return v
	}
}

// StampLBA writes the little-endian LBA number into the first 8 bytes of
// block, as the write path does before submission (spec.md §6).
func StampLBA(block []byte, lba uint64) {
	binary.LittleEndian.PutUint64(block[:8], lba)
}

// StampedLBA reads back the LBA a block was stamped with.
func StampedLBA(block []byte) uint64 {
	return binary.LittleEndian.Uint64(block[:8])
}

// StampToken writes the per-block token into the last 8 bytes of block
// (spec.md §6: offset sector_size-8..sector_size).
func StampToken(block []byte, token uint64) {
	binary.LittleEndian.PutUint64(block[len(block)-8:], token)
}
