// Package bufferpool implements DMA buffer allocation and pattern fill for
// the IO-worker (spec.md §4.1): a page-aligned arena serves common-size
// requests, with overflow to a general-purpose pool for anything larger
// than the arena's configured max block.
//
// Deviation from spec.md §4.1's allocate(bytes, pattern_type, pattern_value)
// -> (virt, phys) contract: Allocate returns only a Go slice (virt). There is
// no physical-address counterpart here because nothing downstream issues raw
// PRP/SGL lists against physical memory; every transport in this tree talks
// in Go byte slices (see internal/nvmewire's Addr field doc), so a phys
// return would have no caller.
package bufferpool

import (
	"crypto/rand"

	"github.com/cloudwego/gopkg/cache/mempool"
	"github.com/cloudwego/gopkg/unsafex/malloc"

	"github.com/nvmetest/nvmetest/internal/constants"
	"github.com/nvmetest/nvmetest/internal/ierrors"
)

// Pattern selects the fill applied to a freshly allocated buffer.
type Pattern int

const (
	// PatternNone leaves the buffer's contents unspecified.
	PatternNone Pattern = iota
	// PatternZero fills the buffer with zero bytes, or all-ones if the
	// caller's pattern_value is non-zero (spec.md §4.1).
	PatternZero
	// PatternWord32 fills the buffer with the caller's 32-bit pattern_value,
	// repeated across whole 32-bit slots.
	PatternWord32
	// PatternRandom fills the first bytes*pattern_value/100 bytes (pattern_value
	// a percentage, clamped to [0,100]) from a system entropy source, and
	// zeroes the rest.
	PatternRandom
)

// Pool is the DMA buffer pool. It is safe for concurrent use.
type Pool struct {
	arena     []byte
	allocator *malloc.BitmapAllocator
	maxBlock  int
}

// New creates a pool with an arena of arenaSize bytes, partitioned into
// blocks between minBlock and maxBlock (spec.md §4.1's "commonly sized
// DMA buffers" requirement). Requests larger than maxBlock fall back to
// the general-purpose mempool.
func New(arenaSize, minBlock, maxBlock int) (*Pool, error) {
	arena := make([]byte, arenaSize)
	alloc, err := malloc.NewBitmapAllocatorWithBlockSize(arena, minBlock, maxBlock)
	if err != nil {
		return nil, ierrors.Wrap("bufferpool.New", err)
	}
	return &Pool{arena: arena, allocator: alloc, maxBlock: maxBlock}, nil
}

// NewDefault creates a pool sized for constants.BitmapArenaMinBlockSize /
// constants.BitmapArenaMaxBlockSize, with an arena large enough for 64
// max-size blocks.
func NewDefault() (*Pool, error) {
	arenaSize := 64 * constants.BitmapArenaMaxBlockSize
	return New(arenaSize, constants.BitmapArenaMinBlockSize, constants.BitmapArenaMaxBlockSize)
}

// Buffer wraps an allocated slice with the routing bit Free needs to send
// it back to the arena or the mempool fallback.
type Buffer struct {
	Data     []byte
	overflow bool
}

// Allocate reserves size bytes and applies pattern using patternValue
// (spec.md §4.1's allocate(bytes, pattern_type, pattern_value)). Requests
// larger than the arena's max block size transparently overflow to the
// mempool. patternValue's meaning depends on pattern: a 32-bit fill word for
// PatternWord32, a zero/all-ones switch for PatternZero, and a fill
// percentage (clamped to [0,100]) for PatternRandom.
func (p *Pool) Allocate(size int, pattern Pattern, patternValue uint32) (*Buffer, error) {
	if size <= 0 {
		return nil, ierrors.New("bufferpool.Allocate", ierrors.CodeInvalidParameters, "size must be positive")
	}
	var buf *Buffer
	if size > p.maxBlock {
		buf = &Buffer{Data: mempool.Malloc(size), overflow: true}
	} else {
		data := p.allocator.Alloc(size)
		if data == nil {
			return nil, ierrors.WorkerBufferAlloc("bufferpool.Allocate", "arena exhausted")
		}
		buf = &Buffer{Data: data}
	}
	fill(buf.Data, pattern, patternValue)
	return buf, nil
}

// Free returns a buffer to whichever allocator it came from.
func (p *Pool) Free(buf *Buffer) {
	if buf == nil {
		return
	}
	if buf.overflow {
		mempool.Free(buf.Data)
		return
	}
	p.allocator.Free(buf.Data)
}

func fill(data []byte, pattern Pattern, patternValue uint32) {
	switch pattern {
	case PatternZero:
		val := byte(0)
		if patternValue != 0 {
			val = 0xFF
		}
		for i := range data {
			data[i] = val
		}
	case PatternWord32:
		for i := range data {
			data[i] = byte(patternValue >> (8 * (uint(i) % 4)))
		}
	case PatternRandom:
		pct := patternValue
		if pct > 100 {
			pct = 100
		}
		n := len(data) * int(pct) / 100
		if n > 0 {
			_, _ = rand.Read(data[:n])
		}
		for i := n; i < len(data); i++ {
			data[i] = 0
		}
	case PatternNone:
	}
}
