// Package mock implements an in-memory interfaces.Transport for exercising
// the driver and its tests without a real NVMe device: a sharded-lock byte
// store per namespace (grounded on the teacher's backend.Memory), plus a
// FaultInjector that flips bytes directly in storage without touching any
// integrity-table state, modeling silent on-media corruption (spec.md §5,
// scenario S2).
package mock

import (
	"context"
	"sync"

	"github.com/nvmetest/nvmetest/internal/ierrors"
	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/nvmewire"
)

// shardSize mirrors the teacher's 64KB memory-backend shard, sized for
// reasonable lock granularity under concurrent per-queue access.
const shardSize = 64 * 1024

// namespace is one emulated namespace's backing store: a flat byte array
// sharded with RWMutexes the same way backend.Memory shards a ublk device.
type namespace struct {
	data       []byte
	blockBytes int
	shards     []sync.RWMutex
}

func newNamespace(sizeLBs uint64, blockBytes int) *namespace {
	total := sizeLBs * uint64(blockBytes)
	numShards := (total + shardSize - 1) / shardSize
	if numShards == 0 {
		numShards = 1
	}
	return &namespace{
		data:       make([]byte, total),
		blockBytes: blockBytes,
		shards:     make([]sync.RWMutex, numShards),
	}
}

func (n *namespace) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(n.shards) {
		end = len(n.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

func (n *namespace) readAt(p []byte, off int64) {
	start, end := n.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		n.shards[i].RLock()
	}
	copy(p, n.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		n.shards[i].RUnlock()
	}
}

func (n *namespace) writeAt(p []byte, off int64) {
	start, end := n.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		n.shards[i].Lock()
	}
	copy(n.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		n.shards[i].Unlock()
	}
}

func (n *namespace) zeroAt(off, length int64) {
	start, end := n.shardRange(off, length)
	for i := start; i <= end; i++ {
		n.shards[i].Lock()
	}
	for i := off; i < off+length; i++ {
		n.data[i] = 0
	}
	for i := start; i <= end; i++ {
		n.shards[i].Unlock()
	}
}

// corruptByte flips the first byte of the block at lba, without acquiring
// the namespace's own shard lock semantics beyond what a single byte write
// needs: it deliberately bypasses any integrity bookkeeping, since real
// media bit-rot doesn't know about a driver's fingerprint table either.
func (n *namespace) corruptByte(lba uint64) {
	off := int64(lba) * int64(n.blockBytes)
	if off < 0 || off >= int64(len(n.data)) {
		return
	}
	idx := off / shardSize
	if idx >= int64(len(n.shards)) {
		idx = int64(len(n.shards)) - 1
	}
	n.shards[idx].Lock()
	n.data[off] ^= 0xFF
	n.shards[idx].Unlock()
}

// Transport is an in-memory interfaces.Transport implementation.
type Transport struct {
	ident      interfaces.ControllerIdentity
	idents     []interfaces.NamespaceIdentity
	mu         sync.RWMutex
	namespaces map[uint32]*namespace
}

// New builds a mock transport whose namespaces are as described by nsIdents.
func New(ident interfaces.ControllerIdentity, nsIdents []interfaces.NamespaceIdentity) *Transport {
	t := &Transport{
		ident:      ident,
		idents:     nsIdents,
		namespaces: make(map[uint32]*namespace),
	}
	for _, id := range nsIdents {
		blockBytes := int(id.LBADataBytes)
		if blockBytes <= 0 {
			blockBytes = 512
		}
		t.namespaces[id.NSID] = newNamespace(id.SizeLBs, blockBytes)
	}
	return t
}

func (t *Transport) Identify(ctx context.Context) (interfaces.ControllerIdentity, error) {
	return t.ident, nil
}

func (t *Transport) EnumerateNamespaces(ctx context.Context) ([]interfaces.NamespaceIdentity, error) {
	out := make([]interfaces.NamespaceIdentity, len(t.idents))
	copy(out, t.idents)
	return out, nil
}

// Submit executes cmd against the addressed namespace's backing store.
// Reads and compares copy namespace bytes into data; writes, write-zeroes,
// write-uncorrectable, and deallocate copy (or zero) data into the
// namespace. Flush and unrecognized opcodes are no-ops that succeed.
func (t *Transport) Submit(ctx context.Context, qid uint16, cmdBytes []byte, data []byte) (uint16, error) {
	cmd := nvmewire.ParseCommand(cmdBytes)

	t.mu.RLock()
	ns, ok := t.namespaces[cmd.NSID]
	t.mu.RUnlock()
	if !ok {
		if cmd.Opcode == nvmewire.OpFlush {
			return 0, nil
		}
		return 0, ierrors.Newf("mock.Submit", ierrors.CodeNotFound, "namespace %d not attached", cmd.NSID)
	}

	lba := cmd.StartingLBA()
	nlb := uint64(cmd.NumLBs())
	off := int64(lba) * int64(ns.blockBytes)
	length := int64(nlb) * int64(ns.blockBytes)
	if off+length > int64(len(ns.data)) {
		return 0, ierrors.Newf("mock.Submit", ierrors.CodeInvalidParameters, "command range exceeds namespace size")
	}

	switch cmd.Opcode {
	case nvmewire.OpRead, nvmewire.OpCompare:
		ns.readAt(data[:length], off)
	case nvmewire.OpWrite:
		ns.writeAt(data[:length], off)
	case nvmewire.OpWriteZeroes, nvmewire.OpWriteUncorrectable:
		ns.zeroAt(off, length)
	case nvmewire.OpDeallocate:
		ns.zeroAt(off, length)
	case nvmewire.OpFlush:
	}
	return 0, nil
}

func (t *Transport) Close() error { return nil }

// InjectCorruption flips a byte in the backing store at lba, without
// updating the integrity table: the driver's next read of that LBA will
// recompute a fingerprint that no longer matches what was recorded at
// write time (spec.md scenario S2).
func (t *Transport) InjectCorruption(nsid uint32, lba uint64) {
	t.mu.RLock()
	ns, ok := t.namespaces[nsid]
	t.mu.RUnlock()
	if ok {
		ns.corruptByte(lba)
	}
}

var (
	_ interfaces.Transport     = (*Transport)(nil)
	_ interfaces.FaultInjector = (*Transport)(nil)
)
