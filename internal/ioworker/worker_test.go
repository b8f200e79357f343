package ioworker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvmetest/nvmetest/internal/bufferpool"
	"github.com/nvmetest/nvmetest/internal/cmdlog"
	"github.com/nvmetest/nvmetest/internal/constants"
	"github.com/nvmetest/nvmetest/internal/integrity"
	"github.com/nvmetest/nvmetest/internal/interfaces"
)

// stubTransport executes every command immediately and successfully; it
// exists only to exercise ioworker without depending on internal/transport.
type stubTransport struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTransport) Identify(ctx context.Context) (interfaces.ControllerIdentity, error) {
	return interfaces.ControllerIdentity{}, nil
}
func (s *stubTransport) EnumerateNamespaces(ctx context.Context) ([]interfaces.NamespaceIdentity, error) {
	return nil, nil
}
func (s *stubTransport) Submit(ctx context.Context, qid uint16, cmd []byte, data []byte) (uint16, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return 0, nil
}
func (s *stubTransport) Close() error { return nil }

func newTestWorker(t *testing.T, args Args) (*Worker, *stubTransport) {
	t.Helper()
	tbl := integrity.NewTable(make([]byte, 4096*4), 4096, true)
	ring := cmdlog.New(0, 64, tbl, nil, nil)
	pool, err := bufferpool.New(4*1024*1024, 4*1024, 512*1024)
	require.NoError(t, err)
	transport := &stubTransport{}

	w, err := New(args, 0, 1, transport, ring, pool, nil)
	require.NoError(t, err)
	return w, transport
}

func TestValidateRejectsBadArgs(t *testing.T) {
	a := Args{QueueDepth: 0}
	require.Error(t, a.Validate())

	a = Args{QueueDepth: 4, ReadPercent: 150}
	require.Error(t, a.Validate())
}

func TestValidateClampsSeconds(t *testing.T) {
	a := Args{QueueDepth: 4, BlockBytes: 4096, LBACount: 100, Seconds: 0}
	require.NoError(t, a.Validate())
	require.Equal(t, constants.MaxWorkerSeconds, a.Seconds)
}

func TestValidateDerivesRegionFromLegacyFields(t *testing.T) {
	a := Args{QueueDepth: 4, BlockBytes: 4096, LBAStart: 50, LBACount: 100, Seconds: 1}
	require.NoError(t, a.Validate())
	require.Equal(t, uint64(50), a.RegionStart)
	require.Equal(t, uint64(150), a.RegionEnd)
}

func TestValidateRejectsBadOpAndSizeLists(t *testing.T) {
	a := Args{QueueDepth: 4, LBACount: 100, Seconds: 1, OpList: []OpWeight{{Tag: cmdlog.TagRead, Weight: 50}}}
	require.Error(t, a.Validate())

	a = Args{QueueDepth: 4, LBACount: 100, Seconds: 1, SizeList: []SizeWeight{{Bytes: 0, Ratio: 1}}}
	require.Error(t, a.Validate())

	a = Args{QueueDepth: 4, BlockBytes: 4096, LBACount: 100, Seconds: 1}
	a.Distribution[0] = 9000
	require.Error(t, a.Validate())
}

func TestRunStopsAtTimeLimitAndSendsCommands(t *testing.T) {
	args := Args{
		QueueDepth: 4, IOPS: 0, Seconds: 1, ReadPercent: 50,
		BlockBytes: 4096, LBAStart: 0, LBACount: 1000, Seed: 1,
	}
	require.NoError(t, args.Validate())
	w, transport := newTestWorker(t, args)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, stats.Sent, uint64(0))
	require.Equal(t, stats.Sent, stats.Completed)
	require.Greater(t, transport.calls, 0)
}

func TestRunReplaysTraceInOrder(t *testing.T) {
	args := Args{
		QueueDepth: 4, Seconds: 5,
		Trace: []TraceOp{
			{Tag: cmdlog.TagWrite, LBA: 10, NumLB: 1},
			{Tag: cmdlog.TagRead, LBA: 10, NumLB: 1},
		},
	}
	require.NoError(t, args.Validate())
	w, _ := newTestWorker(t, args)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Sent)
	require.Equal(t, uint64(2), stats.Completed)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	args := Args{
		QueueDepth: 4, Seconds: 1000, ReadPercent: 0,
		BlockBytes: 4096, LBAStart: 0, LBACount: 100, Seed: 2,
	}
	require.NoError(t, args.Validate())
	w, _ := newTestWorker(t, args)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := w.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Sent)
}

func TestRunHonorsMixedOpList(t *testing.T) {
	args := Args{
		QueueDepth: 4, Seconds: 1, Seed: 3,
		OpList: []OpWeight{
			{Tag: cmdlog.TagRead, Weight: 40},
			{Tag: cmdlog.TagWrite, Weight: 40},
			{Tag: cmdlog.TagDeallocate, Weight: 20},
		},
		LBAStart: 0, LBACount: 1000,
		BlockBytes: 4096,
	}
	require.NoError(t, args.Validate())
	w, _ := newTestWorker(t, args)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, stats.Sent, uint64(0))
	require.Contains(t, stats.OpCounter, cmdlog.TagDeallocate)
}

func TestRunSequentialLBAWalksByStep(t *testing.T) {
	var seen []uint64
	var mu sync.Mutex
	args := Args{
		QueueDepth: 2, Seconds: 1, Seed: 4,
		ReadPercent: 100, LBARandom: 0, LBAStep: 8,
		RegionStart: 0, RegionEnd: 64,
		BlockBytes: 4096,
		IOCount:    5,
	}
	require.NoError(t, args.Validate())
	w, _ := newTestWorker(t, args)
	w.transport = &recordingTransport{record: func(lba uint64) {
		mu.Lock()
		seen = append(seen, lba)
		mu.Unlock()
	}}

	_, err := w.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 1)
	for _, lba := range seen {
		require.Equal(t, uint64(0), lba%8, "sequential walk with lba_step=8 must land on step boundaries")
	}
}

func TestRunObservesIOWTerm(t *testing.T) {
	args := Args{
		QueueDepth: 4, Seconds: 1000, ReadPercent: 100,
		BlockBytes: 4096, LBAStart: 0, LBACount: 100, Seed: 5,
	}
	require.NoError(t, args.Validate())
	tbl := integrity.NewTable(make([]byte, 4096*4), 4096, true)
	ring := cmdlog.New(0, 64, tbl, nil, nil)
	pool, err := bufferpool.New(4*1024*1024, 4*1024, 512*1024)
	require.NoError(t, err)
	transport := &stubTransport{}

	var checks atomic.Int32
	w, err := New(args, 0, 1, transport, ring, pool, func() uint64 {
		checks.Add(1)
		return constants.DCFGIOWTerm
	})
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Sent, "IOW_TERM set from the first poll must stop the loop before any submission")
	require.GreaterOrEqual(t, checks.Load(), int32(1))
}

// recordingTransport calls record with every command's starting LBA before
// succeeding, letting tests observe the selection logic's output.
type recordingTransport struct {
	record func(lba uint64)
}

func (r *recordingTransport) Identify(ctx context.Context) (interfaces.ControllerIdentity, error) {
	return interfaces.ControllerIdentity{}, nil
}
func (r *recordingTransport) EnumerateNamespaces(ctx context.Context) ([]interfaces.NamespaceIdentity, error) {
	return nil, nil
}
func (r *recordingTransport) Submit(ctx context.Context, qid uint16, cmd []byte, data []byte) (uint16, error) {
	c := parseRecordingCommand(cmd)
	r.record(c)
	return 0, nil
}
func (r *recordingTransport) Close() error { return nil }

func parseRecordingCommand(cmd []byte) uint64 {
	if len(cmd) < 64 {
		return 0
	}
	lo := uint64(cmd[40]) | uint64(cmd[41])<<8 | uint64(cmd[42])<<16 | uint64(cmd[43])<<24
	hi := uint64(cmd[44]) | uint64(cmd[45])<<8 | uint64(cmd[46])<<16 | uint64(cmd[47])<<24
	return lo | hi<<32
}
