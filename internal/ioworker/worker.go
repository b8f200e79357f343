package ioworker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nvmetest/nvmetest/internal/bufferpool"
	"github.com/nvmetest/nvmetest/internal/cmdlog"
	"github.com/nvmetest/nvmetest/internal/constants"
	"github.com/nvmetest/nvmetest/internal/ierrors"
	"github.com/nvmetest/nvmetest/internal/integrity"
	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/nvmewire"
)

// CmdLogSample is one cmdlog_list entry (spec.md §4.4.1): the LBA, length
// and opcode of a completed command, plus the status it completed with.
type CmdLogSample struct {
	Seq    uint64
	LBA    uint64
	NumLB  uint32
	Opcode nvmewire.Opcode
	Status uint16
}

// Stats is the set of counters and per-run accumulators a completed Run
// reports (spec.md §4.4.1's output fields, §4.4.5's per-IO bookkeeping).
type Stats struct {
	Sent         uint64
	Completed    uint64
	Retried      uint64
	IntegrityErr uint64
	DeviceErr    uint64
	LatencyNsSum uint64
	LatencyNsMax uint64

	// IOPerSecond is io_counter_per_second: completions bucketed by the
	// whole second since Run started.
	IOPerSecond []uint64

	// LatencyUsHist is io_counter_per_latency: a histogram of completion
	// latencies in whole microseconds, capped at the top bucket.
	LatencyUsHist []uint32

	// OpCounter is op_counter: completions observed per command tag.
	OpCounter map[cmdlog.Tag]uint64

	// CmdLog is cmdlog_list after §4.4.6's post-loop rotation to
	// chronological (oldest-first) order.
	CmdLog []CmdLogSample
}

type sizeEntry struct {
	bytes int
	align int
}

// Worker is one queue's self-pacing workload generator (spec.md §4.4).
// Grounded on the teacher's ioLoop: a cooperative loop with no yield point,
// busy-polling wall-clock time and draining completions, generalized from
// "drain ublk completions" to "submit until due-time, then drive command-log
// completions". Because interfaces.Transport.Submit blocks until the
// command completes, the qdepth-1 outstanding-command model (spec.md
// §4.4.2 step 7) is implemented as qdepth-1 concurrent goroutines bounded
// by a semaphore, each holding one command's Transport.Submit call open;
// the main loop stays the only goroutine that selects ops and advances the
// pacing clock.
type Worker struct {
	args       Args
	qid        uint16
	nsid       uint32
	transport  interfaces.Transport
	ring       *cmdlog.Ring
	pool       *bufferpool.Pool
	rng        *rand.Rand
	configWord func() uint64

	opTable   [constants.OpTableSize]cmdlog.Tag
	sizeTable [constants.SizeTableSize]sizeEntry
	distTable [constants.DistributionTableSize]int

	regionStart uint64
	regionEnd   uint64
	sequential  uint64
	lbaStep     uint64

	start   time.Time
	dueTime time.Time
	delayUs float64

	sem chan struct{}
	wg  sync.WaitGroup

	statsMu     sync.Mutex
	stats       Stats
	opCounter   map[cmdlog.Tag]uint64
	ioPerSecond []uint64
	latencyHist []uint32

	cmdLogMu   sync.Mutex
	cmdLogBuf  []CmdLogSample
	cmdLogHead int
	cmdLogFull bool

	errMu sync.Mutex
	err   error

	pendingMu sync.Mutex
	pending   []TraceOp
}

// New builds a Worker for queue qid against namespace nsid, submitting
// through transport and tracking command state in ring. configWord, if
// non-nil, is polled each dispatch-loop iteration for constants.DCFGIOWTerm
// (spec.md §4.4.3 step 4); it is a callback rather than a direct dependency
// on internal/driver so ioworker keeps depending only on interfaces/cmdlog.
func New(args Args, qid uint16, nsid uint32, transport interfaces.Transport, ring *cmdlog.Ring, pool *bufferpool.Pool, configWord func() uint64) (*Worker, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		args: args, qid: qid, nsid: nsid,
		transport: transport, ring: ring, pool: pool, configWord: configWord,
		rng:       rand.New(rand.NewSource(args.Seed)),
		opCounter: make(map[cmdlog.Tag]uint64),
	}

	w.regionStart = args.RegionStart
	w.regionEnd = args.RegionEnd
	w.sequential = args.LBAStart
	if w.sequential < w.regionStart {
		w.sequential = w.regionStart
	}
	w.lbaStep = args.LBAStep
	if w.lbaStep == 0 {
		w.lbaStep = 1
	}

	w.latencyHist = make([]uint32, constants.LatencyHistogramBuckets)

	cmdLogCap := args.CmdLogListSize
	if cmdLogCap <= 0 {
		cmdLogCap = constants.CmdLogDepth
	}
	w.cmdLogBuf = make([]CmdLogSample, cmdLogCap)

	w.buildTables()
	return w, nil
}

func (w *Worker) buildTables() {
	w.buildOpTable()
	w.buildSizeTable()
	w.buildDistTable()
}

func (w *Worker) buildOpTable() {
	if len(w.args.OpList) > 0 {
		idx := 0
		for _, ow := range w.args.OpList {
			for n := 0; n < ow.Weight && idx < constants.OpTableSize; n++ {
				w.opTable[idx] = ow.Tag
				idx++
			}
		}
		for ; idx < constants.OpTableSize; idx++ {
			w.opTable[idx] = cmdlog.TagRead
		}
		return
	}
	readCut := constants.OpTableSize * w.args.ReadPercent / 100
	for i := range w.opTable {
		if i < readCut {
			w.opTable[i] = cmdlog.TagRead
		} else {
			w.opTable[i] = cmdlog.TagWrite
		}
	}
}

func (w *Worker) buildSizeTable() {
	if len(w.args.SizeList) > 0 {
		total := 0
		for _, s := range w.args.SizeList {
			total += s.Ratio
		}
		idx := 0
		for _, s := range w.args.SizeList {
			n := constants.SizeTableSize * s.Ratio / total
			for k := 0; k < n && idx < constants.SizeTableSize; k++ {
				w.sizeTable[idx] = sizeEntry{bytes: s.Bytes, align: s.Align}
				idx++
			}
		}
		last := sizeEntry{bytes: w.args.SizeList[len(w.args.SizeList)-1].Bytes, align: w.args.SizeList[len(w.args.SizeList)-1].Align}
		for ; idx < constants.SizeTableSize; idx++ {
			w.sizeTable[idx] = last
		}
		return
	}
	for i := range w.sizeTable {
		w.sizeTable[i] = sizeEntry{bytes: w.args.BlockBytes}
	}
}

// buildDistTable fills the 10,000-entry distribution/section-selection
// table (spec.md §4.4.1/§4.4.4): Distribution[i] claims that many slots for
// section i. An all-zero Distribution (the common case, and the legacy
// uniform-random LBA behavior) divides the table evenly across the 100
// sections instead.
func (w *Worker) buildDistTable() {
	anySet := false
	for _, v := range w.args.Distribution {
		if v != 0 {
			anySet = true
			break
		}
	}
	if !anySet {
		for i := range w.distTable {
			w.distTable[i] = i % constants.DistributionSections
		}
		return
	}
	idx := 0
	for section, weight := range w.args.Distribution {
		for k := 0; k < weight && idx < constants.DistributionTableSize; k++ {
			w.distTable[idx] = section
			idx++
		}
	}
	for ; idx < constants.DistributionTableSize; idx++ {
		w.distTable[idx] = constants.DistributionSections - 1
	}
}

// Run drives the dispatch loop until the requested duration or io_count
// limit, or ctx cancellation, is reached. It returns ierrors.WorkerTimeout
// if the loop is still running seconds+30s after start (spec.md §4.4.3's
// watchdog), and the first device error encountered otherwise.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	w.start = time.Now()
	w.dueTime = w.start
	if w.args.IOPS > 0 {
		w.delayUs = 1e6 / float64(w.args.IOPS)
	}
	deadline := w.start.Add(time.Duration(w.args.Seconds) * time.Second)
	watchdog := w.start.Add(time.Duration(w.args.Seconds+constants.WorkerWatchdogSlackSeconds) * time.Second)

	outstanding := w.args.QueueDepth - 1
	if outstanding < 1 {
		outstanding = 1
	}
	w.sem = make(chan struct{}, outstanding)

	traceIdx := 0
	var loopErr error
	for {
		now := time.Now()
		if now.After(watchdog) {
			loopErr = ierrors.WorkerTimeout("ioworker.Run")
			break
		}
		if ctx.Err() != nil {
			break
		}
		if w.configWord != nil && w.configWord()&constants.DCFGIOWTerm != 0 {
			break
		}
		if w.args.IOCount > 0 && w.statsSent() >= w.args.IOCount {
			break
		}
		if len(w.args.Trace) > 0 {
			w.pendingMu.Lock()
			idle := len(w.pending) == 0
			w.pendingMu.Unlock()
			if traceIdx >= len(w.args.Trace) && idle {
				break
			}
		} else if now.After(deadline) {
			break
		}
		if err := w.firstErr(); err != nil {
			loopErr = err
			break
		}

		w.pendingMu.Lock()
		pending := w.pending
		w.pending = nil
		w.pendingMu.Unlock()
		if len(pending) > 0 {
			w.drainPending(ctx, pending)
		}

		if now.Before(w.dueTime) {
			continue
		}

		var op TraceOp
		if len(w.args.Trace) > 0 {
			if traceIdx >= len(w.args.Trace) {
				continue
			}
			op = w.args.Trace[traceIdx]
			traceIdx++
		} else {
			op = w.nextRandomOp()
		}

		w.dispatch(ctx, op)
		w.advanceDueTime()
	}

	w.wg.Wait()
	w.postLoop()

	if loopErr != nil {
		return w.statsSnapshot(), loopErr
	}
	if err := w.firstErr(); err != nil {
		return w.statsSnapshot(), err
	}
	return w.statsSnapshot(), nil
}

func tagOpcode(tag cmdlog.Tag) nvmewire.Opcode {
	switch tag {
	case cmdlog.TagRead:
		return nvmewire.OpRead
	case cmdlog.TagWrite:
		return nvmewire.OpWrite
	case cmdlog.TagWriteUncorrectable:
		return nvmewire.OpWriteUncorrectable
	case cmdlog.TagWriteZeroes:
		return nvmewire.OpWriteZeroes
	case cmdlog.TagCompare:
		return nvmewire.OpCompare
	case cmdlog.TagDeallocate:
		return nvmewire.OpDeallocate
	default:
		return nvmewire.OpFlush
	}
}

func (w *Worker) nextRandomOp() TraceOp {
	tag := w.opTable[w.rng.Intn(constants.OpTableSize)]
	se := w.sizeTable[w.rng.Intn(constants.SizeTableSize)]
	nlb := uint32(se.bytes / constants.DefaultSectorSize)
	if nlb == 0 {
		nlb = 1
	}
	lba := w.selectLBA()
	lba, nlb = w.alignAndTruncate(lba, se.align, nlb)
	return TraceOp{Tag: tag, LBA: lba, NumLB: nlb}
}

// selectLBA implements §4.4.4's lba_random branch: with probability
// lba_random it picks a distribution-table section and a uniform offset
// inside it, otherwise it advances the sequential cursor by lba_step and
// wraps back to region_start on overrun (the sequence scenario.md's S5
// calls for: 0, 8, 16, ...).
func (w *Worker) selectLBA() uint64 {
	regionLen := w.regionEnd - w.regionStart
	if regionLen == 0 {
		return w.regionStart
	}
	useRandom := w.args.LBARandom >= 100 ||
		(w.args.LBARandom > 0 && w.rng.Intn(100) < w.args.LBARandom)
	if useRandom {
		section := w.distTable[w.rng.Intn(constants.DistributionTableSize)]
		sectionLen := regionLen / uint64(constants.DistributionSections)
		if sectionLen == 0 {
			sectionLen = 1
		}
		base := w.regionStart + uint64(section)*sectionLen
		var offset uint64
		if sectionLen > 1 {
			offset = uint64(w.rng.Int63n(int64(sectionLen)))
		}
		return base + offset
	}
	lba := w.sequential
	w.sequential += w.lbaStep
	if w.sequential >= w.regionEnd {
		w.sequential = w.regionStart
	}
	return lba
}

// alignAndTruncate applies the selected size table entry's alignment and
// clamps lba/nlb so the command never crosses region_end (spec.md §4.4.4).
func (w *Worker) alignAndTruncate(lba uint64, alignBytes int, nlb uint32) (uint64, uint32) {
	if alignBytes > constants.DefaultSectorSize {
		stride := uint64(alignBytes) / constants.DefaultSectorSize
		lba -= lba % stride
	}
	if lba < w.regionStart {
		lba = w.regionStart
	}
	regionLen := w.regionEnd - w.regionStart
	if regionLen == 0 {
		return w.regionStart, nlb
	}
	if lba >= w.regionEnd {
		lba = w.regionStart + (lba-w.regionStart)%regionLen
	}
	if lba+uint64(nlb) > w.regionEnd {
		avail := w.regionEnd - lba
		if avail == 0 {
			lba = w.regionStart
			avail = regionLen
		}
		if uint64(nlb) > avail {
			nlb = uint32(avail)
		}
	}
	if nlb == 0 {
		nlb = 1
	}
	return lba, nlb
}

func (w *Worker) advanceDueTime() {
	if w.delayUs <= 0 {
		return
	}
	w.dueTime = w.dueTime.Add(time.Duration(w.delayUs * float64(time.Microsecond)))
}

func (w *Worker) drainPending(ctx context.Context, pending []TraceOp) {
	for _, op := range pending {
		w.dispatch(ctx, op)
	}
}

// dispatch is the §4.4.2/§4.4.3 per-IO submission step: it selects a
// buffer, stamps the LBA into write data, registers the command with the
// ring (synchronously, since lock acquisition/detection must happen on the
// single selection goroutine), and then hands the blocking transport round
// trip to a goroutine bounded by w.sem so up to qdepth-1 commands are ever
// outstanding at once.
func (w *Worker) dispatch(ctx context.Context, op TraceOp) {
	nlb := op.NumLB
	if nlb == 0 {
		nlb = 1
	}
	blockSize := int(nlb) * constants.DefaultSectorSize

	pattern, patternValue := w.args.PType, w.args.PValue
	if pattern == bufferpool.PatternNone && op.Tag != cmdlog.TagRead {
		pattern, patternValue = bufferpool.PatternWord32, 0x5A5A5A5A
	}
	buf, err := w.pool.Allocate(blockSize, pattern, patternValue)
	if err != nil {
		w.setErr(ierrors.WorkerBufferAlloc("ioworker.dispatch", "buffer pool exhausted"))
		return
	}

	lbas := make([]uint64, nlb)
	for i := range lbas {
		lbas[i] = op.LBA + uint64(i)
	}
	if op.Tag == cmdlog.TagWrite {
		for i := range lbas {
			integrity.StampLBA(blockAt(buf.Data, i, int(nlb)), lbas[i])
		}
	}

	var cmd nvmewire.Command
	cmd.NSID = w.nsid
	cmd.SetStartingLBA(op.LBA)
	cmd.SetNumLBs(nlb)
	cmd.Opcode = tagOpcode(op.Tag)

	entry, err := w.ring.Submit(op.Tag, cmd, lbas, buf.Data, w.completionCallback(buf, op, nlb, cmd.Opcode))
	if err != nil {
		w.pool.Free(buf)
		if ierrors.IsCode(err, ierrors.CodeLBALocked) {
			w.pendingMu.Lock()
			w.pending = append(w.pending, op)
			w.pendingMu.Unlock()
			w.statsMu.Lock()
			w.stats.Retried++
			w.statsMu.Unlock()
		} else {
			w.setErr(err)
		}
		return
	}
	w.statsMu.Lock()
	w.stats.Sent++
	w.statsMu.Unlock()

	w.sem <- struct{}{}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		status, subErr := w.transport.Submit(ctx, w.qid, entry.Cmd.MarshalBinary(), buf.Data)
		if subErr != nil {
			_ = w.ring.Complete(entry.Seq, statusDeviceError)
			w.statsMu.Lock()
			w.stats.DeviceErr++
			w.statsMu.Unlock()
			w.setErr(ierrors.Wrap("ioworker.dispatch", subErr))
			return
		}
		if err := w.ring.Complete(entry.Seq, status); err != nil {
			w.setErr(err)
		}
	}()
}

// completionCallback builds the §4.4.5 per-IO completion handler: latency
// accounting, op_counter, the per-second sample, the latency histogram, and
// the cmdlog_list ring entry, finishing by freeing the IO's buffer.
func (w *Worker) completionCallback(buf *bufferpool.Buffer, op TraceOp, nlb uint32, opcode nvmewire.Opcode) cmdlog.Callback {
	return func(e *cmdlog.Entry, status uint16) {
		defer w.pool.Free(buf)

		lat := e.LatencyNs()
		sec := int(e.CompletedAt.Sub(w.start).Seconds())
		if sec < 0 {
			sec = 0
		}
		latUs := uint32(lat / 1000)
		if latUs >= constants.LatencyHistogramBuckets {
			latUs = constants.LatencyHistogramBuckets - 1
		}

		w.statsMu.Lock()
		w.stats.Completed++
		w.stats.LatencyNsSum += lat
		if lat > w.stats.LatencyNsMax {
			w.stats.LatencyNsMax = lat
		}
		if status != 0 {
			w.stats.IntegrityErr++
		}
		w.opCounter[op.Tag]++
		for len(w.ioPerSecond) <= sec {
			w.ioPerSecond = append(w.ioPerSecond, 0)
		}
		w.ioPerSecond[sec]++
		w.latencyHist[latUs]++
		w.statsMu.Unlock()

		w.appendCmdLog(CmdLogSample{Seq: e.Seq, LBA: op.LBA, NumLB: nlb, Opcode: opcode, Status: status})
	}
}

func (w *Worker) appendCmdLog(s CmdLogSample) {
	w.cmdLogMu.Lock()
	defer w.cmdLogMu.Unlock()
	w.cmdLogBuf[w.cmdLogHead] = s
	w.cmdLogHead = (w.cmdLogHead + 1) % len(w.cmdLogBuf)
	if w.cmdLogHead == 0 {
		w.cmdLogFull = true
	}
}

// postLoop implements §4.4.6: the cmdlog ring is stored newest-overwrites-
// oldest, so once it has wrapped at least once it must be rotated back to
// chronological (oldest-first) order before being handed to the caller.
func (w *Worker) postLoop() {
	w.cmdLogMu.Lock()
	defer w.cmdLogMu.Unlock()
	if !w.cmdLogFull {
		w.stats.CmdLog = append([]CmdLogSample(nil), w.cmdLogBuf[:w.cmdLogHead]...)
		return
	}
	n := len(w.cmdLogBuf)
	rotated := make([]CmdLogSample, n)
	copy(rotated, w.cmdLogBuf[w.cmdLogHead:])
	copy(rotated[n-w.cmdLogHead:], w.cmdLogBuf[:w.cmdLogHead])
	w.stats.CmdLog = rotated
}

func (w *Worker) statsSent() uint64 {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats.Sent
}

func (w *Worker) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *Worker) firstErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *Worker) statsSnapshot() Stats {
	w.statsMu.Lock()
	s := w.stats
	s.OpCounter = make(map[cmdlog.Tag]uint64, len(w.opCounter))
	for k, v := range w.opCounter {
		s.OpCounter[k] = v
	}
	s.IOPerSecond = append([]uint64(nil), w.ioPerSecond...)
	s.LatencyUsHist = append([]uint32(nil), w.latencyHist...)
	w.statsMu.Unlock()
	return s
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

// statusDeviceError is a non-zero placeholder status used to release a
// command's locks when the transport itself fails (as opposed to the
// device returning a real completion status).
const statusDeviceError = uint16(0xFFFF)
