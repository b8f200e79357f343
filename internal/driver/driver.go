package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cloudwego/gopkg/concurrency/gopool"
	"golang.org/x/sys/unix"

	"github.com/nvmetest/nvmetest/internal/bufferpool"
	"github.com/nvmetest/nvmetest/internal/cmdlog"
	"github.com/nvmetest/nvmetest/internal/constants"
	"github.com/nvmetest/nvmetest/internal/ierrors"
	"github.com/nvmetest/nvmetest/internal/integrity"
	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/logging"
	"github.com/nvmetest/nvmetest/internal/shm"
)

// Namespace is an attached namespace: its integrity table, identify data,
// and the logical block accounting the IO-worker and cmdlog.Ring need.
type Namespace struct {
	ID      uint32
	Ident   interfaces.NamespaceIdentity
	Table   *integrity.Table
	region  *shm.Region // nil if the table was not shm-backed (e.g. secondary didn't attach)
}

// QueuePair is one admin or I/O queue: a command-log ring plus the
// per-queue shm region it was built from (nil for a ring built purely
// in-process, as admin queues are).
type QueuePair struct {
	ID     uint16
	Ring   *cmdlog.Ring
	region *shm.Region
}

// Controller owns one attached device's transport, admin queue, I/O queue
// pairs, namespaces, buffer pool, and the two process-wide shared-memory
// words (global config, io token). Grounded on the teacher's ctrl.Controller
// lifecycle (NewController/AddDevice/Close), generalized from a single
// ublk char-device handle to an NVMe transport plus the shared-memory
// coordination state spec.md §4.5/§6 require between cooperating processes.
type Controller struct {
	params    ControllerParams
	transport interfaces.Transport
	logger    *logging.Logger
	observer  interfaces.Observer

	shmReg *shm.Registry
	pool   *bufferpool.Pool

	configRegion *shm.Region
	tokenRegion  *shm.Region

	admin *QueuePair

	mu         sync.RWMutex
	queues     map[uint16]*QueuePair
	namespaces map[uint32]*Namespace

	dispatchPool *gopool.GoPool

	ident interfaces.ControllerIdentity

	closed int32
}

// Attach opens a transport-backed controller: identifies it, creates (or
// attaches to, per Role) its shared-memory regions, and brings up the admin
// queue pair. It does not yet enumerate namespaces or I/O queues; call
// AddNamespace / AddQueuePair for those (spec.md §3.1/§4.5's staged
// attach sequence).
func Attach(ctx context.Context, params ControllerParams, transport interfaces.Transport, logger *logging.Logger, observer interfaces.Observer) (*Controller, error) {
	if logger == nil {
		logger = logging.Default()
	}
	dir := params.ShmDir
	if dir == "" {
		dir = "/dev/shm/nvmetest"
	}
	reg, err := shm.NewRegistry(dir)
	if err != nil {
		return nil, ierrors.Wrap("driver.Attach", err)
	}

	arenaSize := params.BufferArenaBytes
	if arenaSize <= 0 {
		arenaSize = 64 * constants.BitmapArenaMaxBlockSize
	}
	minBlock := params.BufferMinBlockBytes
	if minBlock <= 0 {
		minBlock = constants.BitmapArenaMinBlockSize
	}
	maxBlock := params.BufferMaxBlockBytes
	if maxBlock <= 0 {
		maxBlock = constants.BitmapArenaMaxBlockSize
	}
	pool, err := bufferpool.New(arenaSize, minBlock, maxBlock)
	if err != nil {
		return nil, ierrors.Wrap("driver.Attach", err)
	}

	ident, err := transport.Identify(ctx)
	if err != nil {
		return nil, ierrors.Wrap("driver.Attach", err)
	}

	c := &Controller{
		params:       params,
		transport:    transport,
		logger:       logger,
		observer:     observer,
		shmReg:       reg,
		pool:         pool,
		queues:       make(map[uint16]*QueuePair),
		namespaces:   make(map[uint32]*Namespace),
		ident:        ident,
		dispatchPool: gopool.NewGoPool(fmt.Sprintf("nvmetest-%s", params.TrAddr), dispatchPoolOption()),
	}
	c.dispatchPool.SetPanicHandler(func(ctx context.Context, r interface{}) {
		c.logger.Errorf("driver: queue dispatch goroutine panicked: %v", r)
	})

	if err := c.attachGlobalWords(); err != nil {
		c.Close()
		return nil, err
	}

	admin, err := c.newQueuePair(constants.AdminQueueID, params.CmdLogDepth, false)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.admin = admin
	c.queues[constants.AdminQueueID] = admin

	if len(params.CPUAffinity) > 0 {
		if err := pinCurrentThread(params.CPUAffinity); err != nil {
			c.logger.Warnf("driver: cpu affinity pin failed: %v", err)
		}
	}

	return c, nil
}

func dispatchPoolOption() *gopool.Option {
	o := gopool.DefaultOption()
	o.TaskChanBuffer = 256
	return o
}

// attachGlobalWords creates or looks up the two process-wide shm regions
// spec.md §4.5/§6 name: driver_global_config (the config word) and
// driver_io_token (the monotonic io-token counter). A primary creates both;
// a secondary must find both already present.
func (c *Controller) attachGlobalWords() error {
	const wordSize = 8
	var cfg, tok *shm.Region
	var err error
	switch c.params.Role {
	case RolePrimary:
		cfg, err = c.shmReg.Create(constants.GlobalConfigRegionName, wordSize)
		if err != nil {
			return ierrors.Wrap("driver.attachGlobalWords", err)
		}
		binary.LittleEndian.PutUint64(cfg.Bytes(), uint64(NewConfigWord(c.params)))

		tok, err = c.shmReg.Create(constants.IOTokenRegionName, wordSize)
		if err != nil {
			return ierrors.Wrap("driver.attachGlobalWords", err)
		}
		// Token 0 is reserved (spec.md §4.1: "never zero, skip 0"); the
		// first ReserveIOToken(n) call returns n.
		binary.LittleEndian.PutUint64(tok.Bytes(), 0)
	case RoleSecondary:
		cfg, err = c.shmReg.Lookup(constants.GlobalConfigRegionName, wordSize)
		if err != nil {
			return ierrors.Wrap("driver.attachGlobalWords", err)
		}
		tok, err = c.shmReg.Lookup(constants.IOTokenRegionName, wordSize)
		if err != nil {
			return ierrors.Wrap("driver.attachGlobalWords", err)
		}
	}
	c.configRegion = cfg
	c.tokenRegion = tok
	return nil
}

// ConfigWord returns the current global config word.
func (c *Controller) ConfigWord() ConfigWord {
	return ConfigWord(binary.LittleEndian.Uint64(c.configRegion.Bytes()))
}

// SetConfigWord overwrites the global config word. Only meaningful for a
// primary; a secondary may call it too since the region is shared memory,
// but doing so races any other attached process's concurrent reads unless
// coordinated out of band.
func (c *Controller) SetConfigWord(w ConfigWord) {
	binary.LittleEndian.PutUint64(c.configRegion.Bytes(), uint64(w))
}

// ReserveIOToken atomically advances and returns the next io token
// (spec.md §4.1): a 64-bit counter incremented by the number of logical
// blocks a write touches, skipping zero so a stamped token of 0 always
// means "never written".
func (c *Controller) ReserveIOToken(numLBs uint64) uint64 {
	if numLBs == 0 {
		numLBs = 1
	}
	word := (*uint64)(wordPtr(c.tokenRegion.Bytes()))
	next := atomic.AddUint64(word, numLBs)
	if next == 0 {
		next = atomic.AddUint64(word, numLBs)
	}
	return next
}

// newQueuePair builds a command-log ring for qid, backed by shared memory
// when shmBacked is true (I/O queues) or purely in-process when false (the
// admin queue, which spec.md never requires other processes to observe).
func (c *Controller) newQueuePair(qid uint16, depth int, shmBacked bool) (*QueuePair, error) {
	var region *shm.Region
	if shmBacked {
		name := constants.CmdLogRegionName(c.params.TrAddr, qid, os.Getpid(), c.params.SubNQN)
		r, created, err := c.shmReg.CreateOrLookup(name, depth*64)
		if err != nil {
			return nil, ierrors.Wrap("driver.newQueuePair", err)
		}
		region = r
		_ = created
	}
	ring := cmdlog.New(qid, depth, c.adminTable(), c.observer, c.logger)
	return &QueuePair{ID: qid, Ring: ring, region: region}, nil
}

// adminTable returns a disabled, always-succeeding integrity table for the
// admin queue: admin commands never touch namespace data.
func (c *Controller) adminTable() *integrity.Table {
	return integrity.NewTable(nil, 0, false)
}

// AddQueuePair brings up one more I/O queue pair against nsid's integrity
// table and starts its dispatch goroutine via the controller's gopool, the
// DOMAIN STACK's replacement for the teacher's raw per-queue `go ioLoop()`.
func (c *Controller) AddQueuePair(ctx context.Context, qid uint16, nsid uint32, dispatch func(ctx context.Context, qp *QueuePair)) (*QueuePair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns, ok := c.namespaces[nsid]
	if !ok {
		return nil, ierrors.Newf("driver.AddQueuePair", ierrors.CodeNotFound, "namespace %d not attached", nsid)
	}

	qp, err := c.newQueuePairLocked(qid, ns.Table)
	if err != nil {
		return nil, err
	}
	c.queues[qid] = qp

	if dispatch != nil {
		c.dispatchPool.CtxGo(ctx, func() { dispatch(ctx, qp) })
	}
	return qp, nil
}

func (c *Controller) newQueuePairLocked(qid uint16, table *integrity.Table) (*QueuePair, error) {
	var region *shm.Region
	depth := c.params.CmdLogDepth
	if depth <= 0 {
		depth = constants.CmdLogDepth
	}
	name := constants.CmdLogRegionName(c.params.TrAddr, qid, os.Getpid(), c.params.SubNQN)
	switch c.params.Role {
	case RolePrimary:
		r, err := c.shmReg.Create(name, depth*64)
		if err != nil {
			return nil, ierrors.Wrap("driver.newQueuePairLocked", err)
		}
		region = r
	case RoleSecondary:
		r, err := c.shmReg.Lookup(name, depth*64)
		if err != nil {
			return nil, ierrors.Wrap("driver.newQueuePairLocked", err)
		}
		region = r
	}
	ring := cmdlog.New(qid, depth, table, c.observer, c.logger)
	return &QueuePair{ID: qid, Ring: ring, region: region}, nil
}

// AddNamespace attaches to nsid's identify data and brings up (or attaches
// to) its integrity table, sized for its full LBA range.
func (c *Controller) AddNamespace(ident interfaces.NamespaceIdentity) (*Namespace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := constants.IntegrityRegionName(c.params.TrAddr, ident.NSID, ident.EUI64)
	size := ident.SizeLBs * 4 // one 32-bit word per LBA

	var region *shm.Region
	switch c.params.Role {
	case RolePrimary:
		r, err := c.shmReg.Create(name, int(size))
		if err != nil {
			return nil, ierrors.Wrap("driver.AddNamespace", err)
		}
		region = r
	case RoleSecondary:
		r, err := c.shmReg.Lookup(name, int(size))
		if err != nil {
			return nil, ierrors.Wrap("driver.AddNamespace", err)
		}
		region = r
	}

	tbl := integrity.NewTable(region.Bytes(), ident.SizeLBs, c.ConfigWord().VerifyReads())
	ns := &Namespace{ID: ident.NSID, Ident: ident, Table: tbl, region: region}
	c.namespaces[ident.NSID] = ns
	return ns, nil
}

// QueuePair looks up an attached queue pair by id.
func (c *Controller) QueuePair(qid uint16) (*QueuePair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	qp, ok := c.queues[qid]
	return qp, ok
}

// Namespace looks up an attached namespace by id.
func (c *Controller) Namespace(nsid uint32) (*Namespace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ns, ok := c.namespaces[nsid]
	return ns, ok
}

// BufferPool returns the controller's shared DMA buffer pool.
func (c *Controller) BufferPool() *bufferpool.Pool { return c.pool }

// Identity returns the controller's cached Identify data.
func (c *Controller) Identity() interfaces.ControllerIdentity { return c.ident }

// TransportHandle exposes the controller's transport to callers that need
// to issue admin commands directly (e.g. the io-worker's dispatch loop and
// the namespace format/sanitize convenience methods).
func (c *Controller) TransportHandle() interfaces.Transport { return c.transport }

// IOToken returns the current value of the process-wide io-token counter
// without advancing it.
func (c *Controller) IOToken() uint64 {
	return binary.LittleEndian.Uint64(c.tokenRegion.Bytes())
}

// Close tears down the controller: closes the transport, unmaps every shm
// region, and, if this process is the primary, removes the regions it
// created so a restarted primary starts clean (spec.md §4.5's "primary owns
// teardown").
func (c *Controller) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, qp := range c.queues {
		if qp.region != nil {
			_ = qp.region.Close()
		}
	}
	for _, ns := range c.namespaces {
		if ns.region != nil {
			_ = ns.region.Close()
		}
	}
	if c.configRegion != nil {
		_ = c.configRegion.Close()
	}
	if c.tokenRegion != nil {
		_ = c.tokenRegion.Close()
	}

	if c.params.Role == RolePrimary {
		for _, qp := range c.queues {
			if qp.region != nil {
				_ = c.shmReg.Remove(qp.region.Name())
			}
		}
		for _, ns := range c.namespaces {
			if ns.region != nil {
				_ = c.shmReg.Remove(ns.region.Name())
			}
		}
		if c.configRegion != nil {
			_ = c.shmReg.Remove(constants.GlobalConfigRegionName)
		}
		if c.tokenRegion != nil {
			_ = c.shmReg.Remove(constants.IOTokenRegionName)
		}
	}

	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// wordPtr reinterprets the first 8 bytes of a shared-memory region as a
// *uint64 so ReserveIOToken can drive it with atomic.AddUint64 across
// processes mapping the same region.
func wordPtr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// pinCurrentThread applies the given CPU set to the calling OS thread via
// sched_setaffinity, the same mechanism the teacher's queue runner uses to
// pin each I/O queue's poll loop to a dedicated core.
func pinCurrentThread(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}
