// Package nvmetest provides the main API for attaching to and driving a
// user-space NVMe test device: a Controller owning a set of namespaces and
// queue pairs, each namespace backed by a CRC-32C integrity table and each
// queue pair by a command-log ring, plus a self-pacing workload generator.
package nvmetest

import (
	"context"
	"fmt"

	"github.com/nvmetest/nvmetest/internal/driver"
	"github.com/nvmetest/nvmetest/internal/ierrors"
	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/ioworker"
	"github.com/nvmetest/nvmetest/internal/logging"
)

// Transport, Logger and Observer are the contracts a caller supplies to
// Attach. They are aliases of the internal interfaces rather than fresh
// types so a mock or TCP transport built against internal/interfaces
// satisfies this package's surface with no adapter needed.
type (
	Transport          = interfaces.Transport
	FaultInjector      = interfaces.FaultInjector
	Logger             = interfaces.Logger
	Observer           = interfaces.Observer
	ControllerIdentity = interfaces.ControllerIdentity
	NamespaceIdentity  = interfaces.NamespaceIdentity
)

// Role selects which of two cooperating processes a Controller attach plays
// (spec.md §4.5, §6): a primary creates every named shared-memory region, a
// secondary attaches to regions a primary already created.
type Role = driver.Role

const (
	RolePrimary   = driver.RolePrimary
	RoleSecondary = driver.RoleSecondary
)

// Params configures a Controller attach, mirroring the teacher's
// DeviceParams/DefaultParams convention one layer up from the raw
// ControllerParams driver type.
type Params = driver.ControllerParams

// DefaultParams returns sensible defaults for a single-queue, primary-role
// attach against trAddr.
func DefaultParams(trAddr string) Params {
	return driver.DefaultControllerParams(trAddr)
}

// Options carries the optional collaborators CreateAndServe-style entry
// points accept: a context, logger, and metrics observer.
type Options struct {
	Context  context.Context
	Logger   *logging.Logger
	Observer Observer
}

// Controller is an attached NVMe test device: transport, admin queue, and
// whatever namespaces/queue pairs the caller attaches on top of it.
type Controller struct {
	inner   *driver.Controller
	metrics *Metrics
}

// Namespace is a namespace attached to a Controller: its integrity table
// plus the identify data it was sized from.
type Namespace struct {
	inner *driver.Namespace
	ctrl  *Controller
}

// QueuePair is an admin or I/O queue pair attached to a Controller.
type QueuePair struct {
	inner *driver.QueuePair
}

// Attach identifies transport, brings up the admin queue pair, and creates
// or attaches to (per params.Role) the process-wide shared-memory regions
// spec.md §4.5/§6 describe. This is the main entry point for this package.
//
// Example:
//
//	tr := mock.New(ident, namespaces)
//	params := nvmetest.DefaultParams("mock0")
//	ctrlr, err := nvmetest.Attach(context.Background(), params, tr, nil)
func Attach(ctx context.Context, params Params, transport Transport, options *Options) (*Controller, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	inner, err := driver.Attach(ctx, params, transport, logger, observer)
	if err != nil {
		return nil, err
	}

	c := &Controller{inner: inner, metrics: metrics}
	logger.Infof("nvmetest: controller attached traddr=%s role=%v", params.TrAddr, params.Role)
	return c, nil
}

// Close tears down the controller: unmaps every shared-memory region the
// admin and I/O queue pairs and namespaces used, removes the ones this
// process created (if it is the primary), and closes the transport.
func (c *Controller) Close() error {
	if c == nil {
		return nil
	}
	return c.inner.Close()
}

// AddNamespace attaches ident's integrity table, creating it if this
// Controller is the primary, or attaching to an existing one if secondary.
func (c *Controller) AddNamespace(ident NamespaceIdentity) (*Namespace, error) {
	ns, err := c.inner.AddNamespace(ident)
	if err != nil {
		return nil, err
	}
	return &Namespace{inner: ns, ctrl: c}, nil
}

// Namespace looks up a previously attached namespace by id.
func (c *Controller) Namespace(nsid uint32) (*Namespace, bool) {
	ns, ok := c.inner.Namespace(nsid)
	if !ok {
		return nil, false
	}
	return &Namespace{inner: ns, ctrl: c}, true
}

// AddQueuePair brings up one more I/O queue pair against ns's integrity
// table. dispatch, if non-nil, runs on the controller's pooled dispatch
// goroutines for the lifetime of the controller.
func (c *Controller) AddQueuePair(ctx context.Context, qid uint16, ns *Namespace, dispatch func(ctx context.Context, qp *QueuePair)) (*QueuePair, error) {
	var wrapped func(ctx context.Context, qp *driver.QueuePair)
	if dispatch != nil {
		wrapped = func(ctx context.Context, qp *driver.QueuePair) {
			dispatch(ctx, &QueuePair{inner: qp})
		}
	}
	qp, err := c.inner.AddQueuePair(ctx, qid, ns.inner.ID, wrapped)
	if err != nil {
		return nil, err
	}
	return &QueuePair{inner: qp}, nil
}

// QueuePair looks up a previously attached queue pair by id.
func (c *Controller) QueuePair(qid uint16) (*QueuePair, bool) {
	qp, ok := c.inner.QueuePair(qid)
	if !ok {
		return nil, false
	}
	return &QueuePair{inner: qp}, true
}

// Identity returns the controller's cached Identify Controller data.
func (c *Controller) Identity() ControllerIdentity { return c.inner.Identity() }

// Metrics returns the running metrics for this controller.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the controller's
// metrics.
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	if c.metrics == nil {
		return MetricsSnapshot{}
	}
	return c.metrics.Snapshot()
}

// IOToken returns the current value of the process-wide io-token counter
// without advancing it, a debugging accessor the original's JSON-RPC
// surface exposed out of process (out of scope here, kept as a plain read).
func (c *Controller) IOToken() uint64 {
	return c.inner.IOToken()
}

// Run drives args against ns on a fresh I/O queue pair until it completes,
// fails, or its watchdog trips (spec.md §4.4.3). qid must not already be in
// use on this controller.
func (c *Controller) Run(ctx context.Context, qid uint16, ns *Namespace, args ioworker.Args) (ioworker.Stats, error) {
	qp, err := c.inner.AddQueuePair(ctx, qid, ns.inner.ID, nil)
	if err != nil {
		return ioworker.Stats{}, err
	}
	w, err := ioworker.New(args, qid, ns.inner.ID, c.transportForWorker(), qp.Ring, c.inner.BufferPool(), func() uint64 {
		return uint64(c.inner.ConfigWord())
	})
	if err != nil {
		return ioworker.Stats{}, err
	}
	return w.Run(ctx)
}

// transportForWorker exposes the controller's transport to the ioworker
// package without putting an exported Transport() accessor on driver.Controller
// that every other caller would have to reason about.
func (c *Controller) transportForWorker() interfaces.Transport {
	return c.inner.TransportHandle()
}

// Format resets ns's entire integrity table, modeling the original's
// nvme_format admin passthrough (spec.md §4.2.2's whole-table reset).
func (ns *Namespace) Format(ctx context.Context) error {
	return ns.adminReset(ctx, "nvmetest.Format")
}

// Sanitize resets ns's entire integrity table, modeling the original's
// nvme_sanitize admin passthrough. Identical effect to Format at this
// layer: both are "the device forgets everything it has ever verified".
func (ns *Namespace) Sanitize(ctx context.Context) error {
	return ns.adminReset(ctx, "nvmetest.Sanitize")
}

func (ns *Namespace) adminReset(ctx context.Context, op string) error {
	if _, err := ns.ctrl.inner.TransportHandle().Identify(ctx); err != nil {
		return ierrors.Wrap(op, err)
	}
	ns.inner.Table.Reset()
	return nil
}

// ID returns the namespace's NVMe namespace id.
func (ns *Namespace) ID() uint32 { return ns.inner.ID }

// Identity returns the namespace's cached Identify Namespace data.
func (ns *Namespace) Identity() NamespaceIdentity { return ns.inner.Ident }

// String renders a concise identifier useful in log lines and test
// failures.
func (ns *Namespace) String() string {
	return fmt.Sprintf("namespace(nsid=%d, sizeLBs=%d)", ns.inner.ID, ns.inner.Ident.SizeLBs)
}

// ID returns the queue pair's id.
func (qp *QueuePair) ID() uint16 { return qp.inner.ID }

// Outstanding returns the number of commands currently in flight on this
// queue pair's command-log ring (the original's cmd_log.n_outstanding
// diagnostic gauge, spec.md §4.3).
func (qp *QueuePair) Outstanding() int { return qp.inner.Ring.Outstanding() }
