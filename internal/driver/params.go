// Package driver implements the controller/namespace/queue-pair lifecycle,
// process role, global config word, and io token counter that spec.md §3-§4.5
// describe: the glue that ties transport, buffer pool, integrity tables, and
// command-log rings together into one attached NVMe device.
package driver

import (
	"github.com/nvmetest/nvmetest/internal/constants"
)

// Role is which of the two cooperating processes this driver instance is
// playing for a given controller (spec.md §4.5, §6).
type Role int

const (
	// RolePrimary creates every named shared-memory region and is
	// responsible for tearing them down on detach.
	RolePrimary Role = iota
	// RoleSecondary attaches to regions a primary process already created.
	RoleSecondary
)

// ControllerParams configures a controller attach (spec.md §3.1's "Owns:
// transport identifier... an admin queue pair, a set of I/O queue pairs, a
// set of namespaces").
type ControllerParams struct {
	// TrAddr is the PCIe transport address, or "host:port" for TCP.
	TrAddr string
	// SubNQN is the NVMe subsystem NQN (TCP transport only).
	SubNQN string

	Role Role

	NumIOQueues  int
	QueueDepth   int
	CmdLogDepth  int
	VerifyReads  bool
	EnableMSIX   bool
	FUARead      bool
	FUAWrite     bool

	BufferArenaBytes    int
	BufferMinBlockBytes int
	BufferMaxBlockBytes int

	ShmDir      string
	CPUAffinity []int
}

// DefaultControllerParams returns sensible defaults, mirroring the teacher's
// DefaultDeviceParams convention.
func DefaultControllerParams(trAddr string) ControllerParams {
	return ControllerParams{
		TrAddr:      trAddr,
		Role:        RolePrimary,
		NumIOQueues: 1,
		QueueDepth:  constants.DefaultQueueDepth,
		CmdLogDepth: constants.CmdLogDepth,
		VerifyReads: true,

		BufferArenaBytes:    64 * constants.BitmapArenaMaxBlockSize,
		BufferMinBlockBytes: constants.BitmapArenaMinBlockSize,
		BufferMaxBlockBytes: constants.BitmapArenaMaxBlockSize,

		ShmDir: "/dev/shm/nvmetest",
	}
}

// ConfigWord packs the global config bits spec.md §3 describes into the
// 64-bit word shared across processes via the driver_global_config region.
type ConfigWord uint64

func NewConfigWord(p ControllerParams) ConfigWord {
	var w ConfigWord
	if p.VerifyReads {
		w |= ConfigWord(constants.DCFGVerifyRead)
	}
	if p.EnableMSIX {
		w |= ConfigWord(constants.DCFGEnableMSIX)
	}
	if p.FUARead {
		w |= ConfigWord(constants.DCFGFUARead)
	}
	if p.FUAWrite {
		w |= ConfigWord(constants.DCFGFUAWrite)
	}
	return w
}

func (w ConfigWord) VerifyReads() bool { return uint64(w)&constants.DCFGVerifyRead != 0 }
func (w ConfigWord) MSIXEnabled() bool { return uint64(w)&constants.DCFGEnableMSIX != 0 }
func (w ConfigWord) FUARead() bool     { return uint64(w)&constants.DCFGFUARead != 0 }
func (w ConfigWord) FUAWrite() bool    { return uint64(w)&constants.DCFGFUAWrite != 0 }
func (w ConfigWord) IOWTerm() bool     { return uint64(w)&constants.DCFGIOWTerm != 0 }
