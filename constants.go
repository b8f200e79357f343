package nvmetest

import "github.com/nvmetest/nvmetest/internal/constants"

// Re-exported tunables for callers that want defaults without importing
// the internal package directly.
const (
	AdminQueueID      = constants.AdminQueueID
	CmdLogDepth       = constants.CmdLogDepth
	DefaultQueueDepth = constants.DefaultQueueDepth
	DefaultSectorSize = constants.DefaultSectorSize
)
