package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvmetest/nvmetest/internal/constants"
	"github.com/nvmetest/nvmetest/internal/interfaces"
)

type stubTransport struct{}

func (stubTransport) Identify(ctx context.Context) (interfaces.ControllerIdentity, error) {
	return interfaces.ControllerIdentity{SerialNumber: "test-serial", NamespaceCount: 1}, nil
}

func (stubTransport) EnumerateNamespaces(ctx context.Context) ([]interfaces.NamespaceIdentity, error) {
	return []interfaces.NamespaceIdentity{{NSID: 1, EUI64: 0xAABB, SizeLBs: 1024, LBADataBytes: 512}}, nil
}

func (stubTransport) Submit(ctx context.Context, qid uint16, cmd []byte, data []byte) (uint16, error) {
	return 0, nil
}

func (stubTransport) Close() error { return nil }

func newTestParams(t *testing.T) ControllerParams {
	t.Helper()
	p := DefaultControllerParams("tcp:127.0.0.1:4420")
	p.ShmDir = filepath.Join(t.TempDir(), "shm")
	p.NumIOQueues = 1
	p.CmdLogDepth = 16
	return p
}

func TestAttachCreatesGlobalRegionsForPrimary(t *testing.T) {
	params := newTestParams(t)
	c, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.ConfigWord().VerifyReads())
	require.False(t, c.ConfigWord().MSIXEnabled())
}

func TestAttachSecondaryRequiresExistingRegions(t *testing.T) {
	params := newTestParams(t)
	params.Role = RoleSecondary
	_, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.Error(t, err)
}

func TestSecondaryAttachesToPrimarysRegions(t *testing.T) {
	primaryParams := newTestParams(t)
	primary, err := Attach(context.Background(), primaryParams, stubTransport{}, nil, nil)
	require.NoError(t, err)
	defer primary.Close()

	secondaryParams := primaryParams
	secondaryParams.Role = RoleSecondary
	secondary, err := Attach(context.Background(), secondaryParams, stubTransport{}, nil, nil)
	require.NoError(t, err)
	defer secondary.Close()

	require.Equal(t, primary.ConfigWord(), secondary.ConfigWord())
}

func TestReserveIOTokenNeverReturnsZero(t *testing.T) {
	params := newTestParams(t)
	c, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		tok := c.ReserveIOToken(1)
		require.NotZero(t, tok)
		require.False(t, seen[tok], "token reused: %d", tok)
		seen[tok] = true
	}
}

func TestReserveIOTokenAdvancesByBlockCount(t *testing.T) {
	params := newTestParams(t)
	c, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	first := c.ReserveIOToken(4)
	second := c.ReserveIOToken(4)
	require.Equal(t, first+4, second)
}

func TestAddNamespaceAndQueuePair(t *testing.T) {
	params := newTestParams(t)
	c, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	ns, err := c.AddNamespace(interfaces.NamespaceIdentity{NSID: 1, SizeLBs: 1024, LBADataBytes: 512})
	require.NoError(t, err)
	require.NotNil(t, ns.Table)

	dispatched := make(chan struct{}, 1)
	qp, err := c.AddQueuePair(context.Background(), 1, 1, func(ctx context.Context, qp *QueuePair) {
		dispatched <- struct{}{}
	})
	require.NoError(t, err)
	require.Equal(t, uint16(1), qp.ID)
	<-dispatched

	got, ok := c.QueuePair(1)
	require.True(t, ok)
	require.Same(t, qp, got)
}

func TestAddQueuePairRejectsUnknownNamespace(t *testing.T) {
	params := newTestParams(t)
	c, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.AddQueuePair(context.Background(), 1, 99, nil)
	require.Error(t, err)
}

func TestCloseRemovesRegionsForPrimary(t *testing.T) {
	params := newTestParams(t)
	c, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Close removed the primary's region files from the shm dir.
	_, statErr := os.Stat(filepath.Join(params.ShmDir, constants.GlobalConfigRegionName))
	require.True(t, os.IsNotExist(statErr))

	// A second attach to the same dir still succeeds afterwards.
	c2, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	params := newTestParams(t)
	c, err := Attach(context.Background(), params, stubTransport{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
