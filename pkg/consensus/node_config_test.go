package consensus

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/types"
)

func TestDefaultConfigSetsSpecMandatedTimeouts(t *testing.T) {
	var id types.NodeId
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	cfg := DefaultConfig(id, t.TempDir())
	require.Equal(t, id, cfg.NodeID)
	require.Greater(t, cfg.ElectionTimeoutBase.Milliseconds(), int64(0))
	require.Greater(t, cfg.HeartbeatTimeout.Milliseconds(), int64(0))
	require.Greater(t, cfg.ApplyTimeout.Milliseconds(), int64(0))
}
