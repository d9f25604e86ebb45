package consensus

import (
	"crypto/rand"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/types"
)

func randomNodeID(t *testing.T) types.NodeId {
	t.Helper()
	var id types.NodeId
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func TestEquivocationMonitorIgnoresIdenticalRetries(t *testing.T) {
	self := randomNodeID(t)
	leader := randomNodeID(t)
	m := NewEquivocationMonitor(self)

	req := &raft.AppendEntriesRequest{
		RPCHeader: raft.RPCHeader{Addr: []byte(leader.String())},
		Entries: []*raft.Log{
			{Term: 3, Index: 10, Data: []byte("same payload")},
		},
	}

	m.Observe(req)
	m.Observe(req) // retried heartbeat/append, identical content

	require.Empty(t, m.Reports())
	require.False(t, m.IsExcluded(leader))
}

func TestEquivocationMonitorFlagsConflictingPayload(t *testing.T) {
	self := randomNodeID(t)
	leader := randomNodeID(t)
	m := NewEquivocationMonitor(self)

	first := &raft.AppendEntriesRequest{
		RPCHeader: raft.RPCHeader{Addr: []byte(leader.String())},
		Entries:   []*raft.Log{{Term: 3, Index: 10, Data: []byte("version A")}},
	}
	second := &raft.AppendEntriesRequest{
		RPCHeader: raft.RPCHeader{Addr: []byte(leader.String())},
		Entries:   []*raft.Log{{Term: 3, Index: 10, Data: []byte("version B")}},
	}

	m.Observe(first)
	m.Observe(second)

	reports := m.Reports()
	require.Len(t, reports, 1)
	require.Equal(t, leader, reports[0].Accused)
	require.Equal(t, self, reports[0].Reporter)
	require.True(t, m.IsExcluded(leader))

	m.Clear(leader)
	require.False(t, m.IsExcluded(leader))
}

func TestEquivocationMonitorIgnoresMalformedAddr(t *testing.T) {
	self := randomNodeID(t)
	m := NewEquivocationMonitor(self)

	req := &raft.AppendEntriesRequest{
		RPCHeader: raft.RPCHeader{Addr: []byte("not-hex")},
		Entries:   []*raft.Log{{Term: 1, Index: 1, Data: []byte("x")}},
	}
	m.Observe(req)
	require.Empty(t, m.Reports())
}
