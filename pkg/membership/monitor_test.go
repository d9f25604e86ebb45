package membership

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/types"
)

var errProposeFailed = errors.New("propose failed")

type recordingProposer struct {
	mu    sync.Mutex
	seen  []Command
	fails bool
}

func (p *recordingProposer) Propose(payload []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails {
		return 0, errProposeFailed
	}
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return 0, err
	}
	p.seen = append(p.seen, cmd)
	return uint64(len(p.seen)), nil
}

func (p *recordingProposer) commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Command, len(p.seen))
	copy(out, p.seen)
	return out
}

func newTestMonitor(t *testing.T) (*Monitor, types.NodeId) {
	t.Helper()
	self := randomNodeID(t)
	cfg := Config{HeartbeatInterval: time.Millisecond, FailureThreshold: 2}
	m := NewMonitor(self, cfg, nil, nil)
	return m, self
}

func TestTrackedPeerStartsUnsuspected(t *testing.T) {
	m, _ := newTestMonitor(t)
	peer := randomNodeID(t)
	m.Track(peer)

	m.mu.Lock()
	st := m.peers[peer]
	m.mu.Unlock()
	require.False(t, st.suspected)
	require.Equal(t, 0, st.missed)
}

func TestHeartbeatResetsMissedCount(t *testing.T) {
	m, _ := newTestMonitor(t)
	peer := randomNodeID(t)
	m.Track(peer)

	m.mu.Lock()
	m.peers[peer].missed = 5
	m.peers[peer].suspected = true
	m.peers[peer].lastSeen = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.handleHeartbeat(peer, nil)

	m.mu.Lock()
	st := m.peers[peer]
	m.mu.Unlock()
	require.Equal(t, 0, st.missed)
	require.False(t, st.suspected)
}

func TestMissedHeartbeatsReportSuspicionAtThreshold(t *testing.T) {
	m, self := newTestMonitor(t)
	peer := randomNodeID(t)
	m.Track(peer)
	proposer := &recordingProposer{}
	m.Wire(proposer)

	m.mu.Lock()
	m.peers[peer].lastSeen = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.checkMissed() // missed=1, below FailureThreshold=2
	require.Empty(t, proposer.commands())

	m.checkMissed() // missed=2, crosses threshold
	cmds := proposer.commands()
	require.Len(t, cmds, 1)
	require.Equal(t, KindSuspect, cmds[0].Kind)
	require.Equal(t, peer, cmds[0].Suspect)
	require.Equal(t, self, cmds[0].Reporter)
}

func TestUntrackRemovesPeer(t *testing.T) {
	m, _ := newTestMonitor(t)
	peer := randomNodeID(t)
	m.Track(peer)
	m.Untrack(peer)

	m.mu.Lock()
	_, ok := m.peers[peer]
	m.mu.Unlock()
	require.False(t, ok)
}
