package consensus

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/security"
)

type loopbackProposer struct {
	fsm   *FSM
	index uint64
}

func (p *loopbackProposer) Propose(payload []byte) (uint64, error) {
	p.index++
	result := p.fsm.Apply(&raft.Log{Index: p.index, Term: 1, Data: payload})
	if err, ok := result.(error); ok && err != nil {
		return 0, err
	}
	return p.index, nil
}

func newTestFSM(t *testing.T) (*FSM, *security.CertAuthority) {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	security.SetClusterEncryptionKey(key[:])

	ca := security.NewCertAuthority()
	require.NoError(t, ca.Initialize())
	fsm := NewFSM(ca)
	ca.SetProposer(&loopbackProposer{fsm: fsm})
	return fsm, ca
}

func TestFSMDispatchesCertIssued(t *testing.T) {
	_, ca := newTestFSM(t)

	cert, _, err := ca.Issue("node-under-test", 1)
	require.NoError(t, err)
	require.False(t, ca.IsRevoked(cert.Serial))
}

func TestFSMRejectsUnknownKind(t *testing.T) {
	fsm, _ := newTestFSM(t)

	payload, err := json.Marshal(map[string]string{"Kind": "NotARealCommand"})
	require.NoError(t, err)

	result := fsm.Apply(&raft.Log{Index: 99, Term: 1, Data: payload})
	err, ok := result.(error)
	require.True(t, ok)
	require.Error(t, err)
}

func TestFSMRoutesRegisteredHandler(t *testing.T) {
	fsm, _ := newTestFSM(t)

	var received []byte
	var receivedIndex uint64
	fsm.RegisterHandler("Widget", func(index uint64, payload []byte) interface{} {
		receivedIndex = index
		received = payload
		return nil
	})

	payload, err := json.Marshal(map[string]string{"Kind": "Widget", "Name": "spanner"})
	require.NoError(t, err)

	result := fsm.Apply(&raft.Log{Index: 42, Term: 1, Data: payload})
	require.Nil(t, result)
	require.Equal(t, payload, received)
	require.Equal(t, uint64(42), receivedIndex)
}

func TestFSMSnapshotRoundtrip(t *testing.T) {
	fsm, ca := newTestFSM(t)
	_, _, err := ca.Issue("node-a", 1)
	require.NoError(t, err)

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := newMemorySnapshotSink()
	require.NoError(t, snap.Persist(sink))

	restored, restoredCA := newTestFSM(t)
	require.NoError(t, restored.Restore(sink.reader()))
	require.True(t, restoredCA.IsInitialized())
}
