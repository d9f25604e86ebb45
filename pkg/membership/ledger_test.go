package membership

import (
	"crypto/rand"
	"encoding/json"
	"testing"

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

func report(t *testing.T, l *Ledger, suspect, reporter types.NodeId) {
	t.Helper()
	payload, err := json.Marshal(Command{Kind: KindSuspect, Suspect: suspect, Reporter: reporter})
	require.NoError(t, err)
	result := l.apply(payload)
	require.Nil(t, result)
}

func TestLedgerConfirmsOnlyAtQuorum(t *testing.T) {
	suspect := randomNodeID(t)
	r1, r2, r3 := randomNodeID(t), randomNodeID(t), randomNodeID(t)

	var confirmedWith types.NodeId
	calls := 0
	l := NewLedger(3, nil, func(id types.NodeId) { calls++; confirmedWith = id })

	report(t, l, suspect, r1)
	require.False(t, l.Confirmed(suspect))
	require.Equal(t, 0, calls)

	report(t, l, suspect, r2) // 2 of 3 reporters is quorum (3/2+1=2)
	require.True(t, l.Confirmed(suspect))
	require.Equal(t, 1, calls)
	require.Equal(t, suspect, confirmedWith)

	report(t, l, suspect, r3)
	require.Equal(t, 1, calls) // confirmation callback fires exactly once
}

func TestLedgerDuplicateReporterDoesNotDoubleCount(t *testing.T) {
	suspect := randomNodeID(t)
	reporter := randomNodeID(t)
	l := NewLedger(5, nil, nil)

	report(t, l, suspect, reporter)
	report(t, l, suspect, reporter)
	require.Equal(t, 1, l.ReporterCount(suspect))
}

func TestLedgerSnapshotRoundtrip(t *testing.T) {
	suspect := randomNodeID(t)
	r1, r2 := randomNodeID(t), randomNodeID(t)
	l := NewLedger(3, nil, nil)
	report(t, l, suspect, r1)
	report(t, l, suspect, r2)
	require.True(t, l.Confirmed(suspect))

	data, err := l.Snapshot()
	require.NoError(t, err)

	restored := NewLedger(3, nil, nil)
	require.NoError(t, restored.Restore(data))
	require.True(t, restored.Confirmed(suspect))
	require.Equal(t, 2, restored.ReporterCount(suspect))
}

func TestLedgerRejectsUnknownKind(t *testing.T) {
	l := NewLedger(3, nil, nil)
	payload, err := json.Marshal(Command{Kind: "NotARealKind"})
	require.NoError(t, err)
	result := l.apply(payload)
	require.Error(t, result.(error))
}
