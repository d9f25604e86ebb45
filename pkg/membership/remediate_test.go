package membership

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/consensus"
	"github.com/meshplane/core/pkg/proof"
	"github.com/meshplane/core/pkg/registry"
	"github.com/meshplane/core/pkg/security"
	"github.com/meshplane/core/pkg/types"
)

type fakeLeader struct{ leader bool }

func (f *fakeLeader) IsLeader() bool { return f.leader }

type recordingRemover struct {
	removed []types.NodeId
}

func (r *recordingRemover) RemoveServer(id types.NodeId) error {
	r.removed = append(r.removed, id)
	return nil
}

// loopbackFSMProposer drives a real *consensus.FSM synchronously, the same
// pattern pkg/consensus's own fsm_test.go uses to stand in for a committed
// Raft log without a real cluster.
type loopbackFSMProposer struct {
	fsm   *consensus.FSM
	index uint64
}

func (p *loopbackFSMProposer) Propose(payload []byte) (uint64, error) {
	p.index++
	result := p.fsm.Apply(&raft.Log{Index: p.index, Term: 1, Data: payload})
	if err, ok := result.(error); ok && err != nil {
		return 0, err
	}
	return p.index, nil
}

func setupOwnedAsset(t *testing.T) (*registry.Registry, types.AssetId, types.NodeId) {
	t.Helper()

	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	security.SetClusterEncryptionKey(key[:])
	ca := security.NewCertAuthority()
	require.NoError(t, ca.Initialize())
	fsm := consensus.NewFSM(ca)

	reg, err := registry.Open(t.TempDir(), 2, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	reg.RegisterHandlers(fsm)
	reg.SetProposer(&loopbackFSMProposer{fsm: fsm})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	owner := types.NodeId(sha256.Sum256(pub))

	var uuid [16]byte
	_, err = rand.Read(uuid[:])
	require.NoError(t, err)
	asset := types.AssetId{Type: types.AssetTypeCPU, UUID: uuid, CreatedAt: time.Now()}

	h := registry.RegisterOperationHash(asset, owner)
	secret := []byte("space secret")
	commitment := sha256.Sum256(secret)
	ctx := proof.Context{SpaceSecret: secret, StakeOwner: owner, StakeOwnerPub: pub, StakeAmount: 1, Difficulty: 2, MinDelaySteps: 5}
	p := proof.Generate(h, ctx, commitment, time.Now().UnixMilli(), 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })
	require.NoError(t, reg.Register(asset, owner, pub, p))

	return reg, asset, owner
}

func TestRemediationQuarantinesAndRemovesOnLeader(t *testing.T) {
	reg, asset, owner := setupOwnedAsset(t)
	remover := &recordingRemover{}
	rem := NewRemediation(&fakeLeader{leader: true}, reg, remover)

	rem.OnConfirmed(owner)

	rec, ok := reg.Get(asset)
	require.True(t, ok)
	require.Equal(t, types.AssetQuarantined, rec.Status)
	require.Equal(t, []types.NodeId{owner}, remover.removed)
}

func TestRemediationNoOpsOnFollower(t *testing.T) {
	reg, asset, owner := setupOwnedAsset(t)
	remover := &recordingRemover{}
	rem := NewRemediation(&fakeLeader{leader: false}, reg, remover)

	rem.OnConfirmed(owner)

	rec, ok := reg.Get(asset)
	require.True(t, ok)
	require.Equal(t, types.AssetAvailable, rec.Status)
	require.Empty(t, remover.removed)
}
