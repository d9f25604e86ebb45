package validate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/proof"
	"github.com/meshplane/core/pkg/registry"
	"github.com/meshplane/core/pkg/types"
)

func newTestAsset(t *testing.T) (types.AssetId, types.NodeId, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	owner := types.NodeId(sha256.Sum256(pub))

	var uuid [16]byte
	_, err = rand.Read(uuid[:])
	require.NoError(t, err)

	return types.AssetId{Type: types.AssetTypeCPU, UUID: uuid, CreatedAt: time.Now()}, owner, pub, priv
}

func TestValidateRegisterAcceptsGenuineProof(t *testing.T) {
	reg, err := registry.Open(t.TempDir(), 2, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	asset, owner, pub, priv := newTestAsset(t)
	svc := NewService(reg, func(id types.NodeId) (ed25519.PublicKey, bool) {
		if id == owner {
			return pub, true
		}
		return nil, false
	}, 2, 5)

	h := registry.RegisterOperationHash(asset, owner)
	secret := []byte("space secret for " + asset.String())
	commitment := sha256.Sum256(secret)
	ctx := proof.Context{SpaceSecret: secret, StakeOwner: owner, StakeOwnerPub: pub, StakeAmount: 10, Difficulty: 2, MinDelaySteps: 5}
	p := proof.Generate(h, ctx, commitment, time.Now().UnixMilli(), 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })

	resp := svc.ValidateRegister(asset, owner, p)
	require.True(t, resp.Valid)
	require.Empty(t, resp.Reason)
}

func TestValidateRegisterRejectsUnknownOwner(t *testing.T) {
	reg, err := registry.Open(t.TempDir(), 2, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	asset, owner, _, _ := newTestAsset(t)
	svc := NewService(reg, func(types.NodeId) (ed25519.PublicKey, bool) { return nil, false }, 2, 5)

	resp := svc.ValidateRegister(asset, owner, types.ConsensusProof{})
	require.False(t, resp.Valid)
	require.NotEmpty(t, resp.Reason)
}

func TestValidateRegisterRejectsTamperedProof(t *testing.T) {
	reg, err := registry.Open(t.TempDir(), 2, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	asset, owner, pub, priv := newTestAsset(t)
	svc := NewService(reg, func(id types.NodeId) (ed25519.PublicKey, bool) {
		if id == owner {
			return pub, true
		}
		return nil, false
	}, 2, 5)

	h := registry.RegisterOperationHash(asset, owner)
	secret := []byte("space secret for " + asset.String())
	commitment := sha256.Sum256(secret)
	ctx := proof.Context{SpaceSecret: secret, StakeOwner: owner, StakeOwnerPub: pub, StakeAmount: 10, Difficulty: 2, MinDelaySteps: 5}
	p := proof.Generate(h, ctx, commitment, time.Now().UnixMilli(), 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })

	// A proof generated for a different asset must not validate against this one.
	otherAsset, _, _, _ := newTestAsset(t)
	resp := svc.ValidateRegister(otherAsset, owner, p)
	require.False(t, resp.Valid)
}

func TestAssetStatusReflectsCommittedView(t *testing.T) {
	reg, err := registry.Open(t.TempDir(), 2, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	asset, _, _, _ := newTestAsset(t)
	svc := NewService(reg, func(types.NodeId) (ed25519.PublicKey, bool) { return nil, false }, 2, 5)

	_, ok := svc.AssetStatus(asset)
	require.False(t, ok)
}
