package registry

import (
	"encoding/json"
	"fmt"

	"github.com/meshplane/core/pkg/proof"
	"github.com/meshplane/core/pkg/types"
)

// The OperationHash functions below are the canonical encodings every proof
// binds to; callers building a ConsensusProof client-side (via proof.Generate)
// and the apply-time re-validation path (Registry.validateProof) must derive
// H identically or every proof would mismatch itself.

type registerOp struct {
	Kind  string
	Asset types.AssetId
	Owner types.NodeId
}

// RegisterOperationHash is the H an AssetRegister proof must bind to.
func RegisterOperationHash(asset types.AssetId, owner types.NodeId) [32]byte {
	return hashOf(registerOp{Kind: KindRegister, Asset: asset, Owner: owner})
}

type allocateOp struct {
	Kind         string
	Asset        types.AssetId
	Holder       types.NodeId
	Quota        int64
	ExpiryUnixMS int64
}

// AllocateOperationHash is the H an AssetAllocate proof must bind to.
func AllocateOperationHash(asset types.AssetId, holder types.NodeId, quota int64, expiryUnixMS int64) [32]byte {
	return hashOf(allocateOp{Kind: KindAllocate, Asset: asset, Holder: holder, Quota: quota, ExpiryUnixMS: expiryUnixMS})
}

type releaseOp struct {
	Kind   string
	Asset  types.AssetId
	Holder types.NodeId
}

// ReleaseOperationHash is the H an AssetRelease proof must bind to.
func ReleaseOperationHash(asset types.AssetId, holder types.NodeId) [32]byte {
	return hashOf(releaseOp{Kind: KindRelease, Asset: asset, Holder: holder})
}

func hashOf(v interface{}) [32]byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("registry: canonical encoding failed: %v", err))
	}
	return proof.OperationHash(data)
}
