package registry

import (
	"encoding/json"
	"fmt"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/types"
)

func (r *Registry) propose(cmd Command) (uint64, error) {
	if r.proposer == nil {
		return 0, fmt.Errorf("registry: no proposer wired")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("registry: marshal command: %w", err)
	}
	return r.proposer.Propose(data)
}

// Register submits an AssetRegister entry. The caller must have already
// produced proof binding RegisterOperationHash(asset, owner).
func (r *Registry) Register(asset types.AssetId, owner types.NodeId, ownerPubKey []byte, p types.ConsensusProof) error {
	_, err := r.propose(Command{
		Kind: KindRegister, Asset: asset, Owner: owner, OwnerPubKey: ownerPubKey, Proof: p,
	})
	return err
}

// Allocate submits an AssetAllocate entry.
func (r *Registry) Allocate(asset types.AssetId, holder types.NodeId, holderPubKey []byte, quota int64, expiryUnixMS int64, p types.ConsensusProof) error {
	_, err := r.propose(Command{
		Kind: KindAllocate, Asset: asset, Owner: holder, OwnerPubKey: holderPubKey,
		Holder: holder, Quota: quota, ExpiryUnixMS: expiryUnixMS, Proof: p,
	})
	return err
}

// Release submits an AssetRelease entry.
func (r *Registry) Release(asset types.AssetId, holder types.NodeId, holderPubKey []byte, p types.ConsensusProof) error {
	_, err := r.propose(Command{
		Kind: KindRelease, Asset: asset, Owner: holder, OwnerPubKey: holderPubKey, Holder: holder, Proof: p,
	})
	return err
}

// Quarantine submits an AssetQuarantine entry. No proof is carried — it is
// issued only on already-validated abuse evidence (e.g. pkg/membership's
// majority-confirmed failure), never by an unauthenticated caller.
func (r *Registry) Quarantine(asset types.AssetId, reason string) error {
	_, err := r.propose(Command{Kind: KindQuarantine, Asset: asset, Reason: reason})
	return err
}

// Retire submits an AssetRetire entry, a terminal state transition.
func (r *Registry) Retire(asset types.AssetId) error {
	_, err := r.propose(Command{Kind: KindRetire, Asset: asset})
	return err
}

// SweepExpired submits the deterministic periodic sweep entry. Only the
// leader should call this on a timer: expiry is swept by one proposed
// entry, not independently by wall-clock on every node.
func (r *Registry) SweepExpired(nowUnixMS int64) error {
	_, err := r.propose(Command{Kind: KindSweepExpired, ExpiryUnixMS: nowUnixMS})
	return err
}

var errNotAvailable = coreerr.New("registry", coreerr.CodeNotAvailable, coreerr.Validation, "asset is not available", nil)
