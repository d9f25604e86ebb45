// Package validate implements the read-only entry point collaborators use
// to ask "is this ConsensusProof valid right now?" It never mutates state
// and is callable from any member, not only the leader.
package validate

import (
	"crypto/ed25519"

	"github.com/meshplane/core/pkg/proof"
	"github.com/meshplane/core/pkg/registry"
	"github.com/meshplane/core/pkg/types"
)

// OwnerKeyResolver resolves the Ed25519 public key behind a claimed NodeId,
// out-of-band from the proof itself (e.g. from a validated certificate or
// the registry's recorded owner/holder pairing — NodeId alone, being a hash
// of the key, cannot be inverted back to it).
type OwnerKeyResolver func(types.NodeId) (ed25519.PublicKey, bool)

// Response is the outcome surfaced to the caller: {valid, reason?}.
type Response struct {
	Valid  bool
	Reason string
}

// Service answers validation queries against the registry's current
// committed view plus the cluster's shared proof parameters.
type Service struct {
	registry      *registry.Registry
	resolveOwner  OwnerKeyResolver
	difficulty    uint8
	minDelaySteps uint64
}

// NewService constructs a validation service bound to reg's current view.
func NewService(reg *registry.Registry, resolveOwner OwnerKeyResolver, difficulty uint8, minDelaySteps uint64) *Service {
	return &Service{registry: reg, resolveOwner: resolveOwner, difficulty: difficulty, minDelaySteps: minDelaySteps}
}

// ValidateRegister checks a not-yet-submitted AssetRegister proof.
func (s *Service) ValidateRegister(asset types.AssetId, owner types.NodeId, p types.ConsensusProof) Response {
	return s.validate(registry.RegisterOperationHash(asset, owner), owner, p)
}

// ValidateAllocate checks a not-yet-submitted AssetAllocate proof.
func (s *Service) ValidateAllocate(asset types.AssetId, holder types.NodeId, quota int64, expiryUnixMS int64, p types.ConsensusProof) Response {
	return s.validate(registry.AllocateOperationHash(asset, holder, quota, expiryUnixMS), holder, p)
}

// ValidateRelease checks a not-yet-submitted AssetRelease proof.
func (s *Service) ValidateRelease(asset types.AssetId, holder types.NodeId, p types.ConsensusProof) Response {
	return s.validate(registry.ReleaseOperationHash(asset, holder), holder, p)
}

func (s *Service) validate(h [32]byte, claimedOwner types.NodeId, p types.ConsensusProof) Response {
	pub, ok := s.resolveOwner(claimedOwner)
	if !ok {
		return Response{Valid: false, Reason: "no public key on file for claimed owner"}
	}

	ctx := proof.Context{
		StakeOwner:    claimedOwner,
		StakeOwnerPub: pub,
		StakeAmount:   p.Stake.Amount,
		Difficulty:    s.difficulty,
		MinDelaySteps: s.minDelaySteps,
	}
	result := proof.Validate(p, h, ctx)
	if !result.Valid {
		return Response{Valid: false, Reason: result.Err.Reason}
	}
	return Response{Valid: true}
}

// AssetStatus resolves the current committed status of an asset, the
// read-mostly companion query collaborators use alongside proof validation.
func (s *Service) AssetStatus(asset types.AssetId) (types.AssetStatus, bool) {
	rec, ok := s.registry.Get(asset)
	if !ok {
		return "", false
	}
	return rec.Status, true
}
