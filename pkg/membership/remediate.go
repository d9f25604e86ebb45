package membership

import (
	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/registry"
	"github.com/meshplane/core/pkg/types"
)

// ServerRemover evicts a member from the consensus voting configuration.
// Satisfied by pkg/consensus's Node.
type ServerRemover interface {
	RemoveServer(id types.NodeId) error
}

// Remediation performs the two actions a majority-confirmed failure
// triggers: quarantining the member's assets and submitting a
// membership-change entry removing it. Gated to the current leader the
// same way pkg/registry's Sweeper gates its own ticks: Ledger.apply runs
// identically on every node, but only the leader's calls actually propose
// anything.
type Remediation struct {
	leader   LeaderChecker
	registry *registry.Registry
	remover  ServerRemover
}

// NewRemediation constructs a Remediation bound to reg and remover, gated
// by leader.
func NewRemediation(leader LeaderChecker, reg *registry.Registry, remover ServerRemover) *Remediation {
	return &Remediation{leader: leader, registry: reg, remover: remover}
}

// OnConfirmed is the Ledger callback invoked once suspect's reporter set
// first crosses quorum.
func (r *Remediation) OnConfirmed(suspect types.NodeId) {
	if !r.leader.IsLeader() {
		return
	}

	for _, rec := range r.registry.List() {
		if rec.Owner != suspect {
			continue
		}
		if err := r.registry.Quarantine(rec.ID, "owner majority-confirmed failed"); err != nil {
			log.WithComponent("membership").Warn().Err(err).Str("asset", rec.ID.String()).
				Msg("quarantine propose failed")
		}
	}

	if err := r.remover.RemoveServer(suspect); err != nil {
		log.WithComponent("membership").Warn().Err(err).Str("peer", suspect.String()).
			Msg("remove server propose failed")
	}
}
