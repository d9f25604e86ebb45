package membership

import (
	"encoding/json"
	"fmt"

	"github.com/meshplane/core/pkg/types"
)

// ledgerSnapshot is the JSON-serializable form of a Ledger's state, folded
// into the same periodic snapshot as the CA's and the asset registry's via
// pkg/consensus.FSM.RegisterSnapshotProvider.
type ledgerSnapshot struct {
	Reports   map[string][]string
	Confirmed []string
}

// Snapshot implements pkg/consensus.SnapshotProvider.
func (l *Ledger) Snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := ledgerSnapshot{Reports: make(map[string][]string, len(l.reports))}
	for suspect, reporters := range l.reports {
		ids := make([]string, 0, len(reporters))
		for r := range reporters {
			ids = append(ids, r.String())
		}
		snap.Reports[suspect.String()] = ids
	}
	for s := range l.confirmed {
		snap.Confirmed = append(snap.Confirmed, s.String())
	}
	return json.Marshal(snap)
}

// Restore implements pkg/consensus.SnapshotProvider.
func (l *Ledger) Restore(data []byte) error {
	var snap ledgerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("membership: restore snapshot: %w", err)
	}

	reports := make(map[types.NodeId]map[types.NodeId]bool, len(snap.Reports))
	for suspectHex, reporterHexes := range snap.Reports {
		suspect, err := types.NodeIdFromHex(suspectHex)
		if err != nil {
			continue
		}
		set := make(map[types.NodeId]bool, len(reporterHexes))
		for _, rh := range reporterHexes {
			r, err := types.NodeIdFromHex(rh)
			if err != nil {
				continue
			}
			set[r] = true
		}
		reports[suspect] = set
	}

	confirmed := make(map[types.NodeId]bool, len(snap.Confirmed))
	for _, ch := range snap.Confirmed {
		id, err := types.NodeIdFromHex(ch)
		if err != nil {
			continue
		}
		confirmed[id] = true
	}

	l.mu.Lock()
	l.reports = reports
	l.confirmed = confirmed
	l.mu.Unlock()
	return nil
}
