package registry

import (
	"encoding/json"
	"fmt"

	"github.com/meshplane/core/pkg/types"
)

// Snapshot implements pkg/consensus.SnapshotProvider, letting the FSM fold
// the registry's state into its own periodic snapshot alongside the CA's.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, err := json.Marshal(r.assets)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal snapshot: %w", err)
	}
	return data, nil
}

// Restore implements pkg/consensus.SnapshotProvider.
func (r *Registry) Restore(data []byte) error {
	var assets map[string]*types.AssetRecord
	if err := json.Unmarshal(data, &assets); err != nil {
		return fmt.Errorf("registry: unmarshal snapshot: %w", err)
	}

	r.mu.Lock()
	r.assets = assets
	r.mu.Unlock()

	for key, rec := range assets {
		if err := r.persist(key, rec); err != nil {
			return fmt.Errorf("registry: persist restored asset: %w", err)
		}
	}
	return nil
}
