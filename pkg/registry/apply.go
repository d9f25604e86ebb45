package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshplane/core/pkg/consensus"
	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/events"
	"github.com/meshplane/core/pkg/types"
)

func unixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// RegisterHandlers wires the registry's committed-entry kinds onto fsm.
// fsm must not yet be replaying committed entries when this is called.
func (r *Registry) RegisterHandlers(fsm *consensus.FSM) {
	fsm.RegisterHandler(KindRegister, r.applyRegisterAtIndex)
	fsm.RegisterHandler(KindAllocate, r.applyAllocateAtIndex)
	fsm.RegisterHandler(KindRelease, r.applyReleaseAtIndex)
	fsm.RegisterHandler(KindQuarantine, r.applyQuarantineAtIndex)
	fsm.RegisterHandler(KindRetire, r.applyRetireAtIndex)
	fsm.RegisterHandler(KindSweepExpired, r.applySweepAtIndex)
}

// These adapt the registry's own index-taking apply* methods to
// consensus.CommandHandler's signature, forwarding the committed log index
// straight through so every types.AssetRecord's LastCommittedIndex reflects
// the entry that actually produced it.
func (r *Registry) applyRegisterAtIndex(index uint64, payload []byte) interface{} {
	return r.applyRegister(index, payload)
}
func (r *Registry) applyAllocateAtIndex(index uint64, payload []byte) interface{} {
	return r.applyAllocate(index, payload)
}
func (r *Registry) applyReleaseAtIndex(index uint64, payload []byte) interface{} {
	return r.applyRelease(index, payload)
}
func (r *Registry) applyQuarantineAtIndex(index uint64, payload []byte) interface{} {
	return r.applyQuarantine(index, payload)
}
func (r *Registry) applyRetireAtIndex(index uint64, payload []byte) interface{} {
	return r.applyRetire(index, payload)
}
func (r *Registry) applySweepAtIndex(index uint64, payload []byte) interface{} {
	return r.applySweep(index, payload)
}

func (r *Registry) applyRegister(index uint64, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	key := cmd.Asset.String()

	r.mu.Lock()
	if _, exists := r.assets[key]; exists {
		r.mu.Unlock()
		return coreerr.New("registry", coreerr.CodeDuplicate, coreerr.Validation, "asset already registered", nil)
	}
	r.mu.Unlock()

	if err := r.validateProof(&cmd, canonicalFor(registerOp{Kind: KindRegister, Asset: cmd.Asset, Owner: cmd.Owner})); err != nil {
		r.markPoisoned(index, KindRegister, key, err.Reason)
		return nil
	}

	rec := &types.AssetRecord{ID: cmd.Asset, Owner: cmd.Owner, Status: types.AssetAvailable, LastCommittedIndex: index}
	r.mu.Lock()
	r.assets[key] = rec
	r.mu.Unlock()
	if err := r.persist(key, rec); err != nil {
		return fmt.Errorf("registry: persist registered asset: %w", err)
	}
	r.publish(events.EventAssetRegistered, "asset registered", map[string]string{"asset": key})
	return nil
}

func (r *Registry) applyAllocate(index uint64, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	key := cmd.Asset.String()

	r.mu.Lock()
	rec, ok := r.assets[key]
	if !ok || rec.Status != types.AssetAvailable {
		r.mu.Unlock()
		return errNotAvailable
	}
	r.mu.Unlock()

	if err := r.validateProof(&cmd, canonicalFor(allocateOp{
		Kind: KindAllocate, Asset: cmd.Asset, Holder: cmd.Holder, Quota: cmd.Quota, ExpiryUnixMS: cmd.ExpiryUnixMS,
	})); err != nil {
		r.markPoisoned(index, KindAllocate, key, err.Reason)
		return nil
	}

	r.mu.Lock()
	rec.Status = types.AssetAllocated
	rec.Allocation = &types.Allocation{Holder: cmd.Holder, Quota: cmd.Quota, LeaseExpiry: unixMillis(cmd.ExpiryUnixMS)}
	rec.LastCommittedIndex = index
	r.mu.Unlock()
	if err := r.persist(key, rec); err != nil {
		return fmt.Errorf("registry: persist allocation: %w", err)
	}
	r.publish(events.EventAssetAllocated, "asset allocated", map[string]string{"asset": key})
	return nil
}

func (r *Registry) applyRelease(index uint64, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	key := cmd.Asset.String()

	r.mu.Lock()
	rec, ok := r.assets[key]
	if !ok || rec.Status != types.AssetAllocated || rec.Allocation == nil || rec.Allocation.Holder != cmd.Holder {
		r.mu.Unlock()
		return coreerr.New("registry", coreerr.CodeNotAvailable, coreerr.Validation, "releaser does not hold the asset", nil)
	}
	r.mu.Unlock()

	if err := r.validateProof(&cmd, canonicalFor(releaseOp{Kind: KindRelease, Asset: cmd.Asset, Holder: cmd.Holder})); err != nil {
		r.markPoisoned(index, KindRelease, key, err.Reason)
		return nil
	}

	r.mu.Lock()
	rec.Status = types.AssetAvailable
	rec.Allocation = nil
	rec.LastCommittedIndex = index
	r.mu.Unlock()
	if err := r.persist(key, rec); err != nil {
		return fmt.Errorf("registry: persist release: %w", err)
	}
	r.publish(events.EventAssetReleased, "asset released", map[string]string{"asset": key})
	return nil
}

func (r *Registry) applyQuarantine(index uint64, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	key := cmd.Asset.String()

	r.mu.Lock()
	rec, ok := r.assets[key]
	if !ok {
		r.mu.Unlock()
		return nil // already retired/unknown: quarantine of a gone asset is a no-op
	}
	rec.Status = types.AssetQuarantined
	rec.LastCommittedIndex = index
	r.mu.Unlock()
	if err := r.persist(key, rec); err != nil {
		return fmt.Errorf("registry: persist quarantine: %w", err)
	}
	r.publish(events.EventAssetQuarantined, cmd.Reason, map[string]string{"asset": key})
	return nil
}

func (r *Registry) applyRetire(index uint64, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	key := cmd.Asset.String()

	r.mu.Lock()
	rec, ok := r.assets[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	rec.Status = types.AssetRetired
	rec.Allocation = nil
	rec.LastCommittedIndex = index
	r.mu.Unlock()
	if err := r.persist(key, rec); err != nil {
		return fmt.Errorf("registry: persist retire: %w", err)
	}
	r.publish(events.EventAssetRetired, "asset retired", map[string]string{"asset": key})
	return nil
}

// applySweep releases every allocation whose lease has expired as of the
// entry's carried timestamp — deterministic across all nodes since it is
// driven by the committed entry's own field, never wall-clock read locally.
func (r *Registry) applySweep(index uint64, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	cutoff := unixMillis(cmd.ExpiryUnixMS)

	r.mu.Lock()
	expired := make([]*types.AssetRecord, 0)
	for _, rec := range r.assets {
		if rec.Status == types.AssetAllocated && rec.Allocation != nil && !rec.Allocation.LeaseExpiry.After(cutoff) {
			rec.Status = types.AssetAvailable
			rec.Allocation = nil
			rec.LastCommittedIndex = index
			expired = append(expired, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		if err := r.persist(rec.ID.String(), rec); err != nil {
			return fmt.Errorf("registry: persist swept asset: %w", err)
		}
	}
	return nil
}

func canonicalFor(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("registry: canonical encoding failed: %v", err))
	}
	return data
}
