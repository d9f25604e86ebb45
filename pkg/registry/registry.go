// Package registry implements the universal asset registry. Every mutation
// is a committed consensus entry; the Registry's apply* methods are only
// ever called from pkg/consensus's FSM dispatch, in commit order, on every
// node.
//
// The bbolt-backed read cache uses a db.Update/View, JSON-marshaled,
// keyed-by-ID CRUD shape; committed entries are dispatched via a
// Kind-tagged envelope routed through pkg/consensus.FSM's handler registry
// rather than a hardcoded switch in the FSM itself.
package registry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/events"
	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/metrics"
	"github.com/meshplane/core/pkg/proof"
	"github.com/meshplane/core/pkg/types"
)

var bucketAssets = []byte("assets")

const (
	KindRegister      = "AssetRegister"
	KindAllocate      = "AssetAllocate"
	KindRelease       = "AssetRelease"
	KindQuarantine    = "AssetQuarantine"
	KindRetire        = "AssetRetire"
	KindSweepExpired  = "AssetSweepExpired"
)

// Command is the committed-entry payload for every registry mutation. Not
// every field applies to every Kind; see the per-Kind constructors below.
type Command struct {
	Kind         string
	Asset        types.AssetId
	Owner        types.NodeId
	OwnerPubKey  []byte
	Holder       types.NodeId
	Quota        int64
	ExpiryUnixMS int64
	Reason       string
	Proof        types.ConsensusProof
}

// Proposer submits a committed entry and blocks until it commits. Satisfied
// by pkg/consensus's Node.
type Proposer interface {
	Propose(payload []byte) (uint64, error)
}

// PoisonedEntry records a committed entry whose proof failed defence-in-depth
// re-validation at apply time; its effect is skipped but the entry stays in
// the log.
type PoisonedEntry struct {
	Index  uint64
	Kind   string
	Asset  string
	Reason string
}

// Registry holds the authoritative in-memory asset state (rebuilt from the
// replicated log / snapshot on every node) plus an optional BoltDB-backed
// read cache for O(1) restart without replaying history.
type Registry struct {
	mu       sync.RWMutex
	assets   map[string]*types.AssetRecord
	cache    *bolt.DB
	proposer Proposer
	broker   *events.Broker

	difficulty    uint8
	minDelaySteps uint64

	poisoned []PoisonedEntry

	ownerKeys map[types.NodeId][]byte
}

// Open opens (creating if absent) the read cache at dataDir/registry.db and
// loads any previously cached records into memory.
func Open(dataDir string, difficulty uint8, minDelaySteps uint64, broker *events.Broker) (*Registry, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "registry.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAssets)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create bucket: %w", err)
	}

	r := &Registry{
		assets:        make(map[string]*types.AssetRecord),
		cache:         db,
		broker:        broker,
		difficulty:    difficulty,
		minDelaySteps: minDelaySteps,
		ownerKeys:     make(map[types.NodeId][]byte),
	}
	if err := r.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadCache() error {
	return r.cache.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssets)
		return b.ForEach(func(k, v []byte) error {
			var rec types.AssetRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			r.assets[string(k)] = &rec
			return nil
		})
	})
}

// SetProposer wires the consensus submission path used by the propose-side
// API (Register/Allocate/Release/Retire).
func (r *Registry) SetProposer(p Proposer) { r.proposer = p }

// Close releases the read cache.
func (r *Registry) Close() error { return r.cache.Close() }

func (r *Registry) persist(key string, rec *types.AssetRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.cache.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).Put([]byte(key), data)
	})
}

// Get returns the current view of an asset.
func (r *Registry) Get(id types.AssetId) (*types.AssetRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.assets[id.String()]
	return rec, ok
}

// List returns every currently known asset record.
func (r *Registry) List() []*types.AssetRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.AssetRecord, 0, len(r.assets))
	for _, rec := range r.assets {
		out = append(out, rec)
	}
	return out
}

// PoisonedCount returns the number of committed entries skipped for failing
// re-validation on apply, for metrics export.
func (r *Registry) PoisonedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.poisoned)
}

// Poisoned returns every entry skipped by failed defence-in-depth
// re-validation, for surfacing as an operator alarm.
func (r *Registry) Poisoned() []PoisonedEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PoisonedEntry, len(r.poisoned))
	copy(out, r.poisoned)
	return out
}

func (r *Registry) publish(t events.EventType, msg string, meta map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

func (r *Registry) validateProof(cmd *Command, canonical []byte) *coreerr.Error {
	ownerHash := types.NodeId(sha256.Sum256(cmd.OwnerPubKey))
	if ownerHash != cmd.Owner {
		return coreerr.New("registry", coreerr.CodeBadStake, coreerr.Validation, "owner public key does not derive the claimed NodeId", nil)
	}
	ctx := proof.Context{
		StakeOwner:    cmd.Owner,
		StakeOwnerPub: cmd.OwnerPubKey,
		StakeAmount:   cmd.Proof.Stake.Amount,
		Difficulty:    r.difficulty,
		MinDelaySteps: r.minDelaySteps,
	}
	result := proof.Validate(cmd.Proof, proof.OperationHash(canonical), ctx)
	if !result.Valid {
		return result.Err
	}
	r.recordOwnerKey(cmd.Owner, cmd.OwnerPubKey)
	return nil
}

// recordOwnerKey remembers a NodeId's Ed25519 public key the first time it
// is seen attached to a passing proof, so later callers (pkg/validate) can
// resolve a claimed owner/holder back to the key it must have signed with.
// A NodeId's key cannot change without it becoming a different NodeId (it
// is the key's own hash), so the first committed sighting is authoritative.
func (r *Registry) recordOwnerKey(owner types.NodeId, pub []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ownerKeys[owner]; !ok {
		key := make([]byte, len(pub))
		copy(key, pub)
		r.ownerKeys[owner] = key
	}
}

// OwnerPubKey resolves a NodeId to the Ed25519 public key recorded for it
// from a previously validated proof, satisfying pkg/validate's
// OwnerKeyResolver. Unknown until that NodeId has proposed at least once.
func (r *Registry) OwnerPubKey(owner types.NodeId) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.ownerKeys[owner]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(pub))
	copy(out, pub)
	return out, true
}

func (r *Registry) markPoisoned(index uint64, kind, asset string, reason string) {
	r.mu.Lock()
	r.poisoned = append(r.poisoned, PoisonedEntry{Index: index, Kind: kind, Asset: asset, Reason: reason})
	r.mu.Unlock()
	log.WithComponent("registry").Warn().
		Str("kind", kind).Str("asset", asset).Str("reason", reason).
		Msg("PoisonedEntry: committed entry failed re-validation, effect skipped")
	r.publish(events.EventAssetPoisoned, "poisoned entry skipped", map[string]string{
		"kind": kind, "asset": asset, "reason": reason,
	})
	metrics.RegistryPoisonedEntriesTotal.Inc()
}

func now() time.Time { return time.Now() }
