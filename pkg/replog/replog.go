// Package replog implements the append-only, indexed, durable replicated
// log. It is a thin domain wrapper around github.com/hashicorp/raft-boltdb's
// BoltStore — the same instance this package wraps is handed to
// hashicorp/raft (see pkg/consensus) as both its LogStore and StableStore,
// so this package's durability guarantee ("persisted such that recovery
// after a crash returns it from get") and Raft's own replicated-log
// durability are the same disk write, not two copies.
package replog

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/hashicorp/raft"
	boltdb "github.com/hashicorp/raft-boltdb"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/types"
)

var keyCommitIndex = []byte("replog_commit_index")

// Log is the durable, indexed replicated log.
type Log struct {
	mu    sync.Mutex
	store *boltdb.BoltStore
}

// Open opens (creating if absent) the bbolt-backed log at path.
func Open(path string) (*Log, error) {
	store, err := boltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("replog: open bolt store: %w", err)
	}
	return &Log{store: store}, nil
}

// RaftStore exposes the underlying store for direct use as
// hashicorp/raft's LogStore and StableStore — see pkg/consensus.
func (l *Log) RaftStore() *boltdb.BoltStore { return l.store }

// Append assigns the next index and durably persists the entry.
// hashicorp/raft writes its own entries through RaftStore directly, not
// through this method.
func (l *Log) Append(term types.RaftTerm, payload []byte) (types.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.store.LastIndex()
	if err != nil {
		return 0, fmt.Errorf("replog: last index: %w", err)
	}
	index := last + 1

	entry := raft.Log{
		Index: index,
		Term:  uint64(term),
		Type:  raft.LogCommand,
		Data:  payload,
	}
	if err := l.store.StoreLog(&entry); err != nil {
		return 0, fmt.Errorf("replog: store log: %w", err)
	}
	return types.LogIndex(index), nil
}

// Get returns the entry at index.
func (l *Log) Get(index types.LogIndex) (*types.LogEntry, error) {
	var entry raft.Log
	if err := l.store.GetLog(uint64(index), &entry); err != nil {
		return nil, coreerr.New("replog", "NotFound", coreerr.Validation,
			fmt.Sprintf("no log entry at index %d", index), err)
	}
	return toLogEntry(&entry), nil
}

// Range returns entries in [from, to], inclusive.
func (l *Log) Range(from, to types.LogIndex) ([]*types.LogEntry, error) {
	if to < from {
		return nil, nil
	}
	out := make([]*types.LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		e, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CommitUpTo durably marks entries committed through index. Monotone: a
// call with an index behind the current commit index is a no-op rather
// than an error, since retried commit broadcasts are expected.
func (l *Log) CommitUpTo(index types.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.committedIndexLocked()
	if err != nil {
		return err
	}
	if index <= current {
		return nil
	}
	return l.store.SetUint64(keyCommitIndex, uint64(index))
}

// CommittedIndex returns the durably recorded commit index (0 if none yet).
func (l *Log) CommittedIndex() (types.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committedIndexLocked()
}

func (l *Log) committedIndexLocked() (types.LogIndex, error) {
	v, err := l.store.GetUint64(keyCommitIndex)
	if err != nil {
		return 0, nil // key not yet written
	}
	return types.LogIndex(v), nil
}

// TruncateFrom discards uncommitted entries at or beyond index. An index at
// or below the current committed index is refused with TruncateBelowCommit.
func (l *Log) TruncateFrom(index types.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	committed, err := l.committedIndexLocked()
	if err != nil {
		return err
	}
	if index <= committed {
		return coreerr.New("replog", "TruncateBelowCommit", coreerr.Fatal,
			fmt.Sprintf("refusing to truncate at %d at or below committed index %d", index, committed), nil)
	}

	last, err := l.store.LastIndex()
	if err != nil {
		return fmt.Errorf("replog: last index: %w", err)
	}
	if index > last {
		return nil
	}
	return l.store.DeleteRange(uint64(index), last)
}

// LastIndex returns the highest index ever appended (committed or not).
func (l *Log) LastIndex() (types.LogIndex, error) {
	v, err := l.store.LastIndex()
	return types.LogIndex(v), err
}

// Close releases the underlying bbolt database.
func (l *Log) Close() error { return l.store.Close() }

func toLogEntry(e *raft.Log) *types.LogEntry {
	var hash [32]byte
	if len(e.Data) > 0 {
		hash = sha256.Sum256(e.Data)
	}
	return &types.LogEntry{
		Term:       types.RaftTerm(e.Term),
		Index:      types.LogIndex(e.Index),
		Payload:    e.Data,
		ClientHash: hash,
	}
}
