package consensus

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/meshplane/core/pkg/types"
)

// ByzantineReport is the accusation produced when this node observes
// a leader sending two different entries for the same (term, index) — the
// one equivocation pattern that's visible from a single observer without a
// cluster-wide gossip round, since hashicorp/raft's own log-matching
// property means a single follower's persisted log can never itself hold
// both versions; the only place to catch the conflict is the wire, before
// raft's AppendEntries handler resolves it. The report is not signed: it
// carries only the fields below, with no reporter signature over them.
type ByzantineReport struct {
	Term      types.RaftTerm
	Index     types.LogIndex
	Reporter  types.NodeId
	Accused   types.NodeId
	DigestA   [32]byte
	DigestB   [32]byte
	DetectedAt int64 // ms since epoch
}

// EquivocationMonitor watches every AppendEntries request this node
// receives (as the transport bridge hands it off) and flags conflicting
// entries at the same (term, index) from the same purported leader.
type EquivocationMonitor struct {
	self types.NodeId

	mu       sync.Mutex
	seen     map[seenKey][32]byte
	reports  []ByzantineReport
	excluded map[types.NodeId]bool
}

type seenKey struct {
	term  uint64
	index uint64
}

// NewEquivocationMonitor constructs a monitor that reports itself as self.
func NewEquivocationMonitor(self types.NodeId) *EquivocationMonitor {
	return &EquivocationMonitor{
		self:     self,
		seen:     make(map[seenKey][32]byte),
		excluded: make(map[types.NodeId]bool),
	}
}

// Observe inspects one incoming AppendEntriesRequest. Called from the
// transport bridge before the request reaches raft's own Consumer channel.
func (m *EquivocationMonitor) Observe(req *raft.AppendEntriesRequest) {
	accused, err := types.NodeIdFromHex(string(req.RPCHeader.Addr))
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range req.Entries {
		key := seenKey{term: entry.Term, index: entry.Index}
		digest := sha256.Sum256(entry.Data)

		prior, ok := m.seen[key]
		if !ok {
			m.seen[key] = digest
			continue
		}
		if prior == digest {
			continue
		}

		m.reports = append(m.reports, ByzantineReport{
			Term:       types.RaftTerm(entry.Term),
			Index:      types.LogIndex(entry.Index),
			Reporter:   m.self,
			Accused:    accused,
			DigestA:    prior,
			DigestB:    digest,
			DetectedAt: time.Now().UnixMilli(),
		})
		m.excluded[accused] = true
	}
}

// Reports returns every accumulated report, oldest first.
func (m *EquivocationMonitor) Reports() []ByzantineReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ByzantineReport, len(m.reports))
	copy(out, m.reports)
	return out
}

// IsExcluded reports whether id has been accused and not yet cleared.
func (m *EquivocationMonitor) IsExcluded(id types.NodeId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.excluded[id]
}

// Clear lifts an exclusion, e.g. once the current term ends without the
// accused node causing further disruption.
func (m *EquivocationMonitor) Clear(id types.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.excluded, id)
}
