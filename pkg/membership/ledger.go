package membership

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meshplane/core/pkg/consensus"
	"github.com/meshplane/core/pkg/events"
	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/types"
)

// Ledger is the replicated, deterministic tally of suspicion reports per
// suspect. Every node computes it identically from the same committed
// entries, so a majority is reached at the same log index everywhere —
// there is no separate leader-only vote-counting step.
type Ledger struct {
	mu          sync.Mutex
	clusterSize int
	reports     map[types.NodeId]map[types.NodeId]bool
	confirmed   map[types.NodeId]bool
	broker      *events.Broker
	onConfirmed func(types.NodeId)
}

// NewLedger constructs a Ledger for a cluster of clusterSize voting
// members. onConfirmed fires once a suspect's reporter set first reaches
// quorum; it runs on every node's apply path, so it must itself decide
// whether this node should act (see Remediation.OnConfirmed).
func NewLedger(clusterSize int, broker *events.Broker, onConfirmed func(types.NodeId)) *Ledger {
	return &Ledger{
		clusterSize: clusterSize,
		reports:     make(map[types.NodeId]map[types.NodeId]bool),
		confirmed:   make(map[types.NodeId]bool),
		broker:      broker,
		onConfirmed: onConfirmed,
	}
}

// SetClusterSize updates the quorum denominator, e.g. after AddVoter or
// RemoveServer changes the voting configuration's size.
func (l *Ledger) SetClusterSize(n int) {
	l.mu.Lock()
	l.clusterSize = n
	l.mu.Unlock()
}

// RegisterHandler wires the ledger's apply logic onto fsm under
// KindSuspect.
func (l *Ledger) RegisterHandler(fsm *consensus.FSM) {
	fsm.RegisterHandler(KindSuspect, func(index uint64, payload []byte) interface{} {
		return l.apply(payload)
	})
}

func (l *Ledger) apply(payload []byte) interface{} {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("membership: decode command: %w", err)
	}
	if cmd.Kind != KindSuspect {
		return fmt.Errorf("membership: unknown command kind %q", cmd.Kind)
	}

	l.mu.Lock()
	if l.confirmed[cmd.Suspect] {
		l.mu.Unlock()
		return nil
	}
	reporters, ok := l.reports[cmd.Suspect]
	if !ok {
		reporters = make(map[types.NodeId]bool)
		l.reports[cmd.Suspect] = reporters
	}
	reporters[cmd.Reporter] = true
	quorum := l.clusterSize/2 + 1
	justConfirmed := len(reporters) >= quorum
	if justConfirmed {
		l.confirmed[cmd.Suspect] = true
	}
	l.mu.Unlock()

	l.publish(events.EventNodeSuspected, "suspicion reported", map[string]string{
		"suspect": cmd.Suspect.String(), "reporter": cmd.Reporter.String(),
	})

	if justConfirmed {
		log.WithComponent("membership").Warn().Str("suspect", cmd.Suspect.String()).
			Msg("majority-confirmed failure")
		l.publish(events.EventNodeLeft, "majority-confirmed failure", map[string]string{
			"suspect": cmd.Suspect.String(),
		})
		if l.onConfirmed != nil {
			l.onConfirmed(cmd.Suspect)
		}
	}
	return nil
}

func (l *Ledger) publish(t events.EventType, msg string, meta map[string]string) {
	if l.broker == nil {
		return
	}
	l.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

// Confirmed reports whether suspect has already crossed the quorum
// threshold for a majority-confirmed failure.
func (l *Ledger) Confirmed(suspect types.NodeId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmed[suspect]
}

// ReporterCount returns how many distinct nodes have reported suspicion of
// suspect so far.
func (l *Ledger) ReporterCount(suspect types.NodeId) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reports[suspect])
}
