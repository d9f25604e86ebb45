// Package membership implements heartbeat-based failure detection,
// majority-confirmed suspicion, and the resulting asset quarantine plus
// membership-change consensus entry, fanning node-state notifications out
// through pkg/events and counting missed heartbeats against a threshold
// the way pkg/metrics's own counters do (see DESIGN.md).
package membership

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/meshplane/core/pkg/events"
	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/transport"
	"github.com/meshplane/core/pkg/types"
)

// Config controls heartbeat cadence and local suspicion sensitivity.
type Config struct {
	HeartbeatInterval time.Duration
	FailureThreshold  int // consecutive missed heartbeat windows before raising local suspicion
}

// DefaultConfig mirrors the three-node election scenario's heartbeat=50ms.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 50 * time.Millisecond, FailureThreshold: 3}
}

// Proposer submits a membership command as a consensus entry. Satisfied by
// pkg/consensus's Node.
type Proposer interface {
	Propose(payload []byte) (uint64, error)
}

// LeaderChecker reports whether this node currently holds leadership,
// gating which node's deterministic apply path actually performs
// remediation. Satisfied by pkg/consensus's Node.
type LeaderChecker interface {
	IsLeader() bool
}

type peerState struct {
	lastSeen  time.Time
	missed    int
	suspected bool
}

// Monitor tracks peer liveness via heartbeats and raises local suspicion
// after FailureThreshold consecutive missed windows, reporting it as a
// consensus entry so every node's apply path can count it toward the
// majority required to confirm the peer has actually failed.
type Monitor struct {
	self   types.NodeId
	cfg    Config
	xport  *transport.Transport
	broker *events.Broker

	proposer Proposer

	mu    sync.Mutex
	peers map[types.NodeId]*peerState

	stopCh chan struct{}
}

// NewMonitor constructs a Monitor. Call Wire before Start so suspicion
// reports have somewhere to go.
func NewMonitor(self types.NodeId, cfg Config, xport *transport.Transport, broker *events.Broker) *Monitor {
	return &Monitor{
		self:   self,
		cfg:    cfg,
		xport:  xport,
		broker: broker,
		peers:  make(map[types.NodeId]*peerState),
		stopCh: make(chan struct{}),
	}
}

// Wire attaches the consensus proposer used to submit suspicion reports.
func (m *Monitor) Wire(proposer Proposer) { m.proposer = proposer }

// Track registers peer for heartbeating and suspicion tracking. Called at
// startup for the founding voting members; nothing calls it when AddVoter
// admits a later member.
func (m *Monitor) Track(peer types.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peer]; !ok {
		m.peers[peer] = &peerState{lastSeen: time.Now()}
	}
}

// Untrack drops peer from bookkeeping, e.g. once its eviction has already
// been carried out.
func (m *Monitor) Untrack(peer types.NodeId) {
	m.mu.Lock()
	delete(m.peers, peer)
	m.mu.Unlock()
}

// SuspectedCount returns the number of tracked peers currently under local
// suspicion, for gauge export.
func (m *Monitor) SuspectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.peers {
		if st.suspected {
			n++
		}
	}
	return n
}

// RegisterWith binds the monitor's heartbeat handler onto a shared
// transport.Dispatcher (see pkg/consensus.Node.Dispatcher), so heartbeats
// ride the same QUIC transport as consensus traffic, distinguished by
// MessageType rather than a second listener.
func (m *Monitor) RegisterWith(d *transport.Dispatcher) {
	d.Register(types.MessageData, m.handleHeartbeat)
}

func (m *Monitor) handleHeartbeat(from types.NodeId, _ *types.TransportMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.peers[from]
	if !ok {
		st = &peerState{}
		m.peers[from] = st
	}
	st.lastSeen = time.Now()
	st.missed = 0
	if st.suspected {
		st.suspected = false
		log.WithComponent("membership").Info().Str("peer", from.String()).Msg("heartbeat resumed, clearing local suspicion")
	}
}

// Start begins sending heartbeats to every tracked peer and checking for
// missed ones, both on cfg.HeartbeatInterval.
func (m *Monitor) Start() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.tick()
			case <-m.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (m *Monitor) Stop() { close(m.stopCh) }

func (m *Monitor) tick() {
	m.mu.Lock()
	peers := make([]types.NodeId, 0, len(m.peers))
	for p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	beat := &types.TransportMessage{
		Type:        types.MessageData,
		Source:      m.self,
		Payload:     []byte("heartbeat"),
		TimestampMS: time.Now().UnixMilli(),
	}
	for _, p := range peers {
		_ = m.xport.Send(p, beat)
	}

	m.checkMissed()
}

func (m *Monitor) checkMissed() {
	now := time.Now()
	var suspects []types.NodeId

	m.mu.Lock()
	for peer, st := range m.peers {
		if now.Sub(st.lastSeen) < m.cfg.HeartbeatInterval {
			continue
		}
		st.missed++
		if st.missed < m.cfg.FailureThreshold {
			continue
		}
		if !st.suspected {
			st.suspected = true
			suspects = append(suspects, peer)
		} else {
			// already locally suspected; keep retrying the report below in
			// case the last attempt landed on a node that wasn't leader.
			suspects = append(suspects, peer)
		}
	}
	m.mu.Unlock()

	for _, peer := range suspects {
		m.reportSuspicion(peer)
	}
}

func (m *Monitor) reportSuspicion(suspect types.NodeId) {
	m.publish(events.EventNodeSuspected, "local suspicion raised", map[string]string{"peer": suspect.String()})
	if m.proposer == nil {
		return
	}
	payload, err := json.Marshal(Command{Kind: KindSuspect, Suspect: suspect, Reporter: m.self})
	if err != nil {
		return
	}
	if _, err := m.proposer.Propose(payload); err != nil {
		log.WithComponent("membership").Debug().Err(err).Str("peer", suspect.String()).
			Msg("suspicion report propose failed, will retry next tick")
	}
}

func (m *Monitor) publish(t events.EventType, msg string, meta map[string]string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}
