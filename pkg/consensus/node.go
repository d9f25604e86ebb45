// Package consensus implements Raft-based leader election and log
// replication, tunneled entirely over the single QUIC transport contract
// (pkg/transport) rather than a dedicated Raft listener, plus Byzantine
// equivocation detection layered on the transport bridge, which inspects
// inbound AppendEntries before handing them to raft.
package consensus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	boltdb "github.com/hashicorp/raft-boltdb"

	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/replog"
	"github.com/meshplane/core/pkg/security"
	"github.com/meshplane/core/pkg/transport"
	"github.com/meshplane/core/pkg/types"
)

// Config configures a Node's Raft instance. ElectionTimeoutBase is the base
// of a randomized [T, 2T] election timeout — hashicorp/raft randomizes
// within [ElectionTimeout, 2*ElectionTimeout] internally, so setting the
// base here is enough.
type Config struct {
	NodeID              types.NodeId
	DataDir             string
	ElectionTimeoutBase time.Duration
	HeartbeatTimeout    time.Duration
	ApplyTimeout        time.Duration
	RPCTimeout          time.Duration
}

// DefaultConfig returns conservative baseline timeouts.
func DefaultConfig(id types.NodeId, dataDir string) Config {
	return Config{
		NodeID:              id,
		DataDir:             dataDir,
		ElectionTimeoutBase: 150 * time.Millisecond,
		HeartbeatTimeout:    150 * time.Millisecond,
		ApplyTimeout:        5 * time.Second,
		RPCTimeout:          2 * time.Second,
	}
}

// Node wraps hashicorp/raft with this project's replog-backed durable
// store, CA-aware FSM, QUIC-tunneled transport, and equivocation monitor.
type Node struct {
	cfg        Config
	raft       *raft.Raft
	fsm        *FSM
	log        *replog.Log
	bridge     *TransportBridge
	monitor    *EquivocationMonitor
	dispatcher *transport.Dispatcher
}

// New constructs a Node. It does not join or bootstrap a cluster; call
// Bootstrap (first node) or rely on the leader's AddVoter (joining node).
// It does not start receiving transport traffic either: the returned Node
// owns a transport.Dispatcher (Dispatcher()) that other subsystems sharing
// this transport (e.g. pkg/membership's heartbeats) must register their
// handlers onto before the caller calls StartTransport.
func New(cfg Config, xport *transport.Transport, ca *security.CertAuthority) (*Node, error) {
	replogPath := filepath.Join(cfg.DataDir, "replog.db")
	rlog, err := replog.Open(replogPath)
	if err != nil {
		return nil, fmt.Errorf("consensus: open replicated log: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: open snapshot store: %w", err)
	}

	fsm := NewFSM(ca)
	monitor := NewEquivocationMonitor(cfg.NodeID)

	bridge := NewTransportBridge(cfg.NodeID, xport, cfg.RPCTimeout)
	bridge.SetEquivocationObserver(monitor.Observe)

	dispatcher := transport.NewDispatcher(xport)
	bridge.RegisterWith(dispatcher)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeoutBase
	raftCfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout

	store := rlog.RaftStore()
	r, err := raft.NewRaft(raftCfg, fsm, store, store, snapshotStore, bridge)
	if err != nil {
		return nil, fmt.Errorf("consensus: start raft: %w", err)
	}

	return &Node{
		cfg:        cfg,
		raft:       r,
		fsm:        fsm,
		log:        rlog,
		bridge:     bridge,
		monitor:    monitor,
		dispatcher: dispatcher,
	}, nil
}

// Dispatcher returns the shared transport dispatcher so other subsystems can
// register their own message-type handlers. Must be called, and all
// registrations completed, before StartTransport.
func (n *Node) Dispatcher() *transport.Dispatcher { return n.dispatcher }

// StartTransport begins demultiplexing inbound transport traffic to every
// handler registered on Dispatcher() so far, including raft's own wire
// bridge. Call once, after every subsystem sharing this transport has
// registered its handlers.
func (n *Node) StartTransport(ctx context.Context) { n.dispatcher.Run(ctx) }

// Bootstrap forms a brand-new single-node (or seed) cluster. Only the very
// first node of a deployment calls this; every other node joins via the
// leader's AddVoter.
func (n *Node) Bootstrap(voters []types.NodeId) error {
	servers := make([]raft.Server, 0, len(voters))
	for _, v := range voters {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(v.String()),
			Address: raft.ServerAddress(v.String()),
		})
	}
	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	return future.Error()
}

// FSM returns the node's FSM so other subsystems can register their
// CommandHandler/SnapshotProvider before the log starts replaying.
func (n *Node) FSM() *FSM { return n.fsm }

// Propose submits payload as a new log entry and blocks until it commits,
// implementing pkg/security's Proposer (and the same contract pkg/registry
// and pkg/membership submit their own committed entries through).
func (n *Node) Propose(payload []byte) (uint64, error) {
	future := n.raft.Apply(payload, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("consensus: apply rejected: %w", err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return 0, fmt.Errorf("consensus: fsm rejected entry: %w", applyErr)
	}
	return future.Index(), nil
}

// AddVoter admits a new member into the voting configuration. Leader-only;
// submitted as a membership-change consensus entry internally by raft.
func (n *Node) AddVoter(id types.NodeId) error {
	future := n.raft.AddVoter(raft.ServerID(id.String()), raft.ServerAddress(id.String()), 0, n.cfg.ApplyTimeout)
	return future.Error()
}

// RemoveServer evicts a member (voluntary departure or quorum-excluded
// accused node) from the voting configuration.
func (n *Node) RemoveServer(id types.NodeId) error {
	future := n.raft.RemoveServer(raft.ServerID(id.String()), 0, n.cfg.ApplyTimeout)
	return future.Error()
}

// IsLeader reports whether this node currently believes it holds leadership.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// Leader returns the current leader's NodeId, or the zero value if unknown.
func (n *Node) Leader() types.NodeId {
	addr, _ := n.raft.LeaderWithID()
	id, err := types.NodeIdFromHex(string(addr))
	if err != nil {
		return types.NodeId{}
	}
	return id
}

// Stats returns raft's own diagnostic snapshot (state, term, last log
// index, and similar) as a flat string map, suitable for logging or an
// operator-facing status endpoint.
func (n *Node) Stats() map[string]string {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// Evidence returns every Byzantine report this node's equivocation monitor
// has accumulated, most recent last.
func (n *Node) Evidence() []ByzantineReport {
	return n.monitor.Reports()
}

// QuorumExcluded reports whether id is currently excluded from quorum
// counting in the monitor's view (accused and not yet cleared).
func (n *Node) QuorumExcluded(id types.NodeId) bool {
	return n.monitor.IsExcluded(id)
}

// Shutdown stops Raft, the transport bridge's dispatch loop, and closes the
// durable log.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		log.Logger.Warn().Err(err).Msg("raft shutdown returned an error")
	}
	_ = n.bridge.Close()
	return n.log.Close()
}

var _ raft.LogStore = (*boltdb.BoltStore)(nil)
var _ raft.StableStore = (*boltdb.BoltStore)(nil)
