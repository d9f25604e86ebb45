package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/meshplane/core/pkg/security"
)

// CommandHandler applies one committed entry's payload, at its committed log
// index, to its owning subsystem's state. Registered by pkg/registry and
// pkg/membership against the Kind their own commands carry, so the FSM
// dispatches to them without importing them — it is those subsystems that
// depend on consensus (they submit entries through a Node), not the other
// way around.
type CommandHandler func(index uint64, payload []byte) interface{}

// SnapshotProvider lets a registered subsystem contribute its state to, and
// restore it from, an FSM snapshot the same way CertAuthority does natively.
type SnapshotProvider interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// envelope is the minimal shape every committed entry's JSON payload
// satisfies: a Kind discriminator, the same field pkg/security's
// CertCommand already carries.
type envelope struct {
	Kind string `json:"Kind"`
}

// FSM implements raft.FSM. CertAuthority is dispatched to directly since the
// embedded CA is foundational to bootstrap; every other Kind is routed
// through a handler registered with RegisterHandler.
type FSM struct {
	mu        sync.RWMutex
	ca        *security.CertAuthority
	handlers  map[string]CommandHandler
	providers map[string]SnapshotProvider
}

// NewFSM constructs an FSM wrapping the node's CertAuthority.
func NewFSM(ca *security.CertAuthority) *FSM {
	return &FSM{
		ca:        ca,
		handlers:  make(map[string]CommandHandler),
		providers: make(map[string]SnapshotProvider),
	}
}

// RegisterHandler wires kind's committed entries to h. Must be called
// before the log starts replaying at startup.
func (f *FSM) RegisterHandler(kind string, h CommandHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
}

// RegisterSnapshotProvider wires name's state into FSM snapshot/restore.
func (f *FSM) RegisterSnapshotProvider(name string, p SnapshotProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[name] = p
}

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var env envelope
	if err := json.Unmarshal(log.Data, &env); err != nil {
		return fmt.Errorf("consensus: unmarshal committed entry: %w", err)
	}

	switch env.Kind {
	case "CertIssued":
		var cmd security.CertCommand
		if err := json.Unmarshal(log.Data, &cmd); err != nil {
			return err
		}
		return f.ca.ApplyCertIssued(cmd.Cert)

	case "CertRevoked":
		var cmd security.CertCommand
		if err := json.Unmarshal(log.Data, &cmd); err != nil {
			return err
		}
		f.ca.ApplyCertRevoked(cmd.Serial)
		return nil

	default:
		f.mu.RLock()
		h, ok := f.handlers[env.Kind]
		f.mu.RUnlock()
		if !ok {
			return fmt.Errorf("consensus: unknown committed entry kind %q", env.Kind)
		}
		return h(log.Index, log.Data)
	}
}

// snapshotState is the JSON document every FSM snapshot persists.
type snapshotState struct {
	CA        []byte
	Providers map[string][]byte
}

// Snapshot captures the CA's state plus every registered provider's state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	caBytes, err := f.ca.Marshal()
	if err != nil {
		return nil, fmt.Errorf("consensus: marshal CA for snapshot: %w", err)
	}

	providers := make(map[string][]byte, len(f.providers))
	for name, p := range f.providers {
		data, err := p.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("consensus: snapshot provider %q: %w", name, err)
		}
		providers[name] = data
	}

	return &fsmSnapshot{state: snapshotState{CA: caBytes, Providers: providers}}, nil
}

// Restore replaces the FSM's entire state from a previously-taken snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state snapshotState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("consensus: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ca.Unmarshal(state.CA); err != nil {
		return fmt.Errorf("consensus: restore CA: %w", err)
	}
	for name, data := range state.Providers {
		p, ok := f.providers[name]
		if !ok {
			continue // provider not registered on this node build; ignore its state
		}
		if err := p.Restore(data); err != nil {
			return fmt.Errorf("consensus: restore provider %q: %w", name, err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	state snapshotState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
