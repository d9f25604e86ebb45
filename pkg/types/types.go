package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeId is a 256-bit opaque identifier, stable for a node's installation.
// It is total-ordered byte-wise, which is what gives it a deterministic
// tie-break when two values must be compared (duplicate connections,
// quorum-exclusion ordering, bucket placement).
type NodeId [32]byte

// String renders the NodeId as lowercase hex.
func (n NodeId) String() string {
	return hex.EncodeToString(n[:])
}

// IsZero reports whether n is the zero value (never a valid installed node).
func (n NodeId) IsZero() bool {
	return n == NodeId{}
}

// Less gives the total order used for deterministic tie-breaks.
func (n NodeId) Less(other NodeId) bool {
	for i := range n {
		if n[i] != other[i] {
			return n[i] < other[i]
		}
	}
	return false
}

// NodeIdFromHex parses a hex-encoded NodeId.
func NodeIdFromHex(s string) (NodeId, error) {
	var id NodeId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode node id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("node id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// AssetType enumerates the contributable resource kinds.
type AssetType string

const (
	AssetTypeCPU      AssetType = "cpu"
	AssetTypeGPU      AssetType = "gpu"
	AssetTypeMemory   AssetType = "memory"
	AssetTypeStorage  AssetType = "storage"
	AssetTypeNetwork  AssetType = "network"
	AssetTypeContainer AssetType = "container"
	AssetTypeEconomic AssetType = "economic"
)

// AssetId is the universal identifier of a contributable resource: a type
// tag, a 128-bit uuid, and a 256-bit registration hash binding it to the
// admitting ConsensusProof. Immutable once admitted.
type AssetId struct {
	Type             AssetType
	UUID             [16]byte
	RegistrationHash [32]byte
	CreatedAt        time.Time
}

// String renders a stable, human-readable asset identifier.
func (a AssetId) String() string {
	return fmt.Sprintf("%s/%s", a.Type, hex.EncodeToString(a.UUID[:]))
}

// NewAssetId allocates a fresh AssetId of the given type. The caller fills
// in RegistrationHash once it has computed the registration proof's
// operation hash (see pkg/proof.OperationHash), since that hash binds this
// same UUID and can only be computed after it exists.
func NewAssetId(assetType AssetType) AssetId {
	return AssetId{
		Type:      assetType,
		UUID:      uuid.New(),
		CreatedAt: time.Now(),
	}
}

// AssetStatus is the lifecycle state of an AssetRecord.
type AssetStatus string

const (
	AssetAvailable  AssetStatus = "available"
	AssetAllocated  AssetStatus = "allocated"
	AssetQuarantined AssetStatus = "quarantined"
	AssetRetired    AssetStatus = "retired"
)

// Allocation records the current holder of an allocated asset.
type Allocation struct {
	Holder     NodeId
	LeaseExpiry time.Time
	Quota      int64
}

// AssetRecord is exclusively owned by the registry on the asset's home node
// and replicated read-only to all members. Status transitions only via a
// committed consensus entry (see pkg/registry).
type AssetRecord struct {
	ID                AssetId
	Owner             NodeId
	Allocation        *Allocation
	Status            AssetStatus
	LastCommittedIndex uint64
}

// Certificate models an issued certificate in the embedded CA's view.
// Serial is monotone per CA; Issuer is always the embedded bootstrap CA.
type Certificate struct {
	Serial    uint64
	Subject   string
	Issuer    string
	PublicKey []byte
	NotBefore time.Time
	NotAfter  time.Time
	Signature []byte
	Revoked   bool
	// DER holds the encoded x509 certificate once issued, for transport use.
	DER []byte
}

// Expired reports whether the certificate is expired as of at. A NotAfter
// exactly equal to at is treated as expired (spec boundary behaviour).
func (c *Certificate) Expired(at time.Time) bool {
	return !at.Before(c.NotAfter)
}

// RaftTerm and LogIndex are both monotone u64; a (term, index) pair uniquely
// identifies a log entry.
type RaftTerm uint64
type LogIndex uint64

// LogEntry is an append-only, immutable-once-committed unit of the
// replicated log.
type LogEntry struct {
	Term       RaftTerm
	Index      LogIndex
	Payload    []byte
	ClientHash [32]byte
}

// SpaceProof proves physical storage via a location commitment and a
// challenge-response pair.
type SpaceProof struct {
	LocationCommitment [32]byte
	Challenge          []byte
	Response           []byte
}

// StakeProof binds the owner to an operation by signing over the staked
// amount and the operation hash.
type StakeProof struct {
	Owner     NodeId
	Amount    uint64
	Signature []byte
}

// WorkProof is a nonce/difficulty proof-of-work binding a computation
// digest to an operation hash.
type WorkProof struct {
	Digest     [32]byte
	Difficulty uint8
	Nonce      uint64
}

// TimeProof is a monotone timestamp plus a verifiable-delay output whose
// length proves a minimum elapsed delay.
type TimeProof struct {
	Timestamp int64 // ms since epoch
	Sequence  uint64
	VDFOutput []byte
}

// ConsensusProof is the composite of the four sub-proofs. Accepting it
// requires every sub-proof to validate individually AND bind to the same
// operation hash (see pkg/proof).
type ConsensusProof struct {
	OperationHash [32]byte
	Space         SpaceProof
	Stake         StakeProof
	Work          WorkProof
	Time          TimeProof
}

// MessageType tags a TransportMessage's purpose on the wire.
type MessageType uint8

const (
	MessageHandshake MessageType = 1
	MessageData      MessageType = 2
	MessageControl   MessageType = 3
	MessageStream    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageHandshake:
		return "handshake"
	case MessageData:
		return "data"
	case MessageControl:
		return "control"
	case MessageStream:
		return "stream"
	default:
		return "unknown"
	}
}

// TransportMessage is the envelope wrapped around every payload sent over
// the QUIC transport. Sequence is per-connection, monotone.
type TransportMessage struct {
	Type        MessageType
	Source      NodeId
	Destination *NodeId // nil means broadcast
	Payload     []byte
	TimestampMS int64
	Sequence    uint64
}
