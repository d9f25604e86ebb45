// Package identity implements stable 256-bit node identifiers and the
// long-term signing key each node persists alongside them.
//
// Grounded on the certificate authority's own key-handling style in
// pkg/security (crypto/rand key generation, AES-256-GCM encryption at rest)
// but uses Ed25519 rather than RSA: node identity signing is on the hot path
// of every handshake and heartbeat, where Ed25519's fixed, small signatures
// and fast verification matter more than RSA's long-lived-key ceremony.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/security"
	"github.com/meshplane/core/pkg/types"
)

const keyFileName = "node.key"

// Identity holds a node's stable NodeId and its long-term Ed25519 keypair.
type Identity struct {
	nodeID     types.NodeId
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

type persistedKey struct {
	PrivateKeyEncrypted []byte
}

// NodeId returns the node's stable 256-bit identifier.
func (id *Identity) NodeId() types.NodeId { return id.nodeID }

// PublicKey returns the raw Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.publicKey }

// Sign signs bytes with the node's long-term key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.privateKey, msg)
}

// Verify checks a signature against a claimed NodeId's public key. The
// caller supplies the public key out-of-band (e.g. from a validated
// certificate) since NodeId alone does not carry key material.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// deriveNodeID derives the stable NodeId from the public key, satisfying the
// spec's "256-bit, stable for a node's installation" requirement deterministically.
func deriveNodeID(pub ed25519.PublicKey) types.NodeId {
	return sha256.Sum256(pub)
}

// Generate creates a fresh identity and persists it under dataDir. Fails if
// an identity already exists there — callers must use Load to pick up an
// existing one; it never silently regenerates.
func Generate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, "identity", keyFileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("identity: refusing to overwrite existing key at %s", path)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}

	id := &Identity{nodeID: deriveNodeID(pub), publicKey: pub, privateKey: priv}
	if err := id.save(dataDir); err != nil {
		return nil, err
	}
	return id, nil
}

// Load reads a previously persisted identity from dataDir. Returns a
// coreerr.Error with code IdentityMissing when the key file cannot be read,
// parsed or decrypted; it never regenerates.
func Load(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, "identity", keyFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.New("identity", coreerr.CodeIdentityMissing, coreerr.Fatal, "read key file", err)
	}

	var pk persistedKey
	if err := json.Unmarshal(raw, &pk); err != nil {
		return nil, coreerr.New("identity", coreerr.CodeIdentityMissing, coreerr.Fatal, "unmarshal key file", err)
	}

	decrypted, err := security.Decrypt(pk.PrivateKeyEncrypted)
	if err != nil {
		return nil, coreerr.New("identity", coreerr.CodeIdentityMissing, coreerr.Fatal, "decrypt key file", err)
	}

	priv := ed25519.PrivateKey(decrypted)
	pub := priv.Public().(ed25519.PublicKey)

	return &Identity{nodeID: deriveNodeID(pub), publicKey: pub, privateKey: priv}, nil
}

// LoadOrGenerate loads an existing identity, generating one only if none
// exists on disk yet.
func LoadOrGenerate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, "identity", keyFileName)
	if _, err := os.Stat(path); err == nil {
		return Load(dataDir)
	}
	return Generate(dataDir)
}

func (id *Identity) save(dataDir string) error {
	dir := filepath.Join(dataDir, "identity")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: create dir: %w", err)
	}

	encrypted, err := security.Encrypt(id.privateKey)
	if err != nil {
		return fmt.Errorf("identity: encrypt key: %w", err)
	}

	raw, err := json.Marshal(persistedKey{PrivateKeyEncrypted: encrypted})
	if err != nil {
		return fmt.Errorf("identity: marshal key file: %w", err)
	}

	path := filepath.Join(dir, keyFileName)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}
	return nil
}
