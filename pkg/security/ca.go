package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/types"
)

const (
	// Root CA validity: 10 years (bootstrap, self-signed).
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Node certificate validity: spec-mandated rotation period, 24h.
	nodeCertValidity = 24 * time.Hour
	// Rotation grace: old certificate stays valid this long after a
	// rotate() schedules its replacement.
	rotationGrace = 1 * time.Hour

	rootKeySize = 4096
	nodeKeySize = 2048
)

// Proposer submits an opaque payload as a consensus entry and blocks until
// it is committed, returning its commit index. Implemented by pkg/consensus's
// Node; kept as a narrow interface here so security has no import on
// consensus (it is consensus that depends on security, via the FSM dispatch).
type Proposer interface {
	Propose(payload []byte) (uint64, error)
}

// certCommandKind tags the two consensus entry kinds the CA mirrors through
// the replicated log.
type certCommandKind string

const (
	cmdCertIssued  certCommandKind = "CertIssued"
	cmdCertRevoked certCommandKind = "CertRevoked"
)

// CertCommand is the payload carried by a CertIssued/CertRevoked consensus
// entry (see pkg/consensus's FSM dispatch).
type CertCommand struct {
	Kind certCommandKind
	Cert *types.Certificate `json:"Cert,omitempty"`
	// Revoke fields
	Serial uint64 `json:"Serial,omitempty"`
	Reason string `json:"Reason,omitempty"`
}

// CertAuthority is the embedded, self-signed bootstrap CA. Its issued
// and revoked sets are mirrored to the replicated log so that any node
// reaching the same commit index has an identical view; mutation only
// happens through ApplyCertIssued/ApplyCertRevoked, invoked from the single
// consensus-apply path (see pkg/consensus).
type CertAuthority struct {
	mu sync.RWMutex

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	issued     map[uint64]*types.Certificate
	revoked    map[uint64]bool
	nextSerial uint64

	proposer Proposer
}

// NewCertAuthority constructs an uninitialized CA; call Initialize on first
// boot or Unmarshal when restoring from persisted state.
func NewCertAuthority() *CertAuthority {
	return &CertAuthority{
		issued:     make(map[uint64]*types.Certificate),
		revoked:    make(map[uint64]bool),
		nextSerial: 1,
	}
}

// SetProposer wires the consensus submission path used by Issue/Revoke/Rotate.
func (ca *CertAuthority) SetProposer(p Proposer) { ca.proposer = p }

// Initialize self-signs the bootstrap root CA certificate (first node only).
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("ca: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("ca: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"MeshPlane"}, CommonName: "MeshPlane Root CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("ca: create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("ca: parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

type caPersisted struct {
	RootCertDER []byte
	RootKeyDER  []byte // AES-256-GCM encrypted PKCS1
}

// Marshal serializes the CA's root material for encrypted persistence.
func (ca *CertAuthority) Marshal() ([]byte, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("ca: not initialized")
	}

	keyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encrypted, err := Encrypt(keyDER)
	if err != nil {
		return nil, fmt.Errorf("ca: encrypt root key: %w", err)
	}

	return json.Marshal(caPersisted{RootCertDER: ca.rootCert.Raw, RootKeyDER: encrypted})
}

// Unmarshal restores the CA's root material from Marshal's output.
func (ca *CertAuthority) Unmarshal(data []byte) error {
	var p caPersisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("ca: unmarshal: %w", err)
	}

	decrypted, err := Decrypt(p.RootKeyDER)
	if err != nil {
		return fmt.Errorf("ca: decrypt root key: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(decrypted)
	if err != nil {
		return fmt.Errorf("ca: parse root key: %w", err)
	}
	rootCert, err := x509.ParseCertificate(p.RootCertDER)
	if err != nil {
		return fmt.Errorf("ca: parse root cert: %w", err)
	}

	ca.mu.Lock()
	ca.rootCert = rootCert
	ca.rootKey = rootKey
	ca.mu.Unlock()
	return nil
}

// Issue picks the next serial, signs a certificate for subject, and submits
// a CertIssued consensus entry. Returns only once the entry is committed.
// The returned private key is never part of the consensus payload — only
// the public material in types.Certificate is replicated — so callers that
// are issuing a certificate for themselves (e.g. on rotate) are the only
// ones who see it.
func (ca *CertAuthority) Issue(subject string, validityDays int) (*types.Certificate, *rsa.PrivateKey, error) {
	cert, nodeKey, serial, err := ca.sign(subject, validityDays)
	if err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(CertCommand{Kind: cmdCertIssued, Cert: cert})
	if err != nil {
		return nil, nil, fmt.Errorf("ca: marshal CertIssued: %w", err)
	}

	if ca.proposer == nil {
		return nil, nil, fmt.Errorf("ca: no proposer wired")
	}
	if _, err := ca.proposer.Propose(payload); err != nil {
		return nil, nil, fmt.Errorf("ca: propose CertIssued: %w", err)
	}

	ca.mu.RLock()
	committed, ok := ca.issued[serial]
	ca.mu.RUnlock()
	if !ok {
		return nil, nil, coreerr.New("ca", coreerr.CodeDuplicateSerial, coreerr.Protocol, "serial lost to a concurrent issuer", nil)
	}
	return committed, nodeKey, nil
}

// Bootstrap self-issues the very first node's own leaf certificate,
// applying it directly to local state rather than going through Propose:
// at this point in a deployment's lifecycle no quorum exists yet to commit
// against, so the first node is its own sole authority (spec's node
// lifecycle: "self-signs bootstrap certificate if first, else requests one
// from CA"). Every later issuance, by this node or any other, goes through
// the ordinary Issue/Propose path once consensus is up, so the bootstrap
// certificate's serial is visible to every node that later replays the log
// from genesis.
func (ca *CertAuthority) Bootstrap(subject string, validityDays int) (*types.Certificate, *rsa.PrivateKey, error) {
	cert, nodeKey, serial, err := ca.sign(subject, validityDays)
	if err != nil {
		return nil, nil, err
	}

	ca.mu.Lock()
	ca.issued[serial] = cert
	if serial >= ca.nextSerial {
		ca.nextSerial = serial + 1
	}
	ca.mu.Unlock()

	return cert, nodeKey, nil
}

// sign generates a fresh node keypair and signs a leaf certificate for
// subject against the current root, without touching consensus or issued
// bookkeeping; Issue and Bootstrap each decide how the result gets
// committed.
func (ca *CertAuthority) sign(subject string, validityDays int) (*types.Certificate, *rsa.PrivateKey, uint64, error) {
	ca.mu.RLock()
	if ca.rootCert == nil || ca.rootKey == nil {
		ca.mu.RUnlock()
		return nil, nil, 0, coreerr.New("ca", "NotInitialized", coreerr.Fatal, "certificate authority not initialized", nil)
	}
	serial := ca.nextSerial
	rootCert, rootKey := ca.rootCert, ca.rootKey
	ca.mu.RUnlock()

	nodeKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("ca: generate node key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(time.Duration(validityDays) * 24 * time.Hour)
	if validityDays <= 0 {
		notAfter = notBefore.Add(nodeCertValidity)
	}

	template := &x509.Certificate{
		SerialNumber: new(big.Int).SetUint64(serial),
		Subject:      pkix.Name{Organization: []string{"MeshPlane"}, CommonName: subject},
		DNSNames:     []string{subject},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, rootCert, &nodeKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("ca: create certificate: %w", err)
	}

	cert := &types.Certificate{
		Serial:    serial,
		Subject:   subject,
		Issuer:    rootCert.Subject.CommonName,
		PublicKey: x509.MarshalPKCS1PublicKey(&nodeKey.PublicKey),
		NotBefore: notBefore,
		NotAfter:  notAfter,
		DER:       certDER,
	}
	sigHash := sha256.Sum256(certDER)
	sig, err := rsa.SignPKCS1v15(rand.Reader, rootKey, 0, sigHash[:])
	if err == nil {
		cert.Signature = sig
	}

	return cert, nodeKey, serial, nil
}

// ApplyCertIssued applies a committed CertIssued entry. Invoked once per
// node, in commit order, from the consensus apply path.
func (ca *CertAuthority) ApplyCertIssued(cert *types.Certificate) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if _, exists := ca.issued[cert.Serial]; exists {
		// Tie-break: only the first CertIssued entry to commit for a given
		// serial is honoured.
		return coreerr.New("ca", coreerr.CodeDuplicateSerial, coreerr.Protocol, fmt.Sprintf("serial %d already issued", cert.Serial), nil)
	}
	ca.issued[cert.Serial] = cert
	if cert.Serial >= ca.nextSerial {
		ca.nextSerial = cert.Serial + 1
	}
	return nil
}

// Revoke submits a CertRevoked consensus entry for serial. Revoking an
// already-revoked serial is a no-op returning CodeAlreadyRevoked rather than
// proposing a redundant entry.
func (ca *CertAuthority) Revoke(serial uint64, reason string) error {
	if ca.proposer == nil {
		return fmt.Errorf("ca: no proposer wired")
	}
	if ca.IsRevoked(serial) {
		return coreerr.New("ca", coreerr.CodeAlreadyRevoked, coreerr.Validation, fmt.Sprintf("serial %d already revoked", serial), nil)
	}
	payload, err := json.Marshal(CertCommand{Kind: cmdCertRevoked, Serial: serial, Reason: reason})
	if err != nil {
		return fmt.Errorf("ca: marshal CertRevoked: %w", err)
	}
	_, err = ca.proposer.Propose(payload)
	return err
}

// ApplyCertRevoked applies a committed CertRevoked entry. Revoking an
// already-revoked serial is a no-op; it is never an error at the apply
// layer.
func (ca *CertAuthority) ApplyCertRevoked(serial uint64) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.revoked[serial] = true
}

// ValidationResult is the structured outcome of Validate.
type ValidationResult struct {
	Valid bool
	Err   *coreerr.Error
}

// Validate checks a certificate's signature chain to the bootstrap CA, its
// time window against now, and the revocation set at the latest committed
// index (the caller passes `now` to make trusted-clock evaluation explicit
// and testable).
func (ca *CertAuthority) Validate(cert *types.Certificate, now time.Time) ValidationResult {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if cert == nil {
		return ValidationResult{Err: coreerr.New("ca", coreerr.CodeBadSignature, coreerr.Validation, "nil certificate", nil)}
	}

	known, ok := ca.issued[cert.Serial]
	if !ok || known.Issuer != ca.rootCert.Subject.CommonName {
		return ValidationResult{Err: coreerr.New("ca", coreerr.CodeUntrustedIssuer, coreerr.Validation, "certificate not issued by this CA", nil)}
	}

	if ca.revoked[cert.Serial] {
		return ValidationResult{Err: coreerr.New("ca", coreerr.CodeRevoked, coreerr.Validation, fmt.Sprintf("serial %d revoked", cert.Serial), nil)}
	}

	// not_after equal to now is treated as expired.
	if !now.Before(known.NotAfter) {
		return ValidationResult{Err: coreerr.New("ca", coreerr.CodeExpired, coreerr.Validation, "certificate expired", nil)}
	}
	if now.Before(known.NotBefore) {
		return ValidationResult{Err: coreerr.New("ca", coreerr.CodeNotYetValid, coreerr.Validation, "certificate not yet valid", nil)}
	}

	rootPub, ok := ca.rootCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return ValidationResult{Err: coreerr.New("ca", coreerr.CodeBadSignature, coreerr.Validation, "root certificate key is not RSA", nil)}
	}
	sigHash := sha256.Sum256(known.DER)
	if err := rsa.VerifyPKCS1v15(rootPub, 0, sigHash[:], known.Signature); err != nil {
		return ValidationResult{Err: coreerr.New("ca", coreerr.CodeBadSignature, coreerr.Validation, "signature verification failed", err)}
	}

	return ValidationResult{Valid: true}
}

// IsRevoked reports revocation status without the full Validate path; used
// by the read-mostly validation service.
func (ca *CertAuthority) IsRevoked(serial uint64) bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.revoked[serial]
}

// Rotate issues a replacement certificate for subject and returns it along
// with its private key; the caller (typically a per-node timer, see
// runRotation in cmd/corenode) is responsible for scheduling the old serial's revocation
// at now+grace.
func (ca *CertAuthority) Rotate(subject string) (*types.Certificate, *rsa.PrivateKey, error) {
	return ca.Issue(subject, int(nodeCertValidity/(24*time.Hour)))
}

// RotationGrace is the default grace period honoured between issuing a
// replacement certificate and revoking its predecessor.
func RotationGrace() time.Duration { return rotationGrace }

// RootCertDER returns the bootstrap CA certificate in DER form, used to seed
// TLS configs in pkg/transport.
func (ca *CertAuthority) RootCertDER() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// SetRootCert installs the bootstrap CA's root certificate for trust
// purposes only, without its signing key. A node that joins rather than
// bootstraps never holds the root private key (only the first node does,
// or a node restoring from Marshal'd state) but still needs the root cert
// to build its own mTLS config and to verify other peers' leaf certificates
// during Validate, since verification only ever needs the public key the
// certificate already carries.
func (ca *CertAuthority) SetRootCert(der []byte) error {
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("ca: parse root certificate: %w", err)
	}
	ca.mu.Lock()
	ca.rootCert = root
	ca.mu.Unlock()
	return nil
}

// IsInitialized reports whether Initialize or Unmarshal has populated the
// root material.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}
