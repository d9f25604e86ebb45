package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/types"
)

// NodeTLSConfig builds the mutual-TLS config used for both Listen and
// Connect: the node's own CA-issued leaf certificate and private key, a
// root pool of exactly this CA's self-signed root, and a client-auth
// requirement so every peer (listener or dialer) must present a cert too.
func (ca *CertAuthority) NodeTLSConfig(cert *types.Certificate, key *rsa.PrivateKey) (*tls.Config, error) {
	leaf, err := x509.ParseCertificate(cert.DER)
	if err != nil {
		return nil, fmt.Errorf("security: parse leaf certificate: %w", err)
	}

	pool := x509.NewCertPool()
	root, err := x509.ParseCertificate(ca.RootCertDER())
	if err != nil {
		return nil, fmt.Errorf("security: parse root certificate: %w", err)
	}
	pool.AddCert(root)

	tlsCert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"meshplane-core"},
	}, nil
}

// ValidatePeerCert implements transport.PeerValidator: it re-runs the CA's own
// Validate logic against the peer's presented leaf certificate (the TLS
// stack has already checked the chain; this re-confirms revocation and
// validity window against the in-memory CA state) and derives the peer's
// NodeId from the certificate subject, which every issuing caller in this
// module (node bootstrap, join admission, rotation) sets to the node's own
// NodeId hex string.
func (ca *CertAuthority) ValidatePeerCert(leaf *x509.Certificate, now time.Time) (types.NodeId, error) {
	cert := &types.Certificate{
		Serial:    leaf.SerialNumber.Uint64(),
		Subject:   leaf.Subject.CommonName,
		Issuer:    leaf.Issuer.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		DER:       leaf.Raw,
	}

	result := ca.Validate(cert, now)
	if !result.Valid {
		return types.NodeId{}, result.Err
	}

	nodeID, err := types.NodeIdFromHex(leaf.Subject.CommonName)
	if err != nil {
		return types.NodeId{}, coreerr.New("security", coreerr.CodeUntrustedPeer, coreerr.Validation,
			"certificate subject is not a valid node id", err)
	}
	return nodeID, nil
}
