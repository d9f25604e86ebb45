// Package bootstrap implements out-of-band node provisioning: a joining
// node has no certificate yet, so it cannot reach the cluster's mTLS
// transport at all. A short-lived shared token, handed out by an operator,
// authorizes exactly one exchange over a plain listener: present the token,
// receive a signed leaf certificate and the cluster's root certificate,
// then disconnect and reconnect over the real mTLS transport for
// everything else.
//
// Join-token bookkeeping (random token, expiry, single-use validate,
// revoke) follows the same shape as any other short-lived credential
// store, generalized here to a single role since this domain has no
// manager/worker split. The request/response exchange itself is new: it
// has to run over a plain, unauthenticated listener, since nothing stronger
// is available before a node holds its own certificate.
package bootstrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/types"
)

// JoinToken authorizes a single provisioning exchange.
type JoinToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenManager issues and validates join tokens.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

// NewTokenManager constructs an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// Generate creates a new token valid for duration.
func (tm *TokenManager) Generate(duration time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("bootstrap: generate token: %w", err)
	}
	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}
	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()
	return jt, nil
}

// Validate reports whether token is currently live, consuming it: each
// token authorizes exactly one join, not repeated use.
func (tm *TokenManager) Validate(token string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	jt, ok := tm.tokens[token]
	if !ok {
		return false
	}
	delete(tm.tokens, token)
	return time.Now().Before(jt.ExpiresAt)
}

// Revoke invalidates token before it is ever used.
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// request is what a joining node sends: the token and the NodeId it
// derived from its own freshly generated identity keypair, which becomes
// the leaf certificate's subject (see identity.Identity.NodeId).
type request struct {
	Token  string
	NodeID string
}

// response carries everything a joiner needs to trust and participate in
// the cluster: its own signed leaf certificate and key, the root
// certificate to verify every other peer by, and the admitting node's own
// QUIC address and certificate so the joiner can dial in and become
// reachable for raft traffic (pkg/transport has no auto-dial; Send only
// ever targets an already-pooled connection). The admitter's certificate
// has to ride along explicitly: a joiner's CertAuthority starts out with
// only its own issued certificate recorded (Validate checks a serial
// against that specific instance's own issued map, not some global view),
// so without it the TLS handshake back to the admitter would fail
// certificate validation on the very first dial.
type response struct {
	Approved        bool
	Reason          string
	RootCertDER     []byte
	QUICAddr        string
	AdmitterID      string
	AdmitterSerial  uint64
	AdmitterSubject string
	AdmitterIssuer  string
	AdmitterDER     []byte
	AdmitterNotBef  time.Time
	AdmitterNotAft  time.Time
	AdmitterSig     []byte
	CertSerial      uint64
	CertSubject     string
	CertIssuer      string
	CertDER         []byte
	CertNotBef      time.Time
	CertNotAft      time.Time
	CertSig         []byte
	KeyDER          []byte
}

// Issuer is the subset of pkg/security's CertAuthority the join server
// needs: mint a leaf certificate and hand back the root to trust.
type Issuer interface {
	Issue(subject string, validityDays int) (*types.Certificate, *rsa.PrivateKey, error)
	RootCertDER() []byte
}

// VoterAdder admits a newly certified node into the consensus voting
// configuration. Satisfied by pkg/consensus's Node; only the current
// leader can actually complete this, so a join request reaching any other
// node fails and the caller should retry against a different address.
type VoterAdder interface {
	AddVoter(id types.NodeId) error
}

// Server listens for join requests on a plain (pre-mTLS) address, gated
// solely by possession of a valid single-use token. It is meant to be run
// only transiently, for the duration of an operator-driven join, not left
// open for the cluster's lifetime.
type Server struct {
	tokens   *TokenManager
	ca       Issuer
	voters   VoterAdder
	self     types.NodeId
	quicAddr string
	selfCert *types.Certificate
	ln       net.Listener
}

// NewServer constructs a join server. self and quicAddr identify this
// node's own mTLS transport endpoint, and selfCert is this node's own
// leaf certificate, all handed to joiners so they can dial in and validate
// this node's presented certificate on the first handshake. Call Serve to
// start accepting.
func NewServer(tokens *TokenManager, ca Issuer, voters VoterAdder, self types.NodeId, quicAddr string, selfCert *types.Certificate) *Server {
	return &Server{tokens: tokens, ca: ca, voters: voters, self: self, quicAddr: quicAddr, selfCert: selfCert}
}

// Serve accepts join requests on addr until Close is called.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bootstrap: listen: %w", err)
	}
	s.ln = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	return nil
}

// Close stops accepting further join requests.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.WithComponent("bootstrap").Warn().Err(err).Msg("join request decode failed")
		return
	}

	resp := s.process(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.WithComponent("bootstrap").Warn().Err(err).Msg("join response encode failed")
	}
}

func (s *Server) process(req request) response {
	if !s.tokens.Validate(req.Token) {
		return response{Reason: "invalid or expired token"}
	}

	nodeID, err := types.NodeIdFromHex(req.NodeID)
	if err != nil {
		return response{Reason: "malformed node id"}
	}

	cert, key, err := s.ca.Issue(nodeID.String(), 0)
	if err != nil {
		return response{Reason: fmt.Sprintf("issue certificate: %v", err)}
	}

	if err := s.voters.AddVoter(nodeID); err != nil {
		return response{Reason: fmt.Sprintf("admit voter: %v", err)}
	}

	return response{
		Approved:        true,
		RootCertDER:     s.ca.RootCertDER(),
		QUICAddr:        s.quicAddr,
		AdmitterID:      s.self.String(),
		AdmitterSerial:  s.selfCert.Serial,
		AdmitterSubject: s.selfCert.Subject,
		AdmitterIssuer:  s.selfCert.Issuer,
		AdmitterDER:     s.selfCert.DER,
		AdmitterNotBef:  s.selfCert.NotBefore,
		AdmitterNotAft:  s.selfCert.NotAfter,
		AdmitterSig:     s.selfCert.Signature,
		CertSerial:      cert.Serial,
		CertSubject:     cert.Subject,
		CertIssuer:      cert.Issuer,
		CertDER:         cert.DER,
		CertNotBef:      cert.NotBefore,
		CertNotAft:      cert.NotAfter,
		CertSig:         cert.Signature,
		KeyDER:          x509.MarshalPKCS1PrivateKey(key),
	}
}

// Result is what RequestJoin hands back to a joining node on success.
type Result struct {
	RootCertDER  []byte
	QUICAddr     string
	AdmitterID   string
	AdmitterCert *types.Certificate
	Cert         *types.Certificate
	Key          *rsa.PrivateKey
}

// RequestJoin performs the client side of the join exchange against a
// server already listening via Server.Serve.
func RequestJoin(addr string, token string, self types.NodeId) (*Result, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := json.NewEncoder(conn).Encode(request{Token: token, NodeID: self.String()}); err != nil {
		return nil, fmt.Errorf("bootstrap: send join request: %w", err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("bootstrap: read join response: %w", err)
	}
	if !resp.Approved {
		return nil, fmt.Errorf("bootstrap: join rejected: %s", resp.Reason)
	}

	key, err := x509.ParsePKCS1PrivateKey(resp.KeyDER)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse issued key: %w", err)
	}

	admitterLeaf, err := x509.ParseCertificate(resp.AdmitterDER)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse admitter certificate: %w", err)
	}
	admitterPub, ok := admitterLeaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("bootstrap: admitter certificate key is not RSA")
	}

	return &Result{
		RootCertDER: resp.RootCertDER,
		QUICAddr:    resp.QUICAddr,
		AdmitterID:  resp.AdmitterID,
		AdmitterCert: &types.Certificate{
			Serial:    resp.AdmitterSerial,
			Subject:   resp.AdmitterSubject,
			Issuer:    resp.AdmitterIssuer,
			PublicKey: x509.MarshalPKCS1PublicKey(admitterPub),
			NotBefore: resp.AdmitterNotBef,
			NotAfter:  resp.AdmitterNotAft,
			DER:       resp.AdmitterDER,
			Signature: resp.AdmitterSig,
		},
		Cert: &types.Certificate{
			Serial:    resp.CertSerial,
			Subject:   resp.CertSubject,
			Issuer:    resp.CertIssuer,
			PublicKey: x509.MarshalPKCS1PublicKey(&key.PublicKey),
			NotBefore: resp.CertNotBef,
			NotAfter:  resp.CertNotAft,
			DER:       resp.CertDER,
			Signature: resp.CertSig,
		},
		Key: key,
	}, nil
}
