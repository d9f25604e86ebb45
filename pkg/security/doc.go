/*
Package security implements this module's embedded certificate authority
(root cert + RSA leaf issuance, revocation, rotation) and an AES-256-GCM
helper for at-rest encryption of sensitive state, keyed from a
cluster-wide secret derived once via DeriveKeyFromClusterID.

Certificate mutation only ever happens through the consensus apply path
(ApplyCertIssued/ApplyCertRevoked), mirroring every node's CA state
deterministically; Bootstrap is the one exception, self-signing the very
first node's own leaf before any quorum exists to commit against. tls.go
bridges this package to pkg/transport: NodeTLSConfig builds the mTLS
config a node listens and dials with, and ValidatePeerCert is the
callback pkg/transport invokes against every presented peer certificate.
*/
package security
