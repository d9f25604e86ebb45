package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/security"
)

func init() {
	_ = security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("identity-test-cluster"))
}

func TestGenerateThenLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()

	id1, err := Generate(dir)
	require.NoError(t, err)
	require.False(t, id1.NodeId().IsZero())

	id2, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, id1.NodeId(), id2.NodeId())
	require.Equal(t, []byte(id1.PublicKey()), []byte(id2.PublicKey()))
}

func TestGenerateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()

	_, err := Generate(dir)
	require.NoError(t, err)

	_, err = Generate(dir)
	require.Error(t, err)
}

func TestLoadOrGenerateIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	require.Equal(t, first.NodeId(), second.NodeId())
}

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	id, err := Generate(dir)
	require.NoError(t, err)

	msg := []byte("handshake payload")
	sig := id.Sign(msg)
	require.True(t, Verify(id.PublicKey(), msg, sig))
	require.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
}

func TestNodeIdIsDeterministicFromPublicKey(t *testing.T) {
	dir := t.TempDir()
	id, err := Generate(dir)
	require.NoError(t, err)

	require.Equal(t, deriveNodeID(id.PublicKey()), id.NodeId())
}
