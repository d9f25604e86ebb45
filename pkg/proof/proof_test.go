package proof

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshplane/core/pkg/coreerr"
)

func testSetup(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, [32]byte, [32]byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	secret := []byte("previously committed storage secret")
	commitment := sha256Sum(secret)
	h := OperationHash([]byte("AssetRegister:cpu-node-1"))
	return pub, priv, commitment, h
}

func TestGenerateThenValidateAgrees(t *testing.T) {
	pub, priv, commitment, h := testSetup(t)

	ctx := Context{
		SpaceSecret:   []byte("previously committed storage secret"),
		StakeOwnerPub: pub,
		StakeAmount:   1000,
		Difficulty:    4,
		MinDelaySteps: 50,
	}

	proof := Generate(h, ctx, commitment, 1000, 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })

	result := Validate(proof, h, ctx)
	require.True(t, result.Valid, "%v", result.Err)
}

func TestValidateRejectsWrongOperationHash(t *testing.T) {
	pub, priv, commitment, h := testSetup(t)
	ctx := Context{SpaceSecret: []byte("previously committed storage secret"), StakeOwnerPub: pub, StakeAmount: 1, Difficulty: 2, MinDelaySteps: 5}

	proof := Generate(h, ctx, commitment, 1, 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })

	other := OperationHash([]byte("a different operation"))
	result := Validate(proof, other, ctx)
	require.False(t, result.Valid)
	require.Equal(t, coreerr.CodeProofMismatch, result.Err.Code)
}

func TestValidateRejectsBadSpaceResponse(t *testing.T) {
	pub, priv, commitment, h := testSetup(t)
	ctx := Context{SpaceSecret: []byte("previously committed storage secret"), StakeOwnerPub: pub, StakeAmount: 1, Difficulty: 2, MinDelaySteps: 5}

	proof := Generate(h, ctx, commitment, 1, 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })
	proof.Space.Response = []byte("wrong secret")

	result := Validate(proof, h, ctx)
	require.False(t, result.Valid)
	require.Equal(t, coreerr.CodeBadSpace, result.Err.Code)
}

func TestValidateRejectsBadStakeSignature(t *testing.T) {
	pub, priv, commitment, h := testSetup(t)
	ctx := Context{SpaceSecret: []byte("previously committed storage secret"), StakeOwnerPub: pub, StakeAmount: 1, Difficulty: 2, MinDelaySteps: 5}

	proof := Generate(h, ctx, commitment, 1, 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })
	proof.Stake.Amount = 999999 // tamper after signing

	result := Validate(proof, h, ctx)
	require.False(t, result.Valid)
	require.Equal(t, coreerr.CodeBadStake, result.Err.Code)
}

func TestValidateRejectsInsufficientWork(t *testing.T) {
	pub, priv, commitment, h := testSetup(t)
	ctx := Context{SpaceSecret: []byte("previously committed storage secret"), StakeOwnerPub: pub, StakeAmount: 1, Difficulty: 2, MinDelaySteps: 5}

	proof := Generate(h, ctx, commitment, 1, 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })
	proof.Work.Difficulty = 40 // claim a difficulty the generated nonce never met

	result := Validate(proof, h, ctx)
	require.False(t, result.Valid)
	require.Equal(t, coreerr.CodeBadWork, result.Err.Code)
}

func TestValidateRejectsShortTimeChain(t *testing.T) {
	pub, priv, commitment, h := testSetup(t)
	ctx := Context{SpaceSecret: []byte("previously committed storage secret"), StakeOwnerPub: pub, StakeAmount: 1, Difficulty: 2, MinDelaySteps: 10}

	proof := Generate(h, ctx, commitment, 1, 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })

	strictCtx := ctx
	strictCtx.MinDelaySteps = 20 // validator configured with a stricter minimum than generator used
	result := Validate(proof, h, strictCtx)
	require.False(t, result.Valid)
	require.Equal(t, coreerr.CodeBadTime, result.Err.Code)
}

func TestTwoValidatorsAgreeDeterministically(t *testing.T) {
	pub, priv, commitment, h := testSetup(t)
	ctx := Context{SpaceSecret: []byte("previously committed storage secret"), StakeOwnerPub: pub, StakeAmount: 1, Difficulty: 3, MinDelaySteps: 8}

	proof := Generate(h, ctx, commitment, 1, 1, func(msg []byte) []byte { return ed25519.Sign(priv, msg) })

	r1 := Validate(proof, h, ctx)
	r2 := Validate(proof, h, ctx)
	require.Equal(t, r1.Valid, r2.Valid)
}

func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}
