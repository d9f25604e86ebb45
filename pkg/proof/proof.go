// Package proof implements generation and validation of the four
// sub-proofs (Space/Stake/Work/Time) that together authorize every mutating
// operation admitted by consensus. Every sub-proof is built directly on
// stdlib crypto — see DESIGN.md for the per-sub-proof construction rationale.
package proof

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/types"
)

// Context carries the configuration and previously-committed state needed
// to generate or validate a ConsensusProof. All validators must be
// configured with identical Difficulty/MinDelaySteps or they will disagree
// on otherwise-identical proofs.
type Context struct {
	// SpaceSecret is the preimage committed as LocationCommitment at asset
	// registration time; only the asset owner holds it. nil when Generate
	// is not the registering owner (e.g. re-deriving a proof is never
	// required of anyone else).
	SpaceSecret []byte
	// StakeOwner is whose key signs the StakeProof.
	StakeOwner    types.NodeId
	StakeOwnerPub ed25519.PublicKey
	StakeAmount   uint64

	Difficulty    uint8
	MinDelaySteps uint64
}

// Result is the structured outcome of Validate.
type Result struct {
	Valid bool
	Err   *coreerr.Error
}

// spaceChallenge derives the deterministic challenge bound to H and the
// previously committed LocationCommitment.
func spaceChallenge(h [32]byte, commitment [32]byte) []byte {
	sum := sha256.Sum256(append(append([]byte{}, h[:]...), commitment[:]...))
	return sum[:]
}

func generateSpace(h [32]byte, ctx Context, commitment [32]byte) types.SpaceProof {
	challenge := spaceChallenge(h, commitment)
	return types.SpaceProof{
		LocationCommitment: commitment,
		Challenge:          challenge,
		Response:           append([]byte{}, ctx.SpaceSecret...),
	}
}

// validateSpace checks that Response is the preimage of LocationCommitment
// (a commit-reveal opening) and that Challenge is the deterministic value
// bound to H and the commitment, so the opening cannot be replayed against
// a different operation.
func validateSpace(p types.SpaceProof, h [32]byte) *coreerr.Error {
	wantChallenge := spaceChallenge(h, p.LocationCommitment)
	if !bytes.Equal(wantChallenge, p.Challenge) {
		return coreerr.New("proof", coreerr.CodeBadSpace, coreerr.Validation, "challenge not bound to operation hash", nil)
	}
	got := sha256.Sum256(p.Response)
	if got != p.LocationCommitment {
		return coreerr.New("proof", coreerr.CodeBadSpace, coreerr.Validation, "response is not a preimage of the location commitment", nil)
	}
	return nil
}

func generateStake(h [32]byte, ctx Context, signer func([]byte) []byte) types.StakeProof {
	msg := stakeMessage(h, ctx.StakeAmount)
	return types.StakeProof{
		Owner:     ctx.StakeOwner,
		Amount:    ctx.StakeAmount,
		Signature: signer(msg),
	}
}

func stakeMessage(h [32]byte, amount uint64) []byte {
	buf := make([]byte, 32+8)
	copy(buf, h[:])
	binary.BigEndian.PutUint64(buf[32:], amount)
	return buf
}

// validateStake checks the owner's signature over (H, Amount). The caller
// supplies the owner's public key out-of-band (resolved via identity or the
// registry's asset owner field), never trusted from the proof itself.
func validateStake(p types.StakeProof, h [32]byte, ownerPub ed25519.PublicKey) *coreerr.Error {
	if len(ownerPub) == 0 {
		return coreerr.New("proof", coreerr.CodeBadStake, coreerr.Validation, "no public key available for claimed owner", nil)
	}
	msg := stakeMessage(h, p.Amount)
	if !ed25519.Verify(ownerPub, msg, p.Signature) {
		return coreerr.New("proof", coreerr.CodeBadStake, coreerr.Validation, "stake signature does not verify", nil)
	}
	return nil
}

// generateWork iterates nonce values until hash(H||nonce) has at least
// `difficulty` leading zero bits — a hash-based proof-of-work, the
// standard non-memory-hard PoW construction available from stdlib crypto.
func generateWork(h [32]byte, difficulty uint8) types.WorkProof {
	var nonce uint64
	for {
		digest := workDigest(h, nonce)
		if leadingZeroBits(digest) >= int(difficulty) {
			return types.WorkProof{Digest: digest, Difficulty: difficulty, Nonce: nonce}
		}
		nonce++
	}
}

func workDigest(h [32]byte, nonce uint64) [32]byte {
	buf := make([]byte, 32+8)
	copy(buf, h[:])
	binary.BigEndian.PutUint64(buf[32:], nonce)
	return sha256.Sum256(buf)
}

func leadingZeroBits(digest [32]byte) int {
	count := 0
	for _, b := range digest {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
		return count
	}
	return count
}

func validateWork(p types.WorkProof, h [32]byte) *coreerr.Error {
	want := workDigest(h, p.Nonce)
	if want != p.Digest {
		return coreerr.New("proof", coreerr.CodeBadWork, coreerr.Validation, "digest does not match hash(H||nonce)", nil)
	}
	if leadingZeroBits(p.Digest) < int(p.Difficulty) {
		return coreerr.New("proof", coreerr.CodeBadWork, coreerr.Validation, "digest does not meet claimed difficulty", nil)
	}
	return nil
}

// generateTime builds a verifiable-delay output by chaining sha256
// MinDelaySteps times starting from H. Sequential hash chaining is the
// simplest construction that is genuinely non-parallelizable (each step
// depends on the previous one), giving a real delay function without a
// dedicated VDF library.
func generateTime(h [32]byte, nowMS int64, seq uint64, steps uint64) types.TimeProof {
	out := h
	for i := uint64(0); i < steps; i++ {
		out = sha256.Sum256(out[:])
	}
	return types.TimeProof{Timestamp: nowMS, Sequence: seq, VDFOutput: out[:]}
}

func validateTime(p types.TimeProof, h [32]byte, minSteps uint64) *coreerr.Error {
	out := h
	for i := uint64(0); i < minSteps; i++ {
		out = sha256.Sum256(out[:])
	}
	if !bytes.Equal(out[:], p.VDFOutput) {
		return coreerr.New("proof", coreerr.CodeBadTime, coreerr.Validation, "verifiable-delay output does not match minimum-delay chain", nil)
	}
	return nil
}

// Generate constructs the four sub-proofs binding operation hash h. signer
// produces the stake signature (normally identity.Identity.Sign); commitment
// is the asset's previously registered LocationCommitment (zero value for
// operations with no space component).
func Generate(h [32]byte, ctx Context, commitment [32]byte, nowMS int64, seq uint64, signer func([]byte) []byte) types.ConsensusProof {
	return types.ConsensusProof{
		OperationHash: h,
		Space:         generateSpace(h, ctx, commitment),
		Stake:         generateStake(h, ctx, signer),
		Work:          generateWork(h, ctx.Difficulty),
		Time:          generateTime(h, nowMS, seq, ctx.MinDelaySteps),
	}
}

// Validate rechecks all four sub-proofs independently against h and ctx.
// Every sub-proof must validate AND the proof's own OperationHash must
// equal h, or the result is ProofMismatch. Validation is deterministic:
// any two nodes given the same proof and ctx agree.
func Validate(p types.ConsensusProof, h [32]byte, ctx Context) Result {
	if p.OperationHash != h {
		return Result{Err: coreerr.New("proof", coreerr.CodeProofMismatch, coreerr.Validation,
			"proof operation hash does not match the operation being validated", nil)}
	}
	if err := validateSpace(p.Space, h); err != nil {
		return Result{Err: err}
	}
	if err := validateStake(p.Stake, h, ctx.StakeOwnerPub); err != nil {
		return Result{Err: err}
	}
	if err := validateWork(p.Work, h, ctx.Difficulty); err != nil {
		return Result{Err: err}
	}
	if err := validateTime(p.Time, h, ctx.MinDelaySteps); err != nil {
		return Result{Err: err}
	}
	return Result{Valid: true}
}

// OperationHash hashes an operation's canonical payload bytes into the H
// every sub-proof binds to.
func OperationHash(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}
