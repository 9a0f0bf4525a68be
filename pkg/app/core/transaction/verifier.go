package transaction

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/finchain/ledgerengine/pkg/crypto"
)

// Verifier checks a signed operation's authority against the
// canonical digest of its tagged union (§6 "the digest used for
// signing is the canonical-encoded bytes prefixed with the chain-id"),
// generalized from the teacher's order-specific EIP-712 verifier to
// any operation kind by hashing type||payload directly rather than a
// per-op typed struct.
type Verifier struct {
	chainID string
}

func NewVerifier(chainID string) *Verifier { return &Verifier{chainID: chainID} }

func (v *Verifier) digest(tx *SignedTransaction) []byte {
	msg := v.chainID + "|" + string(tx.Type) + "|" + string(tx.Payload)
	return ethCrypto.Keccak256([]byte(msg))
}

// Verify recovers and checks the signer against claimedOwner.
func (v *Verifier) Verify(tx *SignedTransaction, claimedOwner common.Address) (bool, error) {
	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}
	return crypto.VerifySignature(claimedOwner, v.digest(tx), sigBytes), nil
}

// RecoverSigner recovers the address that signed tx, regardless of
// which operation kind it carries.
func (v *Verifier) RecoverSigner(tx *SignedTransaction) (common.Address, error) {
	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	return crypto.RecoverAddress(v.digest(tx), sigBytes)
}

func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}
