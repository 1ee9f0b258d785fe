// Package security signs accepted plans so the transaction builder can check
// that a leg sequence came from this engine unmodified.
package security

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/model"
)

// ErrBadSignature is returned when a signature does not match its digest and signer.
var ErrBadSignature = errors.New("signature does not verify")

// Signature is the envelope attached to a submitted plan
type Signature struct {
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Algorithm string `json:"algorithm"`
	SignedAt  int64  `json:"signedAt"`
}

// PlanSigner signs plan digests with a secp256k1 key using Ethereum's
// signature scheme.
type PlanSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPlanSigner loads a hex-encoded private key. An empty key generates an
// ephemeral one, which is only useful when nobody verifies the signer.
func NewPlanSigner(hexKey string) (*PlanSigner, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("No plan signing key configured, using an ephemeral key")
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid plan signing key: %w", err)
		}
	}

	s := &PlanSigner{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}
	logrus.Infof("Plan signer initialized with address %s", s.address.Hex())
	return s, nil
}

// Address returns the signer's Ethereum-style address
func (s *PlanSigner) Address() string {
	return s.address.Hex()
}

// PublicKey returns the uncompressed public key in hex
func (s *PlanSigner) PublicKey() string {
	return hexutil.Encode(crypto.FromECDSAPub(&s.privateKey.PublicKey))
}

// Sign signs a Keccak-256 digest given as 0x-prefixed hex
func (s *PlanSigner) Sign(digest string) (Signature, error) {
	hash, err := decodeDigest(digest)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign with Ethereum scheme: %w", err)
	}
	return Signature{
		Digest:    digest,
		Signature: hexutil.Encode(sig),
		Signer:    s.address.Hex(),
		Algorithm: "secp256k1-keccak256",
		SignedAt:  time.Now().Unix(),
	}, nil
}

// SignPlan signs the digest recorded when the plan was accepted
func (s *PlanSigner) SignPlan(plan *model.Plan) (Signature, error) {
	if !plan.Sealed() {
		return Signature{}, model.ErrPlanNotAccepted
	}
	return s.Sign(plan.Digest)
}

// Verify recovers the signer from sig and checks it matches sig.Signer
func Verify(sig Signature) error {
	hash, err := decodeDigest(sig.Digest)
	if err != nil {
		return err
	}
	raw, err := hexutil.Decode(sig.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return fmt.Errorf("%w: length %d", ErrBadSignature, len(raw))
	}

	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), hash, raw[:64]) {
		return ErrBadSignature
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(sig.Signer) {
		return fmt.Errorf("%w: signed by %s, claimed %s", ErrBadSignature, crypto.PubkeyToAddress(*pub).Hex(), sig.Signer)
	}
	return nil
}

// VerifyPlan checks sig against the plan's current fingerprint
func VerifyPlan(plan *model.Plan, sig Signature) error {
	digest, err := plan.Fingerprint()
	if err != nil {
		return err
	}
	if digest != sig.Digest {
		return fmt.Errorf("%w: digest mismatch", ErrBadSignature)
	}
	return Verify(sig)
}

func decodeDigest(digest string) ([]byte, error) {
	hash, err := hexutil.Decode(digest)
	if err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", digest, err)
	}
	if len(hash) != common.HashLength {
		return nil, fmt.Errorf("invalid digest length %d", len(hash))
	}
	return hash, nil
}
