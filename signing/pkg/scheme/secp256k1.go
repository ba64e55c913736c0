package scheme

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// secp256k1 signatures are 65-byte [R || S || V] over keccak256(msg). The
// verifier recovers the signing key and compares its address.

type secp256k1Signer struct {
	key *ecdsa.PrivateKey
}

type secp256k1Verifier struct {
	address common.Address
}

func generateSecp256k1() (KeyPair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}
	return KeyPair{
		Scheme: Secp256k1,
		Public: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Secret: hexutil.Encode(crypto.FromECDSA(key)),
	}, nil
}

// NewSecp256k1Signer wraps an existing private key.
func NewSecp256k1Signer(key *ecdsa.PrivateKey) Signer {
	return &secp256k1Signer{key: key}
}

func parseSecp256k1Signer(secret string) (Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &secp256k1Signer{key: key}, nil
}

func parseSecp256k1Verifier(public string) (Verifier, error) {
	if !common.IsHexAddress(public) {
		return nil, fmt.Errorf("%w: %q is not an address", ErrInvalidKey, public)
	}
	return &secp256k1Verifier{address: common.HexToAddress(public)}, nil
}

func (s *secp256k1Signer) Scheme() Scheme { return Secp256k1 }

func (s *secp256k1Signer) Public() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *secp256k1Signer) Sign(msg []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (v *secp256k1Verifier) Scheme() Scheme { return Secp256k1 }

func (v *secp256k1Verifier) Verify(msg []byte, signature string) error {
	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != v.address {
		return ErrInvalidSignature
	}
	return nil
}
