package scheme

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

type ed25519Verifier struct {
	pub ed25519.PublicKey
}

func generateEd25519() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return KeyPair{
		Scheme: Ed25519,
		Public: base58.Encode(pub),
		Secret: base58.Encode(priv.Seed()),
	}, nil
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(priv ed25519.PrivateKey) Signer {
	return &ed25519Signer{priv: priv}
}

// parseEd25519Signer accepts a base58 32-byte seed or 64-byte private key.
func parseEd25519Signer(secret string) (Signer, error) {
	b, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: ed25519 key is not base58", ErrInvalidKey)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return &ed25519Signer{priv: ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		return &ed25519Signer{priv: ed25519.PrivateKey(b)}, nil
	default:
		return nil, fmt.Errorf("%w: ed25519 private key has %d bytes", ErrInvalidKey, len(b))
	}
}

func parseEd25519Verifier(public string) (Verifier, error) {
	b, err := base58.Decode(public)
	if err != nil {
		return nil, fmt.Errorf("%w: ed25519 public key is not base58", ErrInvalidKey)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 public key has %d bytes", ErrInvalidKey, len(b))
	}
	return &ed25519Verifier{pub: ed25519.PublicKey(b)}, nil
}

func (s *ed25519Signer) Scheme() Scheme { return Ed25519 }

func (s *ed25519Signer) Public() string {
	return base58.Encode(s.priv.Public().(ed25519.PublicKey))
}

func (s *ed25519Signer) Sign(msg []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, msg)), nil
}

func (v *ed25519Verifier) Scheme() Scheme { return Ed25519 }

func (v *ed25519Verifier) Verify(msg []byte, signature string) error {
	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(v.pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
