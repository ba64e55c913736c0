// Package scheme implements the signature schemes a deployment can choose
// from. A deployment picks exactly one; verifiers refuse key material that
// was registered under any other scheme.
package scheme

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

type Scheme string

const (
	HMACSHA256 Scheme = "hmac-sha256"
	Ed25519    Scheme = "ed25519"
	Secp256k1  Scheme = "secp256k1"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSchemeMismatch   = errors.New("signing scheme mismatch")
	ErrInvalidKey       = errors.New("invalid key material")
	ErrUnknownScheme    = errors.New("unknown signing scheme")
)

// Parse validates a scheme name from configuration.
func Parse(s string) (Scheme, error) {
	switch sc := Scheme(strings.ToLower(strings.TrimSpace(s))); sc {
	case HMACSHA256, Ed25519, Secp256k1:
		return sc, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, s)
	}
}

func (s Scheme) String() string { return string(s) }

// Signer produces base64 signatures over arbitrary messages.
type Signer interface {
	Scheme() Scheme
	Sign(msg []byte) (string, error)
	// Public returns the verification material to register for this signer.
	Public() string
}

// Verifier checks base64 signatures produced by the matching Signer.
type Verifier interface {
	Scheme() Scheme
	Verify(msg []byte, signature string) error
}

// KeyPair is freshly generated key material. Public is registered with the
// verifier; Secret is handed to the signing client once.
type KeyPair struct {
	Scheme Scheme
	Public string
	Secret string
}

// Generate creates new key material for s.
func Generate(s Scheme) (KeyPair, error) {
	switch s {
	case HMACSHA256:
		return generateHMAC()
	case Ed25519:
		return generateEd25519()
	case Secp256k1:
		return generateSecp256k1()
	default:
		return KeyPair{}, fmt.Errorf("%w: %q", ErrUnknownScheme, s)
	}
}

// NewSigner parses secret material produced by Generate.
func NewSigner(s Scheme, secret string) (Signer, error) {
	switch s {
	case HMACSHA256:
		return parseHMACSigner(secret)
	case Ed25519:
		return parseEd25519Signer(secret)
	case Secp256k1:
		return parseSecp256k1Signer(secret)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, s)
	}
}

// NewVerifier builds a verifier for key material registered under keyScheme.
// It fails with ErrSchemeMismatch when keyScheme is not the deployment's
// configured scheme.
func NewVerifier(configured, keyScheme Scheme, public string) (Verifier, error) {
	if configured != keyScheme {
		return nil, fmt.Errorf("%w: deployment uses %s, key registered as %s", ErrSchemeMismatch, configured, keyScheme)
	}
	switch configured {
	case HMACSHA256:
		return parseHMACVerifier(public)
	case Ed25519:
		return parseEd25519Verifier(public)
	case Secp256k1:
		return parseSecp256k1Verifier(public)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, configured)
	}
}

func decodeSignature(signature string) ([]byte, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrInvalidSignature)
	}
	return sig, nil
}
