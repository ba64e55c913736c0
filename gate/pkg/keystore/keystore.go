// Package keystore holds registered signer keys and per-signer nonce
// high-water marks for the authorization gate.
package keystore

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

var ErrNotFound = errors.New("signer key not found")

// KeyRecord is a registered signer. PublicKey is the verification material
// in the encoding of Scheme.
type KeyRecord struct {
	SignerID    string               `json:"signerId"`
	Scheme      scheme.Scheme        `json:"scheme"`
	PublicKey   string               `json:"publicKey"`
	Permissions []request.Capability `json:"permissions"`
	CreatedAt   time.Time            `json:"createdAt"`
	RevokedAt   *time.Time           `json:"revokedAt,omitempty"`
}

func (k *KeyRecord) Has(c request.Capability) bool {
	return slices.Contains(k.Permissions, c)
}

func (k *KeyRecord) Revoked() bool {
	return k.RevokedAt != nil
}

func (k *KeyRecord) Validate() error {
	if k.SignerID == "" {
		return errors.New("signer id is required")
	}
	if _, err := scheme.Parse(string(k.Scheme)); err != nil {
		return err
	}
	if k.PublicKey == "" {
		return errors.New("public key is required")
	}
	for _, p := range k.Permissions {
		if _, err := request.ParseCapability(string(p)); err != nil {
			return err
		}
	}
	return nil
}

// KeyStore persists signer keys. Put replaces any existing record for the
// signer, which is how keys are rotated.
type KeyStore interface {
	Get(ctx context.Context, signerID string) (*KeyRecord, error)
	Put(ctx context.Context, rec *KeyRecord) error
	List(ctx context.Context) ([]KeyRecord, error)
	Revoke(ctx context.Context, signerID string, at time.Time) error
}

// NonceStore tracks the highest nonce accepted from each signer.
type NonceStore interface {
	// Advance moves the signer's high-water mark to nonce and reports whether
	// it did. It returns false when nonce is not above the current mark.
	Advance(ctx context.Context, signerID string, nonce uint64) (bool, error)
	Last(ctx context.Context, signerID string) (uint64, error)
}
