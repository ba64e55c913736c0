package scheme

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const minHMACSecretLen = 16

type hmacKey struct {
	secret []byte
}

func generateHMAC() (KeyPair, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString(secret)
	return KeyPair{Scheme: HMACSHA256, Public: enc, Secret: enc}, nil
}

func parseHMACKey(secret string) (*hmacKey, error) {
	b, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac secret is not base64", ErrInvalidKey)
	}
	if len(b) < minHMACSecretLen {
		return nil, fmt.Errorf("%w: hmac secret shorter than %d bytes", ErrInvalidKey, minHMACSecretLen)
	}
	return &hmacKey{secret: b}, nil
}

func parseHMACSigner(secret string) (Signer, error) {
	return parseHMACKey(secret)
}

func parseHMACVerifier(secret string) (Verifier, error) {
	return parseHMACKey(secret)
}

func (k *hmacKey) Scheme() Scheme { return HMACSHA256 }

func (k *hmacKey) Public() string { return base64.StdEncoding.EncodeToString(k.secret) }

func (k *hmacKey) mac(msg []byte) []byte {
	m := hmac.New(sha256.New, k.secret)
	m.Write(msg)
	return m.Sum(nil)
}

func (k *hmacKey) Sign(msg []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(k.mac(msg)), nil
}

func (k *hmacKey) Verify(msg []byte, signature string) error {
	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if !hmac.Equal(sig, k.mac(msg)) {
		return ErrInvalidSignature
	}
	return nil
}
