// Package message defines the sealed distribution message carried on the
// relay queue and the checks a consumer runs before trusting one.
package message

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/signing/pkg/canonical"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

const (
	DefaultMaxAge       = 5 * time.Minute
	DefaultMaxClockSkew = 30 * time.Second

	nonceBytes = 16

	// Canonical JSON encodes numbers as IEEE doubles, so points above this
	// would not be covered exactly by the hash.
	maxPoints = 1<<53 - 1
)

var (
	ErrMalformed        = errors.New("malformed message")
	ErrHashMismatch     = errors.New("message hash mismatch")
	ErrStale            = errors.New("message is stale")
	ErrInvalidSignature = errors.New("invalid message signature")
)

// Metadata is computed by Seal. Timestamp is unix seconds, Hash is the hex
// sha256 of the canonical message without metadata and Signature is the
// base64 signature over SigningBytes, which binds Hash to Nonce and
// Timestamp.
type Metadata struct {
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

// SigningBytes returns "hash:nonce:timestamp". The relay derives ledger
// operation ids from Nonce and checks freshness against Timestamp, so both
// are covered by the signature.
func (md Metadata) SigningBytes() []byte {
	return []byte(md.Hash + ":" + md.Nonce + ":" + strconv.FormatInt(md.Timestamp, 10))
}

type Message struct {
	Distribution []request.DistributionEntry `json:"distribution"`
	ContractID   string                      `json:"contractId"`
	Metadata     Metadata                    `json:"metadata"`
}

type body struct {
	Distribution []request.DistributionEntry `json:"distribution"`
	ContractID   string                      `json:"contractId"`
}

// Hash returns the hash Seal would compute for m.
func (m *Message) Hash() (string, error) {
	return canonical.Hash(body{Distribution: m.Distribution, ContractID: m.ContractID})
}

// Seal validates m and fills its metadata. A nonce already present is kept,
// so a resealed message keeps the ledger operation ids derived from it.
func Seal(m *Message, signer scheme.Signer, clock clockwork.Clock) error {
	if err := request.ValidateDistribution(m.Distribution); err != nil {
		return err
	}
	if err := checkBody(m); err != nil {
		return err
	}
	nonce := m.Metadata.Nonce
	if nonce == "" {
		b := make([]byte, nonceBytes)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		nonce = hex.EncodeToString(b)
	}
	hash, err := m.Hash()
	if err != nil {
		return err
	}
	md := Metadata{
		Timestamp: clock.Now().Unix(),
		Nonce:     nonce,
		Hash:      hash,
	}
	if md.Signature, err = signer.Sign(md.SigningBytes()); err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	m.Metadata = md
	return nil
}

type VerifierConfig struct {
	Verifier     scheme.Verifier
	Clock        clockwork.Clock
	MaxAge       time.Duration
	MaxClockSkew time.Duration
}

func (cfg *VerifierConfig) Validate() error {
	if cfg.Verifier == nil {
		return errors.New("verifier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	return nil
}

type Verifier struct {
	cfg VerifierConfig
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify decodes raw and checks, in order, that the body hashes to
// metadata.hash, that the message is fresh and that the signature over the
// hash, nonce and timestamp is valid. The hash is taken over raw as received, so any field
// changed in transit fails the first check.
func (v *Verifier) Verify(raw []byte) (*Message, error) {
	return v.verify(raw, true)
}

// Authentic runs the hash and signature checks of Verify but not the
// freshness check. It is used before resealing a dead-lettered message.
func (v *Verifier) Authentic(raw []byte) (*Message, error) {
	return v.verify(raw, false)
}

func (v *Verifier) verify(raw []byte, checkAge bool) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	metaRaw, ok := fields["metadata"]
	if !ok {
		return nil, fmt.Errorf("%w: metadata is required", ErrMalformed)
	}
	var meta Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
	}
	if meta.Nonce == "" {
		return nil, fmt.Errorf("%w: metadata.nonce is required", ErrMalformed)
	}
	delete(fields, "metadata")

	unsigned, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hash, err := canonical.HashJSON(unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !canonical.EqualHash(hash, meta.Hash) {
		return nil, ErrHashMismatch
	}

	if checkAge {
		now := v.cfg.Clock.Now()
		sent := time.Unix(meta.Timestamp, 0)
		if now.Sub(sent) > v.cfg.MaxAge {
			return nil, fmt.Errorf("%w: sent %s ago", ErrStale, now.Sub(sent).Truncate(time.Second))
		}
		if sent.Sub(now) > v.cfg.MaxClockSkew {
			return nil, fmt.Errorf("%w: timestamp is in the future", ErrStale)
		}
	}

	if err := v.cfg.Verifier.Verify(meta.SigningBytes(), meta.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var m Message
	if err := decode(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := request.ValidateDistribution(m.Distribution); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkBody(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func checkBody(m *Message) error {
	if m.ContractID == "" {
		return fmt.Errorf("%w: contractId is required", ErrMalformed)
	}
	for i, e := range m.Distribution {
		if e.PointsInt().Cmp(big.NewInt(maxPoints)) > 0 {
			return fmt.Errorf("%w: distribution[%d].points exceeds %d", ErrMalformed, i, int64(maxPoints))
		}
	}
	return nil
}

// Permanent reports whether err means the message can never be accepted.
func Permanent(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrStale) || errors.Is(err, ErrInvalidSignature) || request.IsValidationError(err)
}

// Code returns the dead letter code of a verification error, or "" if err is
// not one.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrMalformed), request.IsValidationError(err):
		return "malformed"
	default:
		return ""
	}
}
