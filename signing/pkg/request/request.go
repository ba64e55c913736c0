// Package request defines the signed instruction envelope accepted by the
// authorization gate and the tagged union of payloads it can carry.
package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/malbeclabs/incentives/signing/pkg/canonical"
)

type Kind string

const (
	KindUseCaseDeposit    Kind = "use_case_deposit"
	KindTokenReward       Kind = "token_reward"
	KindDistributionBatch Kind = "distribution_batch"
)

// Capability is a permission tag on a registered signing key.
type Capability string

const (
	CapabilityDistribute Capability = "DISTRIBUTE"
	CapabilityDeposit    Capability = "DEPOSIT"
	CapabilityEnqueue    Capability = "ENQUEUE"
)

func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case CapabilityDistribute, CapabilityDeposit, CapabilityEnqueue:
		return c, nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// Payload is implemented only by the request variants in this package.
type Payload interface {
	Kind() Kind
	Capability() Capability
	Validate() error
	sealed()
}

// ValidationError reports a structurally invalid request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a structural validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SignedRequest is the wire envelope: a payload plus the freshness and replay
// metadata the signature covers.
type SignedRequest struct {
	Payload   Payload
	Nonce     uint64
	Timestamp int64 // unix milliseconds
	SignerID  string
	Signature string
}

type envelope struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	SignerID  string          `json:"signerId"`
	Signature string          `json:"signature,omitempty"`
}

func (r *SignedRequest) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

func (r *SignedRequest) envelope(withSignature bool) (envelope, error) {
	if r.Payload == nil {
		return envelope{}, invalid("payload", "is required")
	}
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	env := envelope{
		Kind:      r.Payload.Kind(),
		Payload:   raw,
		Nonce:     r.Nonce,
		Timestamp: r.Timestamp,
		SignerID:  r.SignerID,
	}
	if withSignature {
		env.Signature = r.Signature
	}
	return env, nil
}

func (r SignedRequest) MarshalJSON() ([]byte, error) {
	env, err := r.envelope(true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// SigningBytes is the canonical encoding of every field except the signature.
func (r *SignedRequest) SigningBytes() ([]byte, error) {
	env, err := r.envelope(false)
	if err != nil {
		return nil, err
	}
	return canonical.Marshal(env)
}

func (r *SignedRequest) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := decodeStrict(data, &env); err != nil {
		return invalid("", "%v", err)
	}

	if env.Kind == "" {
		return invalid("kind", "is required")
	}
	payload, err := DecodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}

	*r = SignedRequest{
		Payload:   payload,
		Nonce:     env.Nonce,
		Timestamp: env.Timestamp,
		SignerID:  env.SignerID,
		Signature: env.Signature,
	}
	return nil
}

// DecodePayload parses the payload of the given kind, rejecting unknown
// fields.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	var payload Payload
	switch kind {
	case KindUseCaseDeposit:
		payload = &UseCaseDepositRequest{}
	case KindTokenReward:
		payload = &TokenRewardRequest{}
	case KindDistributionBatch:
		payload = &DistributionBatchRequest{}
	default:
		return nil, invalid("kind", "unknown kind %q", kind)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, invalid("payload", "is required")
	}
	if err := decodeStrict(data, payload); err != nil {
		return nil, invalid("payload", "%v", err)
	}
	return payload, nil
}

// Decode parses a SignedRequest from JSON, rejecting unknown fields.
func Decode(data []byte) (*SignedRequest, error) {
	var r SignedRequest
	if err := json.Unmarshal(data, &r); err != nil {
		if IsValidationError(err) {
			return nil, err
		}
		return nil, invalid("", "%v", err)
	}
	return &r, nil
}

// Validate checks the envelope and payload structure.
func (r *SignedRequest) Validate() error {
	if r.Payload == nil {
		return invalid("payload", "is required")
	}
	if r.SignerID == "" {
		return invalid("signerId", "is required")
	}
	if r.Nonce == 0 {
		return invalid("nonce", "must be positive")
	}
	if r.Timestamp <= 0 {
		return invalid("timestamp", "must be a positive unix millisecond value")
	}
	if r.Signature == "" {
		return invalid("signature", "is required")
	}
	return r.Payload.Validate()
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}
