package request

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const (
	maxIDLength        = 128
	maxEventNameLength = 64
	maxBatchEntries    = 500
)

// UseCaseDepositRequest tops up a use case's reward pool from Owner's balance
// using an EIP-712 permit signed by Owner.
type UseCaseDepositRequest struct {
	UseCaseID string `json:"useCaseId"`
	Owner     string `json:"owner"`
	Amount    string `json:"amount"`
	Deadline  int64  `json:"deadline"`
	PermitV   uint8  `json:"permitV"`
	PermitR   string `json:"permitR"`
	PermitS   string `json:"permitS"`
}

func (*UseCaseDepositRequest) Kind() Kind             { return KindUseCaseDeposit }
func (*UseCaseDepositRequest) Capability() Capability { return CapabilityDeposit }
func (*UseCaseDepositRequest) sealed()                {}

func (p *UseCaseDepositRequest) Validate() error {
	if err := validateID("useCaseId", p.UseCaseID); err != nil {
		return err
	}
	if err := validateAddress("owner", p.Owner); err != nil {
		return err
	}
	if _, err := parseAmount("amount", p.Amount); err != nil {
		return err
	}
	if p.Deadline <= 0 {
		return invalid("deadline", "must be a positive unix timestamp")
	}
	if p.PermitV != 27 && p.PermitV != 28 {
		return invalid("permitV", "must be 27 or 28")
	}
	if _, err := parseWord("permitR", p.PermitR); err != nil {
		return err
	}
	if _, err := parseWord("permitS", p.PermitS); err != nil {
		return err
	}
	return nil
}

func (p *UseCaseDepositRequest) OwnerAddress() common.Address { return common.HexToAddress(p.Owner) }

// AmountInt returns the parsed amount. Call Validate first.
func (p *UseCaseDepositRequest) AmountInt() *big.Int {
	v, _ := parseAmount("amount", p.Amount)
	return v
}

// Signature returns the 65-byte [R || S || V] permit signature. Call Validate first.
func (p *UseCaseDepositRequest) Signature() []byte {
	r, _ := parseWord("permitR", p.PermitR)
	s, _ := parseWord("permitS", p.PermitS)
	sig := make([]byte, 0, 65)
	sig = append(sig, r[:]...)
	sig = append(sig, s[:]...)
	return append(sig, p.PermitV)
}

// TokenRewardRequest notifies the ledger that Recipient triggered EventName
// with the given performance factor in [0, 1].
type TokenRewardRequest struct {
	UseCaseID string `json:"useCaseId"`
	Recipient string `json:"recipient"`
	EventName string `json:"eventName"`
	Factor    string `json:"factor"`

	// OperationID, when set, replaces the nonce as the ledger idempotency
	// key. A client that timed out re-signs with a new nonce and the same
	// OperationID, and the event is recorded once.
	OperationID string `json:"operationId,omitempty"`
}

func (*TokenRewardRequest) Kind() Kind             { return KindTokenReward }
func (*TokenRewardRequest) Capability() Capability { return CapabilityDistribute }
func (*TokenRewardRequest) sealed()                {}

func (p *TokenRewardRequest) Validate() error {
	if err := validateID("useCaseId", p.UseCaseID); err != nil {
		return err
	}
	if err := validateAddress("recipient", p.Recipient); err != nil {
		return err
	}
	if p.EventName == "" || len(p.EventName) > maxEventNameLength {
		return invalid("eventName", "must be 1-%d characters", maxEventNameLength)
	}
	if _, err := ParseFactor(p.Factor); err != nil {
		return err
	}
	if p.OperationID != "" {
		if err := validateID("operationId", p.OperationID); err != nil {
			return err
		}
	}
	return nil
}

func (p *TokenRewardRequest) RecipientAddress() common.Address { return common.HexToAddress(p.Recipient) }

// FactorDecimal returns the parsed factor. Call Validate first.
func (p *TokenRewardRequest) FactorDecimal() decimal.Decimal {
	f, _ := ParseFactor(p.Factor)
	return f
}

// ParseFactor parses a decimal string in [0, 1].
func ParseFactor(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, invalid("factor", "is required")
	}
	f, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, invalid("factor", "must be a decimal string")
	}
	if f.IsNegative() || f.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, invalid("factor", "must be between 0 and 1")
	}
	return f, nil
}

// DistributionEntry is one recipient of a queued distribution.
type DistributionEntry struct {
	Provider  string      `json:"provider"`
	PublicKey string      `json:"public_key"`
	Points    json.Number `json:"points"`
}

func (e DistributionEntry) Validate(field string) error {
	if e.Provider == "" {
		return invalid(field+".provider", "is required")
	}
	if err := validateAddress(field+".public_key", e.PublicKey); err != nil {
		return err
	}
	if _, err := parseAmount(field+".points", e.Points.String()); err != nil {
		return err
	}
	return nil
}

func (e DistributionEntry) Recipient() common.Address { return common.HexToAddress(e.PublicKey) }

// PointsInt returns the parsed points. Call Validate first.
func (e DistributionEntry) PointsInt() *big.Int {
	v, _ := parseAmount("points", e.Points.String())
	return v
}

// DistributionBatchRequest asks the gate to enqueue a distribution for the relay.
type DistributionBatchRequest struct {
	ContractID   string              `json:"contractId"`
	Distribution []DistributionEntry `json:"distribution"`
}

func (*DistributionBatchRequest) Kind() Kind             { return KindDistributionBatch }
func (*DistributionBatchRequest) Capability() Capability { return CapabilityEnqueue }
func (*DistributionBatchRequest) sealed()                {}

func (p *DistributionBatchRequest) Validate() error {
	if err := validateID("contractId", p.ContractID); err != nil {
		return err
	}
	return ValidateDistribution(p.Distribution)
}

// ValidateDistribution checks every entry of a distribution list.
func ValidateDistribution(entries []DistributionEntry) error {
	if len(entries) == 0 {
		return invalid("distribution", "must not be empty")
	}
	if len(entries) > maxBatchEntries {
		return invalid("distribution", "must have at most %d entries", maxBatchEntries)
	}
	for i, e := range entries {
		if err := e.Validate(fmt.Sprintf("distribution[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(field, "is required")
	}
	if len(id) > maxIDLength {
		return invalid(field, "must be at most %d characters", maxIDLength)
	}
	return nil
}

func validateAddress(field, addr string) error {
	if !common.IsHexAddress(addr) {
		return invalid(field, "must be a hex address")
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return invalid(field, "must not be the zero address")
	}
	return nil
}

// parseAmount parses a positive base-10 integer without sign or exponent.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, invalid(field, "is required")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, invalid(field, "must be a positive integer")
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, invalid(field, "must be a positive integer")
	}
	if v.BitLen() > 256 {
		return nil, invalid(field, "exceeds 256 bits")
	}
	return v, nil
}

func parseWord(field, s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != 32 {
		return out, invalid(field, "must be 0x-prefixed 32-byte hex")
	}
	copy(out[:], b)
	return out, nil
}
