package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PermitDomain is the EIP-712 domain permits are signed under.
type PermitDomain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

func (d *PermitDomain) setDefaults(verifying common.Address) {
	if d.Name == "" {
		d.Name = "Incentive Token"
	}
	if d.Version == "" {
		d.Version = "1"
	}
	if d.ChainID == 0 {
		d.ChainID = 1
	}
	if d.VerifyingContract == (common.Address{}) {
		d.VerifyingContract = verifying
	}
}

// Permit authorizes Spender to move Value from Owner. Deadline is unix seconds.
type Permit struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    uint64
	Deadline int64
	V        uint8
	R        [32]byte
	S        [32]byte
}

// Signature returns the 65-byte R || S || V encoding.
func (p *Permit) Signature() []byte {
	sig := make([]byte, 65)
	copy(sig[:32], p.R[:])
	copy(sig[32:64], p.S[:])
	sig[64] = p.V
	return sig
}

func permitTypedData(domain PermitDomain, p *Permit) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": []apitypes.Type{
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		PrimaryType: "Permit",
		Message: apitypes.TypedDataMessage{
			"owner":    p.Owner.Hex(),
			"spender":  p.Spender.Hex(),
			"value":    cloneInt(p.Value).String(),
			"nonce":    fmt.Sprintf("%d", p.Nonce),
			"deadline": fmt.Sprintf("%d", p.Deadline),
		},
	}
}

// PermitDigest returns keccak256("\x19\x01" || domainSeparator || hashStruct(permit)).
func PermitDigest(domain PermitDomain, p *Permit) ([]byte, error) {
	typedData := permitTypedData(domain, p)
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash EIP712Domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash permit: %w", err)
	}
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256(rawData), nil
}

// SignPermit fills V, R and S on p with a signature by key.
func SignPermit(domain PermitDomain, p *Permit, key *ecdsa.PrivateKey) error {
	digest, err := PermitDigest(domain, p)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("failed to sign permit: %w", err)
	}
	copy(p.R[:], sig[:32])
	copy(p.S[:], sig[32:64])
	p.V = sig[64] + 27
	return nil
}

// recoverPermitSigner returns the address that signed p.
func recoverPermitSigner(domain PermitDomain, p *Permit) (common.Address, error) {
	digest, err := PermitDigest(domain, p)
	if err != nil {
		return common.Address{}, err
	}
	sig := p.Signature()
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, errors.New("invalid recovery id")
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// verifyPermit checks p against the owner's account inside the deposit
// transaction. Order: deadline, nonce, signature, spender.
func (l *Ledger) verifyPermit(acct *Account, p *Permit) error {
	if l.cfg.Clock.Now().Unix() > p.Deadline {
		return ErrPermitExpired
	}
	if p.Nonce != acct.PermitNonce {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidPermitNonce, acct.PermitNonce, p.Nonce)
	}
	signer, err := recoverPermitSigner(l.cfg.Domain, p)
	if err != nil || signer != p.Owner {
		return ErrInvalidSignature
	}
	if p.Spender != l.cfg.Address {
		return ErrInvalidSpender
	}
	return nil
}
