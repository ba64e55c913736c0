// Package authz is the authorization gate. It decides whether a signed
// request may act, and only then forwards it to the ledger or the relay
// queue.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/gate/pkg/keystore"
	"github.com/malbeclabs/incentives/gate/pkg/metrics"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

const (
	DefaultMaxAge       = 5 * time.Minute
	DefaultMaxClockSkew = 30 * time.Second
	DefaultExecTimeout  = 30 * time.Second
)

// Ledger is the part of the reward ledger the gate forwards to.
type Ledger interface {
	Address() common.Address
	PermitNonce(ctx context.Context, owner common.Address) (uint64, error)
	NotifyEvent(ctx context.Context, caller common.Address, in ledger.NotifyInput) (*ledger.Receipt, error)
	DepositRewardsWithPermit(ctx context.Context, caller common.Address, id string, p ledger.Permit) (*ledger.Receipt, error)
}

// Publisher seals a distribution message and enqueues it for the relay.
type Publisher interface {
	Publish(ctx context.Context, m *message.Message) (string, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Scheme scheme.Scheme
	Keys   keystore.KeyStore
	Nonces keystore.NonceStore
	Ledger Ledger
	// Publisher is optional. Without one, distribution batches are refused.
	Publisher Publisher

	// Caller is the address the gate acts as on the ledger. It must be a
	// global notifier there.
	Caller common.Address

	MaxAge       time.Duration
	MaxClockSkew time.Duration
	ExecTimeout  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if _, err := scheme.Parse(string(cfg.Scheme)); err != nil {
		return err
	}
	if cfg.Keys == nil {
		return errors.New("key store is required")
	}
	if cfg.Nonces == nil {
		return errors.New("nonce store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Caller == (common.Address{}) {
		return errors.New("caller address is required")
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
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	return nil
}

type Gate struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{log: cfg.Logger, cfg: cfg}, nil
}

// Decision is an authorized request. Only Authorize creates one.
type Decision struct {
	Request      *request.SignedRequest
	Key          *keystore.KeyRecord
	AuthorizedAt time.Time
}

// Result is what Execute produced downstream. Receipt is set for ledger
// operations, MessageID and Metadata for enqueued batches.
type Result struct {
	Kind          request.Kind
	TransactionID string
	Duplicate     bool
	Receipt       *ledger.Receipt
	MessageID     string
	Metadata      *message.Metadata
}

// Authorize runs the structural, freshness, permission, signature and replay
// checks in that order and stops at the first failure. Nothing downstream is
// touched.
func (g *Gate) Authorize(ctx context.Context, req *request.SignedRequest) (*Decision, error) {
	d, err := g.authorize(ctx, req)
	kind := "unknown"
	if req != nil && req.Payload != nil {
		kind = string(req.Kind())
	}
	if err != nil {
		result := KindOf(err).String()
		if KindOf(err) == KindUnknown {
			result = "error"
		}
		metrics.RecordAuthorization(kind, result)
		return nil, err
	}
	metrics.RecordAuthorization(kind, "ok")
	return d, nil
}

func (g *Gate) authorize(ctx context.Context, req *request.SignedRequest) (*Decision, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, invalidRequest(err)
	}

	now := g.cfg.Clock.Now()
	sent := time.UnixMilli(req.Timestamp)
	if age := now.Sub(sent); age > g.cfg.MaxAge {
		g.log.Debug("authz: request expired", "signer", req.SignerID, "nonce", req.Nonce, "age", age)
		return nil, fmt.Errorf("%w: signed %s ago", ErrExpired, age.Truncate(time.Millisecond))
	}
	if ahead := sent.Sub(now); ahead > g.cfg.MaxClockSkew {
		return nil, fmt.Errorf("%w: timestamp %s in the future", ErrExpired, ahead.Truncate(time.Millisecond))
	}

	key, err := g.cfg.Keys.Get(ctx, req.SignerID)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, ErrUnknownSigner
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signer key: %w", err)
	}
	if key.Revoked() {
		return nil, fmt.Errorf("%w: revoked at %s", ErrUnknownSigner, key.RevokedAt.UTC().Format(time.RFC3339))
	}
	capability := req.Payload.Capability()
	if !key.Has(capability) {
		return nil, fmt.Errorf("%w: %s required", ErrForbidden, capability)
	}

	verifier, err := scheme.NewVerifier(g.cfg.Scheme, key.Scheme, key.PublicKey)
	if err != nil {
		g.log.Error("authz: signer key is unusable", "signer", key.SignerID, "key_scheme", key.Scheme, "scheme", g.cfg.Scheme, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrMisconfigured, err)
	}
	msg, err := req.SigningBytes()
	if err != nil {
		return nil, invalidRequest(err)
	}
	if err := verifier.Verify(msg, req.Signature); err != nil {
		return nil, ErrInvalidSignature
	}

	ok, err := g.cfg.Nonces.Advance(ctx, req.SignerID, req.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to advance nonce: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrReplayedNonce, req.Nonce)
	}

	return &Decision{Request: req, Key: key, AuthorizedAt: now}, nil
}

// Execute forwards an authorized request downstream.
func (g *Gate) Execute(ctx context.Context, d *Decision) (*Result, error) {
	if d == nil || d.Request == nil {
		return nil, errors.New("decision is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ExecTimeout)
	defer cancel()

	start := time.Now()
	req := d.Request
	var (
		res *Result
		err error
	)
	switch p := req.Payload.(type) {
	case *request.TokenRewardRequest:
		res, err = g.notify(ctx, req, p)
	case *request.UseCaseDepositRequest:
		res, err = g.deposit(ctx, p)
	case *request.DistributionBatchRequest:
		res, err = g.enqueue(ctx, p)
	default:
		err = fmt.Errorf("%w: unsupported kind %q", ErrInvalidRequest, req.Kind())
	}

	kind := string(req.Kind())
	switch {
	case err == nil && res.Duplicate:
		metrics.RecordExecution(kind, "duplicate", time.Since(start))
	case err == nil:
		metrics.RecordExecution(kind, "success", time.Since(start))
	case ledger.IsRejection(err) || KindOf(err) != KindUnknown:
		metrics.RecordExecution(kind, "rejected", time.Since(start))
		g.log.Debug("authz: request rejected downstream", "kind", kind, "signer", req.SignerID, "nonce", req.Nonce, "error", err)
	default:
		metrics.RecordExecution(kind, "error", time.Since(start))
		g.log.Error("authz: failed to execute request", "kind", kind, "signer", req.SignerID, "nonce", req.Nonce, "error", err)
	}
	if err != nil {
		return nil, err
	}
	res.Kind = req.Kind()
	return res, nil
}

// Handle authorizes and executes req.
func (g *Gate) Handle(ctx context.Context, req *request.SignedRequest) (*Result, error) {
	d, err := g.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	return g.Execute(ctx, d)
}

func (g *Gate) notify(ctx context.Context, req *request.SignedRequest, p *request.TokenRewardRequest) (*Result, error) {
	r, err := g.cfg.Ledger.NotifyEvent(ctx, g.cfg.Caller, ledger.NotifyInput{
		UseCaseID:   p.UseCaseID,
		EventName:   p.EventName,
		Participant: p.RecipientAddress(),
		Factor:      p.FactorDecimal(),
		Source:      req.SignerID,
		OperationID: OperationID(req),
	})
	if err != nil {
		return nil, err
	}
	return receiptResult(r), nil
}

// deposit relays the owner's permit. The permit nonce is not part of the
// request; the owner signs over the ledger's current nonce, as with an
// ERC-2612 permit.
func (g *Gate) deposit(ctx context.Context, p *request.UseCaseDepositRequest) (*Result, error) {
	owner := p.OwnerAddress()
	nonce, err := g.cfg.Ledger.PermitNonce(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load permit nonce: %w", err)
	}
	permit := ledger.Permit{
		Owner:    owner,
		Spender:  g.cfg.Ledger.Address(),
		Value:    p.AmountInt(),
		Nonce:    nonce,
		Deadline: p.Deadline,
		V:        p.PermitV,
	}
	sig := p.Signature()
	copy(permit.R[:], sig[:32])
	copy(permit.S[:], sig[32:64])

	r, err := g.cfg.Ledger.DepositRewardsWithPermit(ctx, g.cfg.Caller, p.UseCaseID, permit)
	if err != nil {
		return nil, err
	}
	return receiptResult(r), nil
}

func (g *Gate) enqueue(ctx context.Context, p *request.DistributionBatchRequest) (*Result, error) {
	if g.cfg.Publisher == nil {
		return nil, fmt.Errorf("%w: distribution batches are not enabled", ErrForbidden)
	}
	m := &message.Message{ContractID: p.ContractID, Distribution: p.Distribution}
	id, err := g.cfg.Publisher.Publish(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to publish distribution: %w", err)
	}
	g.log.Info("authz: distribution enqueued", "contract", p.ContractID, "entries", len(p.Distribution), "message_id", id, "nonce", m.Metadata.Nonce)
	meta := m.Metadata
	return &Result{TransactionID: id, MessageID: id, Metadata: &meta}, nil
}

func receiptResult(r *ledger.Receipt) *Result {
	return &Result{TransactionID: r.TransactionID, Duplicate: r.Duplicate, Receipt: r}
}

// OperationID is the ledger idempotency key of a signed request:
// signerId:nonce, or signerId:op:<operationId> when the payload names one.
// Without an operationId, a client whose request timed out must query the
// ledger before re-signing, since the new nonce is a new operation.
func OperationID(req *request.SignedRequest) string {
	if p, ok := req.Payload.(*request.TokenRewardRequest); ok && p.OperationID != "" {
		return fmt.Sprintf("%s:op:%s", req.SignerID, p.OperationID)
	}
	return fmt.Sprintf("%s:%d", req.SignerID, req.Nonce)
}
