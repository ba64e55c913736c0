// Package client builds SignedRequests on behalf of a registered signer.
package client

import (
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

type Config struct {
	SignerID string
	Signer   scheme.Signer
	Nonces   NonceSource
	Clock    clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.SignerID == "" {
		return errors.New("signer id is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Nonces == nil {
		return errors.New("nonce source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Signer struct {
	cfg Config
}

func New(cfg Config) (*Signer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Signer{cfg: cfg}, nil
}

func (s *Signer) Scheme() scheme.Scheme {
	return s.cfg.Signer.Scheme()
}

// Sign validates the payload, assigns the next nonce and the current time, and
// signs the canonical encoding.
func (s *Signer) Sign(payload request.Payload) (*request.SignedRequest, error) {
	if payload == nil {
		return nil, errors.New("payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	nonce, err := s.cfg.Nonces.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate nonce: %w", err)
	}

	req := &request.SignedRequest{
		Payload:   payload,
		Nonce:     nonce,
		Timestamp: s.cfg.Clock.Now().UnixMilli(),
		SignerID:  s.cfg.SignerID,
	}
	msg, err := req.SigningBytes()
	if err != nil {
		return nil, err
	}
	req.Signature, err = s.cfg.Signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return req, nil
}
