package admin

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/signing/pkg/client"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

type SignConfig struct {
	SignerID string
	Scheme   scheme.Scheme
	Secret   string
	// NonceFile records the last nonce used by this signer on this machine.
	NonceFile string
	Kind      request.Kind
	Clock     clockwork.Clock
}

// SignRequest signs a payload of the given kind and returns the request as
// the JSON body to POST to the gate.
func SignRequest(cfg SignConfig, payload []byte) ([]byte, error) {
	if cfg.NonceFile == "" {
		return nil, errors.New("nonce file is required")
	}
	p, err := request.DecodePayload(cfg.Kind, payload)
	if err != nil {
		return nil, err
	}
	signer, err := scheme.NewSigner(cfg.Scheme, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	c, err := client.New(client.Config{
		SignerID: cfg.SignerID,
		Signer:   signer,
		Nonces:   client.NewFileNonce(cfg.NonceFile),
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	req, err := c.Sign(p)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(req, "", "  ")
}
