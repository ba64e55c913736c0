package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/relay/pkg/broker"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/relay/pkg/metrics"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

// DefaultRedriveCodes are the dead letter codes worth resealing. Messages
// that failed their hash or signature check are never resealed.
var DefaultRedriveCodes = []string{"stale", CodeRejected}

type Queue interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

type DeadLetterStore interface {
	DeadLetters(ctx context.Context, count int64) ([]broker.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, id string) error
}

type PublisherConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Signer scheme.Signer
	Queue  Queue
}

func (cfg *PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Queue == nil {
		return errors.New("queue is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Publisher seals distribution messages and puts them on the queue.
type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

// Publish seals m in place and enqueues it, returning the queue entry id.
func (p *Publisher) Publish(ctx context.Context, m *message.Message) (string, error) {
	if err := message.Seal(m, p.cfg.Signer, p.cfg.Clock); err != nil {
		return "", err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	id, err := p.cfg.Queue.Publish(ctx, body)
	if err != nil {
		return "", err
	}
	p.log.Debug("relay: message published", "message_id", id, "nonce", m.Metadata.Nonce, "entries", len(m.Distribution))
	return id, nil
}

type RedriveResult struct {
	Redriven int
	Skipped  int
}

// Redrive reseals up to limit dead letters whose code is in codes and whose
// hash and signature still verify, publishes them again and removes them
// from the dead letter stream. Resealing keeps the nonce, so entries applied
// before the failure are not applied twice.
func (p *Publisher) Redrive(ctx context.Context, store DeadLetterStore, v *message.Verifier, codes []string, limit int64) (*RedriveResult, error) {
	if len(codes) == 0 {
		codes = DefaultRedriveCodes
	}
	dead, err := store.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	res := &RedriveResult{}
	for _, dl := range dead {
		if !slices.Contains(codes, dl.Code) {
			res.Skipped++
			continue
		}
		m, err := v.Authentic(dl.Body)
		if err != nil {
			p.log.Warn("relay: dead letter failed verification, not redriving", "id", dl.ID, "code", dl.Code, "error", err)
			res.Skipped++
			continue
		}
		id, err := p.Publish(ctx, m)
		if err != nil {
			return res, fmt.Errorf("failed to republish dead letter %s: %w", dl.ID, err)
		}
		if err := store.RemoveDeadLetter(ctx, dl.ID); err != nil {
			return res, err
		}
		res.Redriven++
		metrics.RedrivenTotal.Inc()
		p.log.Info("relay: dead letter redriven", "id", dl.ID, "code", dl.Code, "message_id", id, "nonce", m.Metadata.Nonce)
	}
	return res, nil
}
