// Package relay consumes sealed distribution messages and applies them to the
// reward ledger one entry at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/relay/pkg/alert"
	"github.com/malbeclabs/incentives/relay/pkg/broker"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/relay/pkg/metrics"
	"github.com/malbeclabs/incentives/utils/pkg/errreport"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers            = 1
	DefaultBatchSize          = 10
	DefaultSubmitTimeout      = 30 * time.Second
	DefaultRetryDelay         = time.Second
	DefaultMaxReceiveFailures = 10
	DefaultAlertTimeout       = 10 * time.Second

	// CodeRejected marks messages dead-lettered because the ledger refused an
	// entry.
	CodeRejected = "rejected"
)

type Broker interface {
	Receive(ctx context.Context, count int) ([]broker.Delivery, error)
	Ack(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	Nack(ctx context.Context, d broker.Delivery, code, reason string) error
}

type Ledger interface {
	Distribute(ctx context.Context, caller common.Address, in ledger.DistributeInput) (*ledger.Receipt, error)
}

type Alerter interface {
	Notify(ctx context.Context, a alert.Alert) error
}

// FatalError stops the relay process. It is returned once the broker has
// been unreachable for too long to keep retrying.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "relay: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Broker   Broker
	Ledger   Ledger
	Verifier *message.Verifier

	// Caller is the address distributions are submitted as. It must be a
	// notifier of every use case the relay serves.
	Caller common.Address

	// Alerter is told about every dead-lettered message. Optional.
	Alerter      Alerter
	AlertTimeout time.Duration

	Workers            int
	BatchSize          int
	SubmitTimeout      time.Duration
	RetryDelay         time.Duration
	MaxReceiveFailures int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Broker == nil {
		return errors.New("broker is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Verifier == nil {
		return errors.New("verifier is required")
	}
	if cfg.Caller == (common.Address{}) {
		return errors.New("caller address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxReceiveFailures <= 0 {
		cfg.MaxReceiveFailures = DefaultMaxReceiveFailures
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = DefaultAlertTimeout
	}
	return nil
}

// Outcome is what happened to one delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRetry        Outcome = "retry"
)

type Consumer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Consumer{log: cfg.Logger, cfg: cfg}, nil
}

// Run consumes until ctx is done. It returns a FatalError if the broker
// keeps failing.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("relay: consumer started", "workers", c.cfg.Workers, "caller", c.cfg.Caller.Hex())
	g, ctx := errgroup.WithContext(ctx)
	for i := range c.cfg.Workers {
		g.Go(func() error { return c.worker(ctx, i) })
	}
	err := g.Wait()
	c.log.Info("relay: consumer stopped")
	return err
}

func (c *Consumer) worker(ctx context.Context, id int) error {
	log := c.log.With("worker", id)
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := c.cfg.Broker.Receive(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			metrics.ReceiveErrorsTotal.Inc()
			if failures >= c.cfg.MaxReceiveFailures {
				return &FatalError{Err: fmt.Errorf("broker unavailable after %d attempts: %w", failures, err)}
			}
			log.Warn("relay: receive failed, retrying", "attempt", failures, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-c.cfg.Clock.After(c.cfg.RetryDelay):
			}
			continue
		}
		failures = 0
		for _, d := range deliveries {
			c.Process(ctx, d)
		}
	}
}

// Process verifies one delivery and submits its entries in order. The
// delivery is acked only after every entry is accepted. A message that fails
// verification or is refused by the ledger is dead-lettered. Any other
// failure leaves it pending for redelivery; entries already applied are
// skipped on the next attempt because their operation ids repeat.
func (c *Consumer) Process(ctx context.Context, d broker.Delivery) Outcome {
	start := c.cfg.Clock.Now()
	out := c.process(ctx, d)
	metrics.RecordMessage(string(out), c.cfg.Clock.Since(start))
	return out
}

func (c *Consumer) process(ctx context.Context, d broker.Delivery) Outcome {
	m, err := c.cfg.Verifier.Verify(d.Body)
	if err != nil {
		return c.deadLetter(ctx, d, nil, message.Code(err), err)
	}
	log := c.log.With("message_id", d.ID, "nonce", m.Metadata.Nonce, "contract", m.ContractID)

	total := new(big.Int)
	for i, e := range m.Distribution {
		if i > 0 {
			if err := c.cfg.Broker.Touch(ctx, d.ID); err != nil {
				log.Warn("relay: failed to extend message claim", "entry", i, "error", err)
			}
		}
		r, err := c.submit(ctx, m, i)
		if err != nil {
			if ledger.IsRejection(err) {
				metrics.RecordEntry("rejected")
				return c.deadLetter(ctx, d, m, CodeRejected, fmt.Errorf("entry %d (%s): %w", i, e.Provider, err))
			}
			metrics.RecordEntry("error")
			log.Warn("relay: entry not applied, leaving message for redelivery", "entry", i, "provider", e.Provider, "error", err)
			return OutcomeRetry
		}
		if r.Duplicate {
			metrics.RecordEntry("duplicate")
		} else {
			metrics.RecordEntry("success")
		}
		total.Add(total, e.PointsInt())
		log.Debug("relay: entry applied", "entry", i, "provider", e.Provider, "recipient", e.Recipient().Hex(), "points", e.Points.String(), "tx", r.TransactionID, "duplicate", r.Duplicate)
	}

	if err := c.cfg.Broker.Ack(ctx, d.ID); err != nil {
		log.Warn("relay: failed to ack message", "error", err)
		return OutcomeRetry
	}
	log.Info("relay: distribution applied", "entries", len(m.Distribution), "points", total.String())
	return OutcomeAcked
}

func (c *Consumer) submit(ctx context.Context, m *message.Message, i int) (*ledger.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()
	e := m.Distribution[i]
	return c.cfg.Ledger.Distribute(ctx, c.cfg.Caller, ledger.DistributeInput{
		UseCaseID:   m.ContractID,
		Recipient:   e.Recipient(),
		Amount:      e.PointsInt(),
		Source:      e.Provider,
		OperationID: EntryOperationID(m.Metadata.Nonce, i),
	})
}

func (c *Consumer) deadLetter(ctx context.Context, d broker.Delivery, m *message.Message, code string, cause error) Outcome {
	if err := c.cfg.Broker.Nack(ctx, d, code, cause.Error()); err != nil {
		c.log.Error("relay: failed to dead-letter message", "message_id", d.ID, "code", code, "error", err)
		return OutcomeRetry
	}
	metrics.RecordDeadLetter(code)
	c.log.Warn("relay: message dead-lettered", "message_id", d.ID, "code", code, "reason", cause)
	errreport.Capture(cause, map[string]string{"component": "relay", "code": code, "message_id": d.ID})
	c.notify(ctx, d, m, code, cause)
	return OutcomeDeadLettered
}

func (c *Consumer) notify(ctx context.Context, d broker.Delivery, m *message.Message, code string, cause error) {
	if c.cfg.Alerter == nil {
		return
	}
	a := alert.Alert{MessageID: d.ID, Code: code, Reason: cause.Error(), At: c.cfg.Clock.Now()}
	if m != nil {
		a.ContractID = m.ContractID
		a.Nonce = m.Metadata.Nonce
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AlertTimeout)
	defer cancel()
	if err := c.cfg.Alerter.Notify(ctx, a); err != nil {
		c.log.Warn("relay: failed to send dead letter alert", "message_id", d.ID, "error", err)
	}
}

// EntryOperationID is the ledger idempotency key of entry i of the message
// sealed with nonce.
func EntryOperationID(nonce string, i int) string {
	return fmt.Sprintf("relay:%s:%d", nonce, i)
}
