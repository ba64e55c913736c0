// Package broker carries sealed distribution messages over a Redis stream
// consumed through a consumer group. Failed messages are moved to a dead
// letter stream.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/malbeclabs/incentives/utils/pkg/retry"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream            = "incentives:distribution"
	DefaultGroup             = "relay"
	DefaultBlockTimeout      = 5 * time.Second
	DefaultRedeliveryTimeout = time.Minute
	DefaultConnectAttempts   = 5
	DefaultConnectDelay      = 2 * time.Second

	fieldBody     = "body"
	fieldReason   = "reason"
	fieldCode     = "code"
	fieldSourceID = "source_id"
	fieldFailedAt = "failed_at"
)

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Password string
	DB       int

	Stream           string
	DeadLetterStream string
	Group            string
	Consumer         string

	// BlockTimeout bounds one XREADGROUP call.
	BlockTimeout time.Duration
	// RedeliveryTimeout is how long a delivered message may stay unacked
	// before another Receive claims it again.
	RedeliveryTimeout time.Duration

	ConnectAttempts int
	ConnectDelay    time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Addr == "" {
		return errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ":dead"
	}
	if cfg.DeadLetterStream == cfg.Stream {
		return errors.New("dead letter stream must differ from stream")
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "relay"
		}
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.RedeliveryTimeout <= 0 {
		cfg.RedeliveryTimeout = DefaultRedeliveryTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = DefaultConnectDelay
	}
	return nil
}

// Delivery is one message handed to a consumer. It stays pending until it is
// acked or nacked.
type Delivery struct {
	ID   string
	Body []byte
}

// DeadLetter is a message moved off the main stream after a failure.
type DeadLetter struct {
	ID       string
	SourceID string
	Body     []byte
	Reason   string
	Code     string
	FailedAt time.Time
}

type Broker struct {
	log    *slog.Logger
	cfg    Config
	client *redis.Client
}

// Connect dials Redis and makes sure the stream and consumer group exist.
// Failures are retried ConnectAttempts times, ConnectDelay apart.
func Connect(ctx context.Context, cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b := &Broker{log: cfg.Logger, cfg: cfg, client: client}

	rcfg := retry.FixedConfig(cfg.ConnectAttempts, cfg.ConnectDelay)
	rcfg.OnRetry = func(attempt int, backoff time.Duration, err error) {
		b.log.Warn("broker: connect failed, retrying", "addr", cfg.Addr, "attempt", attempt, "backoff", backoff, "error", err)
	}
	err := retry.Do(ctx, rcfg, func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		return b.ensureGroup(ctx)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	b.log.Info("broker: connected", "addr", cfg.Addr, "stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer)
	return b, nil
}

func (b *Broker) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (b *Broker) Stream() string { return b.cfg.Stream }

// Publish appends body to the stream and returns its entry id.
func (b *Broker) Publish(ctx context.Context, body []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{fieldBody: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return id, nil
}

// Receive returns up to count messages. Messages left unacked for longer
// than RedeliveryTimeout are claimed first; otherwise it blocks for new ones
// up to BlockTimeout. An empty result is not an error.
func (b *Broker) Receive(ctx context.Context, count int) ([]Delivery, error) {
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.RedeliveryTimeout,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim pending messages: %w", err)
	}
	if len(claimed) > 0 {
		b.log.Debug("broker: reclaimed pending messages", "count", len(claimed))
		return deliveries(claimed), nil
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    b.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	var out []Delivery
	for _, s := range streams {
		out = append(out, deliveries(s.Messages)...)
	}
	return out, nil
}

func deliveries(msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Delivery{ID: m.ID, Body: []byte(stringField(m.Values, fieldBody))})
	}
	return out
}

func (b *Broker) Ack(ctx context.Context, id string) error {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", id, err)
	}
	return nil
}

// Touch resets the idle time of a pending message so that Receive does not
// hand it to another worker while it is still being processed.
func (b *Broker) Touch(ctx context.Context, id string) error {
	err := b.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Messages: []string{id},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to touch message %s: %w", id, err)
	}
	return nil
}

// Nack moves d to the dead letter stream and acks it on the main stream in
// one transaction.
func (b *Broker) Nack(ctx context.Context, d Delivery, code, reason string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.cfg.DeadLetterStream,
			Values: map[string]any{
				fieldBody:     string(d.Body),
				fieldCode:     code,
				fieldReason:   reason,
				fieldSourceID: d.ID,
				fieldFailedAt: time.Now().UTC().Format(time.RFC3339),
			},
		})
		pipe.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", d.ID, err)
	}
	return nil
}

// DeadLetters returns up to count dead letters, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := b.client.XRangeN(ctx, b.cfg.DeadLetterStream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl := DeadLetter{
			ID:       m.ID,
			SourceID: stringField(m.Values, fieldSourceID),
			Body:     []byte(stringField(m.Values, fieldBody)),
			Reason:   stringField(m.Values, fieldReason),
			Code:     stringField(m.Values, fieldCode),
		}
		if ts, err := time.Parse(time.RFC3339, stringField(m.Values, fieldFailedAt)); err == nil {
			dl.FailedAt = ts
		}
		out = append(out, dl)
	}
	return out, nil
}

func (b *Broker) RemoveDeadLetter(ctx context.Context, id string) error {
	if err := b.client.XDel(ctx, b.cfg.DeadLetterStream, id).Err(); err != nil {
		return fmt.Errorf("failed to remove dead letter %s: %w", id, err)
	}
	return nil
}

// Pending returns the number of delivered but unacked messages.
func (b *Broker) Pending(ctx context.Context) (int64, error) {
	p, err := b.client.XPending(ctx, b.cfg.Stream, b.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending count: %w", err)
	}
	return p.Count, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
