// Package alert posts dead letter notices to an operator Slack channel.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/incentives/utils/pkg/retry"
	"github.com/slack-go/slack"
)

// Alert describes a message that was moved to the dead letter stream.
type Alert struct {
	MessageID  string
	Code       string
	Reason     string
	ContractID string
	Nonce      string
	At         time.Time
}

type SlackConfig struct {
	Logger  *slog.Logger
	Token   string
	Channel string

	// APIURL overrides the Slack API base URL. It must end in a slash.
	APIURL string

	Retry retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Token == "" {
		return errors.New("slack token is required")
	}
	if cfg.Channel == "" {
		return errors.New("slack channel is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Slack struct {
	log     *slog.Logger
	api     *slack.Client
	channel string
	retry   retry.Config
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		log:     cfg.Logger,
		api:     slack.New(cfg.Token, opts...),
		channel: cfg.Channel,
		retry:   cfg.Retry,
	}, nil
}

// Notify posts a to the configured channel.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	text := fmt.Sprintf("Distribution message %s dead-lettered (%s)", a.MessageID, a.Code)
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks(a)...),
	}

	err := retry.Do(ctx, s.retry, func() error {
		_, _, err := s.api.PostMessageContext(ctx, s.channel, opts...)
		return err
	})
	if err != nil {
		// Missing scopes or an unknown channel are configuration issues.
		if strings.Contains(err.Error(), "missing_scope") || strings.Contains(err.Error(), "channel_not_found") {
			s.log.Error("alert: slack rejected the post, check the bot token scopes and channel", "channel", s.channel, "error", err)
		}
		return fmt.Errorf("failed to post slack alert: %w", err)
	}
	s.log.Debug("alert: posted dead letter notice", "channel", s.channel, "message_id", a.MessageID)
	return nil
}

func blocks(a Alert) []slack.Block {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, "Distribution dead-lettered", true, false),
	)
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Message*\n`"+a.MessageID+"`", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Code*\n`"+a.Code+"`", false, false),
	}
	if a.ContractID != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Contract*\n"+a.ContractID, false, false))
	}
	if a.Nonce != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Nonce*\n`"+a.Nonce+"`", false, false))
	}
	if !a.At.IsZero() {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*At*\n"+a.At.UTC().Format(time.RFC3339), false, false))
	}
	reason := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, "```"+truncate(a.Reason, 2500)+"```", false, false),
		nil, nil,
	)
	return []slack.Block{header, slack.NewSectionBlock(nil, fields, nil), reason}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
