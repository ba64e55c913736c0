package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/incentives/ledger/pkg/bootstrap"
	"github.com/malbeclabs/incentives/relay/pkg/alert"
	"github.com/malbeclabs/incentives/relay/pkg/broker"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/relay/pkg/metrics"
	"github.com/malbeclabs/incentives/relay/pkg/relay"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	"github.com/malbeclabs/incentives/utils/pkg/errreport"
	"github.com/malbeclabs/incentives/utils/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultMetricsAddr = "0.0.0.0:0"

func main() {
	if err := run(); err != nil {
		if relay.IsFatal(err) {
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")

	callerFlag := flag.String("caller", "", "Address distributions are submitted as; must be a notifier (or set INCENTIVES_RELAY_CALLER env var)")
	workersFlag := flag.Int("workers", relay.DefaultWorkers, "Number of concurrent consumers")
	batchSizeFlag := flag.Int("batch-size", relay.DefaultBatchSize, "Messages read from the stream per call")
	submitTimeoutFlag := flag.Duration("submit-timeout", relay.DefaultSubmitTimeout, "Timeout for one ledger submission")
	maxAgeFlag := flag.Duration("max-age", message.DefaultMaxAge, "Maximum age of a queue message")

	redisAddrFlag := flag.String("redis-addr", "localhost:6379", "Redis address (or set REDIS_ADDR env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")
	streamFlag := flag.String("stream", broker.DefaultStream, "Redis stream carrying distribution messages")
	groupFlag := flag.String("group", broker.DefaultGroup, "Consumer group name")
	redeliveryFlag := flag.Duration("redelivery-timeout", broker.DefaultRedeliveryTimeout, "Idle time after which an unacked message is delivered again")
	connectAttemptsFlag := flag.Int("connect-attempts", broker.DefaultConnectAttempts, "Attempts to reach Redis before giving up")
	connectDelayFlag := flag.Duration("connect-delay", broker.DefaultConnectDelay, "Delay between Redis connection attempts")
	queueSchemeFlag := flag.String("queue-scheme", string(scheme.Ed25519), "Scheme of the queue sealing key (or set INCENTIVES_QUEUE_SCHEME env var)")
	queuePublicFlag := flag.String("queue-public", "", "Public part of the queue sealing key (or set INCENTIVES_QUEUE_PUBLIC env var)")

	slackTokenFlag := flag.String("slack-token", "", "Slack bot token for dead letter alerts (or set SLACK_BOT_TOKEN env var)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel id for dead letter alerts; empty disables them (or set INCENTIVES_ALERT_CHANNEL env var)")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for error reporting (or set SENTRY_DSN env var)")

	var ledgerCfg bootstrap.Config
	ledgerCfg.RegisterFlags(flag.CommandLine)

	flag.Parse()

	log := logger.New(*verboseFlag)

	if v := os.Getenv("INCENTIVES_RELAY_CALLER"); v != "" {
		*callerFlag = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddrFlag = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		*redisPasswordFlag = v
	}
	if v := os.Getenv("INCENTIVES_QUEUE_SCHEME"); v != "" {
		*queueSchemeFlag = v
	}
	if v := os.Getenv("INCENTIVES_QUEUE_PUBLIC"); v != "" {
		*queuePublicFlag = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		*slackTokenFlag = v
	}
	if v := os.Getenv("INCENTIVES_ALERT_CHANNEL"); v != "" {
		*slackChannelFlag = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		*sentryDSNFlag = v
	}
	if err := ledgerCfg.ApplyEnv(); err != nil {
		return err
	}

	flush, err := errreport.Init(errreport.Config{
		DSN:         *sentryDSNFlag,
		Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		Release:     version,
		ServerName:  "incentives-relay",
	})
	if err != nil {
		return err
	}
	defer flush()

	caller, err := bootstrap.ParseAddress("relay caller", *callerFlag)
	if err != nil {
		return err
	}
	queueScheme, err := scheme.Parse(*queueSchemeFlag)
	if err != nil {
		return err
	}
	sv, err := scheme.NewVerifier(queueScheme, queueScheme, *queuePublicFlag)
	if err != nil {
		return fmt.Errorf("invalid queue public key: %w", err)
	}
	verifier, err := message.NewVerifier(message.VerifierConfig{Verifier: sv, MaxAge: *maxAgeFlag})
	if err != nil {
		return err
	}

	var alerter relay.Alerter
	if *slackChannelFlag != "" {
		s, err := alert.NewSlack(alert.SlackConfig{Logger: log, Token: *slackTokenFlag, Channel: *slackChannelFlag})
		if err != nil {
			return err
		}
		alerter = s
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := broker.Connect(ctx, broker.Config{
		Logger:            log,
		Addr:              *redisAddrFlag,
		Password:          *redisPasswordFlag,
		Stream:            *streamFlag,
		Group:             *groupFlag,
		RedeliveryTimeout: *redeliveryFlag,
		ConnectAttempts:   *connectAttemptsFlag,
		ConnectDelay:      *connectDelayFlag,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		errreport.Capture(err, map[string]string{"component": "relay"})
		return &relay.FatalError{Err: err}
	}
	defer b.Close()

	env, err := bootstrap.Open(ctx, log, ledgerCfg)
	if err != nil {
		return err
	}
	defer env.Close()

	consumer, err := relay.New(relay.Config{
		Logger:        log,
		Broker:        b,
		Ledger:        env.Ledger,
		Verifier:      verifier,
		Caller:        caller,
		Alerter:       alerter,
		Workers:       *workersFlag,
		BatchSize:     *batchSizeFlag,
		SubmitTimeout: *submitTimeoutFlag,
	})
	if err != nil {
		return err
	}

	log.Info("relay: starting", "version", version, "commit", commit, "stream", *streamFlag, "caller", caller.Hex())
	start := time.Now()
	err = consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		errreport.Capture(err, map[string]string{"component": "relay"})
		return err
	}
	log.Info("relay: shut down", "uptime", time.Since(start).Truncate(time.Second))
	return nil
}
