package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/incentives/gate/pkg/authz"
	"github.com/malbeclabs/incentives/gate/pkg/keystore"
	"github.com/malbeclabs/incentives/gate/pkg/metrics"
	"github.com/malbeclabs/incentives/gate/pkg/server"
	"github.com/malbeclabs/incentives/ledger/pkg/bootstrap"
	"github.com/malbeclabs/incentives/relay/pkg/broker"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/relay/pkg/relay"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	"github.com/malbeclabs/incentives/utils/pkg/errreport"
	"github.com/malbeclabs/incentives/utils/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	defaultListenAddr  = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment may be set another way.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for HTTP requests (or set INCENTIVES_LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")

	schemeFlag := flag.String("scheme", string(scheme.Ed25519), "Signature scheme accepted from clients: hmac-sha256, ed25519 or secp256k1 (or set INCENTIVES_SCHEME env var)")
	callerFlag := flag.String("caller", "", "Address the gate acts as on the ledger; must be a notifier (or set INCENTIVES_GATE_CALLER env var)")
	keysFileFlag := flag.String("keys-file", "", "JSON file of signer keys, used with --memory")
	maxAgeFlag := flag.Duration("max-age", authz.DefaultMaxAge, "Maximum age of a signed request")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set INCENTIVES_ALLOWED_ORIGINS, comma separated)")
	ipRateFlag := flag.Float64("ip-rate", 20, "Requests per second allowed per client IP (0 disables)")
	ipBurstFlag := flag.Int("ip-burst", 40, "Burst allowed per client IP")
	signerRateFlag := flag.Float64("signer-rate", 10, "Signed requests per second allowed per signer (0 disables)")
	signerBurstFlag := flag.Int("signer-burst", 20, "Burst allowed per signer")

	redisAddrFlag := flag.String("redis-addr", "", "Redis address for distribution batches; empty disables them (or set REDIS_ADDR env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")
	queueSchemeFlag := flag.String("queue-scheme", string(scheme.Ed25519), "Scheme of the queue sealing key (or set INCENTIVES_QUEUE_SCHEME env var)")
	queueSecretFlag := flag.String("queue-secret", "", "Secret of the queue sealing key (or set INCENTIVES_QUEUE_SECRET env var)")
	queuePublicFlag := flag.String("queue-public", "", "Public part of the queue sealing key, needed with --with-relay (or set INCENTIVES_QUEUE_PUBLIC env var)")
	withRelayFlag := flag.Bool("with-relay", false, "Also run the distribution relay consumer in this process")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for error reporting (or set SENTRY_DSN env var)")

	var ledgerCfg bootstrap.Config
	ledgerCfg.RegisterFlags(flag.CommandLine)

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("INCENTIVES_LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("INCENTIVES_SCHEME"); v != "" {
		*schemeFlag = v
	}
	if v := os.Getenv("INCENTIVES_GATE_CALLER"); v != "" {
		*callerFlag = v
	}
	if v := os.Getenv("INCENTIVES_ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = splitList(v)
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
	if v := os.Getenv("INCENTIVES_QUEUE_SECRET"); v != "" {
		*queueSecretFlag = v
	}
	if v := os.Getenv("INCENTIVES_QUEUE_PUBLIC"); v != "" {
		*queuePublicFlag = v
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
		ServerName:  "incentives-gate",
	})
	if err != nil {
		return err
	}
	defer flush()

	clientScheme, err := scheme.Parse(*schemeFlag)
	if err != nil {
		return err
	}
	caller, err := bootstrap.ParseAddress("gate caller", *callerFlag)
	if err != nil {
		return err
	}

	// Start metrics server
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

	env, err := bootstrap.Open(ctx, log, ledgerCfg)
	if err != nil {
		return err
	}
	defer env.Close()

	var (
		keys   keystore.KeyStore
		nonces keystore.NonceStore
	)
	if env.Pool != nil {
		keys = keystore.NewPostgres(env.Pool)
		nonces = keystore.NewPostgresNonces(env.Pool)
	} else {
		mem := keystore.NewMemory()
		if *keysFileFlag != "" {
			if mem, err = keystore.LoadMemory(*keysFileFlag); err != nil {
				return err
			}
		}
		keys = mem
		nonces = keystore.NewMemoryNonces()
	}

	var (
		publisher authz.Publisher
		consumer  *relay.Consumer
	)
	if *redisAddrFlag != "" {
		b, err := broker.Connect(ctx, broker.Config{
			Logger:   log,
			Addr:     *redisAddrFlag,
			Password: *redisPasswordFlag,
		})
		if err != nil {
			return &relay.FatalError{Err: err}
		}
		defer b.Close()

		queueScheme, err := scheme.Parse(*queueSchemeFlag)
		if err != nil {
			return err
		}
		signer, err := scheme.NewSigner(queueScheme, *queueSecretFlag)
		if err != nil {
			return fmt.Errorf("invalid queue key: %w", err)
		}
		p, err := relay.NewPublisher(relay.PublisherConfig{Logger: log, Signer: signer, Queue: b})
		if err != nil {
			return err
		}
		publisher = p

		if *withRelayFlag {
			if consumer, err = newConsumer(log, b, env, caller, queueScheme, *queuePublicFlag); err != nil {
				return err
			}
		}
	} else {
		log.Warn("gate: no redis address, distribution batches are disabled")
	}

	gate, err := authz.New(authz.Config{
		Logger:    log,
		Scheme:    clientScheme,
		Keys:      keys,
		Nonces:    nonces,
		Ledger:    env.Ledger,
		Publisher: publisher,
		Caller:    caller,
		MaxAge:    *maxAgeFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Gate:            gate,
		Ledger:          env.Ledger,
		AllowedOrigins:  *allowedOriginsFlag,
		IPRate:          rate.Limit(*ipRateFlag),
		IPBurst:         *ipBurstFlag,
		SignerRate:      rate.Limit(*signerRateFlag),
		SignerBurst:     *signerBurstFlag,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	log.Info("gate: starting", "version", version, "commit", commit, "scheme", clientScheme, "caller", caller.Hex(), "memory", ledgerCfg.Memory)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newConsumer(log *slog.Logger, b *broker.Broker, env *bootstrap.Env, caller common.Address, s scheme.Scheme, public string) (*relay.Consumer, error) {
	sv, err := scheme.NewVerifier(s, s, public)
	if err != nil {
		return nil, fmt.Errorf("invalid queue public key: %w", err)
	}
	verifier, err := message.NewVerifier(message.VerifierConfig{Verifier: sv})
	if err != nil {
		return nil, err
	}
	return relay.New(relay.Config{
		Logger:   log,
		Broker:   b,
		Ledger:   env.Ledger,
		Verifier: verifier,
		Caller:   caller,
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
