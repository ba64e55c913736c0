package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/incentives/admin/internal/admin"
	"github.com/malbeclabs/incentives/gate/pkg/keystore"
	"github.com/malbeclabs/incentives/ledger/pkg/bootstrap"
	"github.com/malbeclabs/incentives/relay/pkg/broker"
	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/relay/pkg/relay"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	"github.com/malbeclabs/incentives/utils/pkg/logger"
	"github.com/malbeclabs/incentives/utils/pkg/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL and ledger configuration
	var ledgerCfg bootstrap.Config
	ledgerCfg.RegisterFlags(flag.CommandLine)

	// Redis configuration (for dead letters)
	redisAddrFlag := flag.String("redis-addr", "localhost:6379", "Redis address (or set REDIS_ADDR env var)")
	redisPasswordFlag := flag.String("redis-password", "", "Redis password (or set REDIS_PASSWORD env var)")
	streamFlag := flag.String("stream", broker.DefaultStream, "Redis stream carrying distribution messages")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the most recent PostgreSQL migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	registerKeyFlag := flag.Bool("register-key", false, "Register (or rotate) a signer key")
	revokeKeyFlag := flag.Bool("revoke-key", false, "Revoke a signer key")
	listKeysFlag := flag.Bool("list-keys", false, "List registered signer keys")
	signFlag := flag.Bool("sign", false, "Sign a request payload read from --payload-file (or stdin) and print the request body")
	listDeadLettersFlag := flag.Bool("list-dead-letters", false, "List messages on the dead letter stream")
	redriveFlag := flag.Bool("redrive-dead-letters", false, "Reseal and republish dead-lettered distribution messages")
	mintFlag := flag.Bool("mint", false, "Mint tokens to an address")
	createUseCaseFlag := flag.Bool("create-use-case", false, "Create a use case owned by --caller, optionally with --participants and --shares")
	updateSharesFlag := flag.Bool("update-shares", false, "Set the reward shares of --participants to --shares")
	addFixedRewardsFlag := flag.Bool("add-fixed-rewards", false, "Add fixed rewards --amounts to --participants")
	setEventRewardsFlag := flag.Bool("set-event-rewards", false, "Set the base reward of each of --events to --amounts")
	addNotifierFlag := flag.Bool("add-notifier", false, "Allow --address to notify events on the use case")
	depositFlag := flag.Bool("deposit", false, "Deposit --amount from --caller into the use case pool")
	lockRewardsFlag := flag.Bool("lock-rewards", false, "Lock the use case and allocate shares for --lockup")
	claimFlag := flag.Bool("claim", false, "Claim the unlocked rewards of --caller")
	rejectFlag := flag.Bool("reject", false, "Reject the records at --indices of --participants")
	emergencyWithdrawFlag := flag.Bool("emergency-withdraw", false, "Return the remaining pool to the owner and reject pending records")
	transferOwnershipFlag := flag.Bool("transfer-ownership", false, "Transfer the use case to --address")
	useCaseInfoFlag := flag.Bool("use-case-info", false, "Show a use case summary")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Key options
	signerIDFlag := flag.String("signer-id", "", "Signer id")
	schemeFlag := flag.String("scheme", string(scheme.Ed25519), "Signature scheme: hmac-sha256, ed25519 or secp256k1")
	publicKeyFlag := flag.String("public-key", "", "Public key to register; a key pair is generated when empty")
	permissionsFlag := flag.StringSlice("permissions", nil, "Permissions to grant: DISTRIBUTE, DEPOSIT, ENQUEUE")

	// Sign options
	secretFlag := flag.String("secret", "", "Signing secret (or set INCENTIVES_SIGNER_SECRET env var)")
	kindFlag := flag.String("kind", string(request.KindTokenReward), "Request kind: token_reward, use_case_deposit or distribution_batch")
	payloadFileFlag := flag.String("payload-file", "", "File holding the payload JSON; stdin when empty")
	nonceFileFlag := flag.String("nonce-file", "", "File tracking the last nonce used by this signer (default ~/.incentives/<signer-id>.nonce)")

	// Dead letter options
	queueSchemeFlag := flag.String("queue-scheme", string(scheme.Ed25519), "Scheme of the queue sealing key (or set INCENTIVES_QUEUE_SCHEME env var)")
	queueSecretFlag := flag.String("queue-secret", "", "Secret of the queue sealing key (or set INCENTIVES_QUEUE_SECRET env var)")
	queuePublicFlag := flag.String("queue-public", "", "Public part of the queue sealing key (or set INCENTIVES_QUEUE_PUBLIC env var)")
	codesFlag := flag.StringSlice("codes", relay.DefaultRedriveCodes, "Dead letter codes to redrive")
	limitFlag := flag.Int64("limit", 100, "Maximum number of dead letters to handle")

	// Mint options
	operatorFlag := flag.String("operator", "", "Operator address to mint as")
	toFlag := flag.String("to", "", "Recipient address")
	amountFlag := flag.String("amount", "", "Amount in base units")

	// Use case options
	useCaseFlag := flag.String("use-case", "", "Use case id")
	callerFlag := flag.String("caller", "", "Address acting on the use case: the owner, or the participant for --claim")
	participantsFlag := flag.StringSlice("participants", nil, "Participant addresses")
	sharesFlag := flag.StringSlice("shares", nil, "Reward shares in basis points, one per participant")
	amountsFlag := flag.StringSlice("amounts", nil, "Amounts in base units, one per participant or event")
	eventsFlag := flag.StringSlice("events", nil, "Event names")
	lockupFlag := flag.Duration("lockup", 24*time.Hour, "Lockup period for --lock-rewards")
	indicesFlag := flag.IntSlice("indices", nil, "Record indices for --reject, one per participant")
	addressFlag := flag.String("address", "", "Notifier or new owner address")

	flag.Parse()

	log := logger.New(*verboseFlag)
	ctx := context.Background()

	if err := ledgerCfg.ApplyEnv(); err != nil {
		return err
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddrFlag = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		*redisPasswordFlag = v
	}
	if v := os.Getenv("INCENTIVES_SIGNER_SECRET"); v != "" {
		*secretFlag = v
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

	// Execute commands
	if *pgMigrateFlag {
		return admin.PgMigrateUp(ctx, log, ledgerCfg.Postgres)
	}
	if *pgMigrateDownFlag {
		return admin.PgMigrateDown(ctx, log, ledgerCfg.Postgres, *yesFlag)
	}
	if *pgMigrateStatusFlag {
		return admin.PgMigrateStatus(ctx, log, ledgerCfg.Postgres)
	}

	if *registerKeyFlag || *revokeKeyFlag || *listKeysFlag {
		pool, err := postgres.NewPool(ctx, log, ledgerCfg.Postgres)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := keystore.NewPostgres(pool)

		switch {
		case *listKeysFlag:
			return admin.ListKeys(ctx, store, os.Stdout)
		case *revokeKeyFlag:
			if *signerIDFlag == "" {
				return fmt.Errorf("--signer-id is required for --revoke-key")
			}
			return admin.RevokeKey(ctx, log, store, *signerIDFlag, time.Now(), *yesFlag)
		default:
			if *signerIDFlag == "" {
				return fmt.Errorf("--signer-id is required for --register-key")
			}
			s, err := scheme.Parse(*schemeFlag)
			if err != nil {
				return err
			}
			rec, secret, err := admin.RegisterKey(ctx, log, store, time.Now(), admin.RegisterKeyConfig{
				SignerID:    *signerIDFlag,
				Scheme:      s,
				PublicKey:   *publicKeyFlag,
				Permissions: *permissionsFlag,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Registered signer %s (%s)\n  public: %s\n", rec.SignerID, rec.Scheme, rec.PublicKey)
			if secret != "" {
				fmt.Printf("  secret: %s\n\nStore the secret now; it is not kept anywhere.\n", secret)
			}
			return nil
		}
	}

	if *signFlag {
		if *signerIDFlag == "" {
			return fmt.Errorf("--signer-id is required for --sign")
		}
		s, err := scheme.Parse(*schemeFlag)
		if err != nil {
			return err
		}
		nonceFile := *nonceFileFlag
		if nonceFile == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("--nonce-file is required: %w", err)
			}
			nonceFile = fmt.Sprintf("%s/.incentives/%s.nonce", home, *signerIDFlag)
		}
		var payload []byte
		if *payloadFileFlag != "" {
			payload, err = os.ReadFile(*payloadFileFlag)
		} else {
			payload, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		body, err := admin.SignRequest(admin.SignConfig{
			SignerID:  *signerIDFlag,
			Scheme:    s,
			Secret:    *secretFlag,
			NonceFile: nonceFile,
			Kind:      request.Kind(*kindFlag),
		}, payload)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	}

	if *listDeadLettersFlag || *redriveFlag {
		b, err := broker.Connect(ctx, broker.Config{
			Logger:          log,
			Addr:            *redisAddrFlag,
			Password:        *redisPasswordFlag,
			Stream:          *streamFlag,
			Consumer:        "admin",
			ConnectAttempts: 1,
		})
		if err != nil {
			return err
		}
		defer b.Close()

		if *listDeadLettersFlag {
			return admin.ListDeadLetters(ctx, b, *limitFlag, os.Stdout)
		}

		qs, err := scheme.Parse(*queueSchemeFlag)
		if err != nil {
			return err
		}
		signer, err := scheme.NewSigner(qs, *queueSecretFlag)
		if err != nil {
			return fmt.Errorf("invalid queue secret: %w", err)
		}
		sv, err := scheme.NewVerifier(qs, qs, *queuePublicFlag)
		if err != nil {
			return fmt.Errorf("invalid queue public key: %w", err)
		}
		verifier, err := message.NewVerifier(message.VerifierConfig{Verifier: sv})
		if err != nil {
			return err
		}
		pub, err := relay.NewPublisher(relay.PublisherConfig{Logger: log, Signer: signer, Queue: b})
		if err != nil {
			return err
		}
		return admin.RedriveDeadLetters(ctx, log, pub, b, verifier, admin.RedriveConfig{
			Codes:       *codesFlag,
			Limit:       *limitFlag,
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
		})
	}

	if *mintFlag {
		operator, err := bootstrap.ParseAddress("--operator", *operatorFlag)
		if err != nil {
			return err
		}
		to, err := bootstrap.ParseAddress("--to", *toFlag)
		if err != nil {
			return err
		}
		env, err := bootstrap.Open(ctx, log, ledgerCfg)
		if err != nil {
			return err
		}
		defer env.Close()
		return admin.Mint(ctx, log, env.Ledger, operator, to, *amountFlag)
	}

	if *createUseCaseFlag || *updateSharesFlag || *addFixedRewardsFlag || *setEventRewardsFlag || *addNotifierFlag ||
		*depositFlag || *lockRewardsFlag || *claimFlag || *rejectFlag || *emergencyWithdrawFlag || *transferOwnershipFlag || *useCaseInfoFlag {
		if *useCaseFlag == "" {
			return fmt.Errorf("--use-case is required")
		}
		var caller common.Address
		if !*useCaseInfoFlag {
			var err error
			if caller, err = bootstrap.ParseAddress("--caller", *callerFlag); err != nil {
				return err
			}
		}
		env, err := bootstrap.Open(ctx, log, ledgerCfg)
		if err != nil {
			return err
		}
		defer env.Close()
		l, id := env.Ledger, *useCaseFlag

		switch {
		case *useCaseInfoFlag:
			return admin.ShowUseCase(ctx, l, id, os.Stdout)
		case *createUseCaseFlag:
			return admin.CreateUseCase(ctx, log, l, caller, id, *participantsFlag, *sharesFlag)
		case *updateSharesFlag:
			return admin.UpdateShares(ctx, log, l, caller, id, *participantsFlag, *sharesFlag)
		case *addFixedRewardsFlag:
			return admin.AddFixedRewards(ctx, log, l, caller, id, *participantsFlag, *amountsFlag)
		case *setEventRewardsFlag:
			return admin.SetEventRewards(ctx, log, l, caller, id, *eventsFlag, *amountsFlag)
		case *depositFlag:
			return admin.Deposit(ctx, log, l, caller, id, *amountFlag)
		case *lockRewardsFlag:
			return admin.LockRewards(ctx, log, l, caller, id, *lockupFlag)
		case *claimFlag:
			return admin.Claim(ctx, log, l, caller, id)
		case *rejectFlag:
			return admin.RejectRewards(ctx, log, l, caller, id, *participantsFlag, *indicesFlag)
		case *emergencyWithdrawFlag:
			return admin.EmergencyWithdraw(ctx, log, l, caller, id, *yesFlag)
		default:
			addr, err := bootstrap.ParseAddress("--address", *addressFlag)
			if err != nil {
				return err
			}
			if *addNotifierFlag {
				return admin.AddNotifier(ctx, log, l, caller, id, addr)
			}
			return admin.TransferOwnership(ctx, log, l, caller, id, addr)
		}
	}

	flag.Usage()
	return nil
}
