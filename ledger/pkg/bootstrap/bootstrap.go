// Package bootstrap builds the reward ledger a binary runs against from flags
// and environment variables.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/ledger/pkg/pgstore"
	"github.com/malbeclabs/incentives/utils/pkg/postgres"
	flag "github.com/spf13/pflag"
)

type Config struct {
	// Memory selects the in-memory store. State is lost on exit.
	Memory   bool
	Migrate  bool
	Postgres postgres.Config

	Address    string
	ChainID    int64
	TokenName  string
	Notifiers  []string
	Operators  []string
	MaxMembers int
}

// RegisterFlags adds the ledger flags to fs.
func (cfg *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&cfg.Memory, "memory", false, "Use the in-memory ledger store instead of PostgreSQL (or set INCENTIVES_MEMORY=true)")
	fs.BoolVar(&cfg.Migrate, "migrate", false, "Apply PostgreSQL migrations on startup (or set POSTGRES_RUN_MIGRATIONS=true)")
	fs.StringVar(&cfg.Postgres.Host, "postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	fs.StringVar(&cfg.Postgres.Port, "postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	fs.StringVar(&cfg.Postgres.Database, "postgres-db", "incentives", "PostgreSQL database (or set POSTGRES_DB env var)")
	fs.StringVar(&cfg.Postgres.Username, "postgres-user", "incentives", "PostgreSQL username (or set POSTGRES_USER env var)")
	fs.StringVar(&cfg.Postgres.Password, "postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	fs.StringVar(&cfg.Address, "ledger-address", "", "Escrow address of the ledger and permit spender (or set INCENTIVES_LEDGER_ADDRESS env var)")
	fs.Int64Var(&cfg.ChainID, "chain-id", 1, "Chain id of the permit domain (or set INCENTIVES_CHAIN_ID env var)")
	fs.StringVar(&cfg.TokenName, "token-name", "", "Token name of the permit domain (or set INCENTIVES_TOKEN_NAME env var)")
	fs.StringSliceVar(&cfg.Notifiers, "notifiers", nil, "Addresses allowed to notify events on every use case (or set INCENTIVES_NOTIFIERS, comma separated)")
	fs.StringSliceVar(&cfg.Operators, "operators", nil, "Addresses allowed to mint (or set INCENTIVES_OPERATORS, comma separated)")
	fs.IntVar(&cfg.MaxMembers, "max-participants", ledger.DefaultMaxParticipants, "Maximum participants per use case")
}

// ApplyEnv overrides flag values with environment variables that are set.
func (cfg *Config) ApplyEnv() error {
	cfg.Postgres = postgres.ConfigFromEnv(cfg.Postgres)
	if os.Getenv("INCENTIVES_MEMORY") == "true" {
		cfg.Memory = true
	}
	if os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true" {
		cfg.Migrate = true
	}
	if v := os.Getenv("INCENTIVES_LEDGER_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("INCENTIVES_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INCENTIVES_CHAIN_ID: %w", err)
		}
		cfg.ChainID = id
	}
	if v := os.Getenv("INCENTIVES_TOKEN_NAME"); v != "" {
		cfg.TokenName = v
	}
	if v := os.Getenv("INCENTIVES_NOTIFIERS"); v != "" {
		cfg.Notifiers = splitList(v)
	}
	if v := os.Getenv("INCENTIVES_OPERATORS"); v != "" {
		cfg.Operators = splitList(v)
	}
	return nil
}

// Env is an opened ledger. Pool is nil for the in-memory store.
type Env struct {
	Ledger *ledger.Ledger
	Pool   *pgxpool.Pool
}

func (e *Env) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// Open connects the configured store, migrating it if asked, and builds the
// ledger on top.
func Open(ctx context.Context, log *slog.Logger, cfg Config) (*Env, error) {
	addr, err := ParseAddress("ledger address", cfg.Address)
	if err != nil {
		return nil, err
	}
	notifiers, err := ParseAddresses("notifier", cfg.Notifiers)
	if err != nil {
		return nil, err
	}
	operators, err := ParseAddresses("operator", cfg.Operators)
	if err != nil {
		return nil, err
	}

	env := &Env{}
	var store ledger.Store
	if cfg.Memory {
		log.Warn("ledger: using in-memory store, state will not survive a restart")
		store = ledger.NewMemoryStore()
	} else {
		if cfg.Migrate {
			if err := cfg.Postgres.Validate(); err != nil {
				return nil, err
			}
			if err := postgres.MigrateUp(ctx, log, cfg.Postgres.ConnString()); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, log, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		env.Pool = pool
		store = pgstore.New(log, pool)
	}

	l, err := ledger.New(ledger.Config{
		Logger:          log,
		Store:           store,
		Address:         addr,
		Domain:          ledger.PermitDomain{Name: cfg.TokenName, ChainID: cfg.ChainID},
		Notifiers:       notifiers,
		Operators:       operators,
		MaxParticipants: cfg.MaxMembers,
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	env.Ledger = l
	return env, nil
}

func ParseAddress(what, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s is required", what)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s %q", what, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, errors.New(what + " must not be the zero address")
	}
	return addr, nil
}

func ParseAddresses(what string, in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		addr, err := ParseAddress(what, s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
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
