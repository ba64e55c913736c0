package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/incentives/gate/pkg/authz"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"golang.org/x/time/rate"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultMaxBodyBytes      = 1 << 20
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Gate authorizes and executes signed requests.
type Gate interface {
	Handle(ctx context.Context, req *request.SignedRequest) (*authz.Result, error)
}

// Ledger is the read surface served over HTTP.
type Ledger interface {
	Ping(ctx context.Context) error
	GetUseCaseInfo(ctx context.Context, id string) (*ledger.UseCaseInfo, error)
	GetMultipleUseCaseInfo(ctx context.Context, ids []string) ([]*ledger.UseCaseInfo, error)
	GetParticipantInfo(ctx context.Context, id string, addr common.Address) (*ledger.ParticipantInfo, error)
	TotalRewardShares(ctx context.Context, id string) (uint32, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	ListTransfers(ctx context.Context, addr common.Address, start, end time.Time) ([]ledger.Transfer, error)
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Gate   Gate
	Ledger Ledger

	// AllowedOrigins for CORS. Empty disables cross-origin access.
	AllowedOrigins []string
	MaxBodyBytes   int64

	// IPRate limits every route per client IP. SignerRate limits signed
	// requests per signer id. Zero disables the limiter.
	IPRate      rate.Limit
	IPBurst     int
	SignerRate  rate.Limit
	SignerBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Gate == nil {
		return errors.New("gate is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.IPRate > 0 && cfg.IPBurst <= 0 {
		cfg.IPBurst = 1
	}
	if cfg.SignerRate > 0 && cfg.SignerBurst <= 0 {
		cfg.SignerBurst = 1
	}
	return nil
}
