package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/incentives/ledger/pkg/bootstrap"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
)

// CreateUseCase creates a use case owned by owner, optionally with initial
// participants and their shares in basis points.
func CreateUseCase(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, participants, shares []string) error {
	addrs, bps, err := parseShares(participants, shares)
	if err != nil {
		return err
	}
	r, err := l.CreateUseCaseWithParticipants(ctx, owner, id, addrs, bps)
	if err != nil {
		return fmt.Errorf("failed to create use case: %w", err)
	}
	log.Info("admin: use case created", "use_case", id, "owner", owner.Hex(), "participants", len(addrs), "tx", r.TransactionID)
	return nil
}

// UpdateShares sets the shares of the listed participants, adding any that
// are new. The total may not exceed 10000 bps.
func UpdateShares(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, participants, shares []string) error {
	addrs, bps, err := parseShares(participants, shares)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.New("at least one participant is required")
	}
	r, err := l.UpdateRewardShares(ctx, owner, id, addrs, bps)
	if err != nil {
		return fmt.Errorf("failed to update shares: %w", err)
	}
	total, err := l.TotalRewardShares(ctx, id)
	if err != nil {
		return err
	}
	log.Info("admin: reward shares updated", "use_case", id, "participants", len(addrs), "total_bps", total, "tx", r.TransactionID)
	return nil
}

func AddFixedRewards(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, participants, amounts []string) error {
	if len(participants) != len(amounts) {
		return fmt.Errorf("got %d participants and %d amounts", len(participants), len(amounts))
	}
	addrs, err := bootstrap.ParseAddresses("participant", participants)
	if err != nil {
		return err
	}
	values, err := parseAmounts(amounts)
	if err != nil {
		return err
	}
	r, err := l.AddFixedRewards(ctx, owner, id, addrs, values)
	if err != nil {
		return fmt.Errorf("failed to add fixed rewards: %w", err)
	}
	log.Info("admin: fixed rewards added", "use_case", id, "participants", len(addrs), "tx", r.TransactionID)
	return nil
}

func SetEventRewards(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, events, amounts []string) error {
	if len(events) == 0 || len(events) != len(amounts) {
		return fmt.Errorf("got %d events and %d base rewards", len(events), len(amounts))
	}
	values, err := parseAmounts(amounts)
	if err != nil {
		return err
	}
	r, err := l.SetEventRewards(ctx, owner, id, events, values)
	if err != nil {
		return fmt.Errorf("failed to set event rewards: %w", err)
	}
	log.Info("admin: event rewards set", "use_case", id, "events", strings.Join(events, ","), "tx", r.TransactionID)
	return nil
}

// AddNotifier lets notifier report events for the use case, which is how
// the gate and relay callers are authorized on it.
func AddNotifier(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, notifier common.Address) error {
	r, err := l.AddNotifier(ctx, owner, id, notifier)
	if err != nil {
		return fmt.Errorf("failed to add notifier: %w", err)
	}
	log.Info("admin: notifier added", "use_case", id, "notifier", notifier.Hex(), "tx", r.TransactionID)
	return nil
}

// Deposit approves the ledger for amount and moves it from owner into the
// use case pool.
func Deposit(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id, amount string) error {
	v, err := parseAmount(amount)
	if err != nil {
		return err
	}
	if _, err := l.Approve(ctx, owner, l.Address(), v); err != nil {
		return fmt.Errorf("failed to approve deposit: %w", err)
	}
	r, err := l.DepositRewards(ctx, owner, id, v)
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	log.Info("admin: rewards deposited", "use_case", id, "from", owner.Hex(), "amount", v.String(), "tx", r.TransactionID)
	return nil
}

func LockRewards(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, lockup time.Duration) error {
	r, err := l.LockRewards(ctx, owner, id, lockup)
	if err != nil {
		return fmt.Errorf("failed to lock rewards: %w", err)
	}
	log.Info("admin: rewards locked", "use_case", id, "lockup", lockup, "allocated", r.Amount.String(), "tx", r.TransactionID)
	return nil
}

// Claim pays participant its unlocked pending records.
func Claim(ctx context.Context, log *slog.Logger, l *ledger.Ledger, participant common.Address, id string) error {
	r, err := l.ClaimRewards(ctx, participant, id)
	if err != nil {
		return fmt.Errorf("failed to claim: %w", err)
	}
	log.Info("admin: rewards claimed", "use_case", id, "participant", participant.Hex(), "amount", r.Amount.String(), "tx", r.TransactionID)
	return nil
}

// RejectRewards rejects the records at indices, one per participant. Either
// all are rejected or none.
func RejectRewards(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, participants []string, indices []int) error {
	addrs, err := bootstrap.ParseAddresses("participant", participants)
	if err != nil {
		return err
	}
	if len(addrs) == 0 || len(addrs) != len(indices) {
		return fmt.Errorf("got %d participants and %d indices", len(addrs), len(indices))
	}
	r, err := l.BatchRejectRewards(ctx, owner, id, addrs, indices)
	if err != nil {
		return fmt.Errorf("failed to reject rewards: %w", err)
	}
	log.Info("admin: rewards rejected", "use_case", id, "records", len(addrs), "amount", r.Amount.String(), "tx", r.TransactionID)
	return nil
}

func EmergencyWithdraw(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, skipConfirm bool) error {
	info, err := l.GetUseCaseInfo(ctx, id)
	if err != nil {
		return err
	}
	if !skipConfirm {
		prompt := fmt.Sprintf("This returns %s from use case %s to %s and rejects every pending record.", info.RemainingRewardPool, id, owner.Hex())
		ok, err := confirm(stdin, stdout, prompt)
		if err != nil || !ok {
			return err
		}
	}
	r, err := l.EmergencyWithdraw(ctx, owner, id)
	if err != nil {
		return fmt.Errorf("failed to withdraw: %w", err)
	}
	log.Warn("admin: emergency withdraw", "use_case", id, "owner", owner.Hex(), "amount", r.Amount.String(), "tx", r.TransactionID)
	return nil
}

func TransferOwnership(ctx context.Context, log *slog.Logger, l *ledger.Ledger, owner common.Address, id string, newOwner common.Address) error {
	r, err := l.TransferUseCaseOwnership(ctx, owner, id, newOwner)
	if err != nil {
		return fmt.Errorf("failed to transfer ownership: %w", err)
	}
	log.Info("admin: use case ownership transferred", "use_case", id, "from", owner.Hex(), "to", newOwner.Hex(), "tx", r.TransactionID)
	return nil
}

// ShowUseCase writes the use case summary to out.
func ShowUseCase(ctx context.Context, l *ledger.Ledger, id string, out io.Writer) error {
	info, err := l.GetUseCaseInfo(ctx, id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", info.ID)
	fmt.Fprintf(w, "OWNER\t%s\n", info.Owner.Hex())
	fmt.Fprintf(w, "STATE\t%s\n", info.State)
	fmt.Fprintf(w, "POOL\t%s / %s\n", info.RemainingRewardPool, info.TotalRewardPool)
	fmt.Fprintf(w, "RESERVED\t%s\n", info.ReservedRewards)
	fmt.Fprintf(w, "SHARES\t%d bps, %d participants\n", info.TotalRewardShares, info.ParticipantCount)
	fmt.Fprintf(w, "RECORDS\t%d\n", info.RecordCount)
	if info.UnlockTime != nil {
		fmt.Fprintf(w, "UNLOCKS\t%s\n", info.UnlockTime.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func parseShares(participants, shares []string) ([]common.Address, []uint32, error) {
	if len(participants) != len(shares) {
		return nil, nil, fmt.Errorf("got %d participants and %d shares", len(participants), len(shares))
	}
	addrs, err := bootstrap.ParseAddresses("participant", participants)
	if err != nil {
		return nil, nil, err
	}
	bps := make([]uint32, 0, len(shares))
	for _, s := range shares {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil || v > ledger.BpsDenominator {
			return nil, nil, fmt.Errorf("invalid share %q: must be 0-%d bps", s, ledger.BpsDenominator)
		}
		bps = append(bps, uint32(v))
	}
	return addrs, bps, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func parseAmounts(in []string) ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(in))
	for _, s := range in {
		v, err := parseAmount(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
