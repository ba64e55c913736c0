package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/incentives/relay/pkg/message"
	"github.com/malbeclabs/incentives/relay/pkg/relay"
)

// ListDeadLetters writes a table of up to limit dead letters to out.
func ListDeadLetters(ctx context.Context, store relay.DeadLetterStore, limit int64, out io.Writer) error {
	dead, err := store.DeadLetters(ctx, limit)
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		fmt.Fprintln(out, "No dead letters")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tCODE\tFAILED\tREASON")
	for _, dl := range dead {
		failed := "-"
		if !dl.FailedAt.IsZero() {
			failed = dl.FailedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", dl.ID, dl.SourceID, dl.Code, failed, dl.Reason)
	}
	return tw.Flush()
}

type RedriveConfig struct {
	Codes       []string
	Limit       int64
	DryRun      bool
	SkipConfirm bool
}

// RedriveDeadLetters reseals and republishes dead letters after
// confirmation.
func RedriveDeadLetters(ctx context.Context, log *slog.Logger, pub *relay.Publisher, store relay.DeadLetterStore, v *message.Verifier, cfg RedriveConfig) error {
	codes := cfg.Codes
	if len(codes) == 0 {
		codes = relay.DefaultRedriveCodes
	}
	dead, err := store.DeadLetters(ctx, cfg.Limit)
	if err != nil {
		return err
	}
	eligible := 0
	for _, dl := range dead {
		if slices.Contains(codes, dl.Code) {
			eligible++
		}
	}
	fmt.Fprintf(stdout, "%d of %d dead letter(s) have code %v\n", eligible, len(dead), codes)
	if eligible == 0 {
		return nil
	}
	if cfg.DryRun {
		fmt.Fprintln(stdout, "[DRY RUN] Would reseal and republish the above dead letters")
		return nil
	}
	if !cfg.SkipConfirm {
		ok, err := confirm(stdin, stdout, fmt.Sprintf("This reseals %d message(s) with the queue key and publishes them again.", eligible))
		if err != nil || !ok {
			return err
		}
	}

	res, err := pub.Redrive(ctx, store, v, codes, cfg.Limit)
	if res != nil {
		log.Info("admin: dead letters redriven", "redriven", res.Redriven, "skipped", res.Skipped)
	}
	return err
}
