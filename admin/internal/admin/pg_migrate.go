package admin

import (
	"context"
	"log/slog"

	"github.com/malbeclabs/incentives/utils/pkg/postgres"
)

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(ctx context.Context, log *slog.Logger, cfg postgres.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return postgres.MigrateUp(ctx, log, cfg.ConnString())
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(ctx context.Context, log *slog.Logger, cfg postgres.Config, skipConfirm bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !skipConfirm {
		ok, err := confirm(stdin, stdout, "This rolls back the most recent migration and may drop ledger data!")
		if err != nil || !ok {
			return err
		}
	}
	return postgres.MigrateDown(ctx, log, cfg.ConnString())
}

// PgMigrateStatus shows the status of all PostgreSQL migrations
func PgMigrateStatus(ctx context.Context, log *slog.Logger, cfg postgres.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return postgres.MigrationStatus(ctx, log, cfg.ConnString())
}
