package keystore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

// Postgres stores keys in signer_keys.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const selectKeys = `SELECT signer_id, scheme, public_key, permissions, created_at, revoked_at FROM signer_keys`

func (p *Postgres) Get(ctx context.Context, signerID string) (*KeyRecord, error) {
	rows, err := p.pool.Query(ctx, selectKeys+` WHERE signer_id = $1`, signerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signer key: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan signer key: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) Put(ctx context.Context, rec *KeyRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	perms := make([]string, len(rec.Permissions))
	for i, c := range rec.Permissions {
		perms[i] = string(c)
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO signer_keys (signer_id, scheme, public_key, permissions, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signer_id) DO UPDATE SET scheme = EXCLUDED.scheme, public_key = EXCLUDED.public_key,
			permissions = EXCLUDED.permissions, created_at = EXCLUDED.created_at, revoked_at = EXCLUDED.revoked_at`,
		rec.SignerID, string(rec.Scheme), rec.PublicKey, perms, rec.CreatedAt, rec.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to save signer key: %w", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]KeyRecord, error) {
	rows, err := p.pool.Query(ctx, selectKeys+` ORDER BY signer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signer keys: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanKey)
	if err != nil {
		return nil, fmt.Errorf("failed to scan signer keys: %w", err)
	}
	return out, nil
}

func (p *Postgres) Revoke(ctx context.Context, signerID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE signer_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE signer_id = $1`, signerID, at)
	if err != nil {
		return fmt.Errorf("failed to revoke signer key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKey(row pgx.CollectableRow) (KeyRecord, error) {
	var (
		rec   KeyRecord
		sc    string
		perms []string
	)
	if err := row.Scan(&rec.SignerID, &sc, &rec.PublicKey, &perms, &rec.CreatedAt, &rec.RevokedAt); err != nil {
		return KeyRecord{}, err
	}
	rec.Scheme = scheme.Scheme(sc)
	for _, c := range perms {
		rec.Permissions = append(rec.Permissions, request.Capability(c))
	}
	return rec, nil
}

// PostgresNonces advances signer_nonces with a single conditional upsert, so
// concurrent gate replicas can never accept the same nonce twice.
type PostgresNonces struct {
	pool *pgxpool.Pool
}

func NewPostgresNonces(pool *pgxpool.Pool) *PostgresNonces {
	return &PostgresNonces{pool: pool}
}

func (p *PostgresNonces) Advance(ctx context.Context, signerID string, nonce uint64) (bool, error) {
	if nonce > math.MaxInt64 {
		return false, fmt.Errorf("nonce %d out of range", nonce)
	}
	tag, err := p.pool.Exec(ctx, `INSERT INTO signer_nonces (signer_id, last_nonce, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (signer_id) DO UPDATE SET last_nonce = EXCLUDED.last_nonce, updated_at = now()
		WHERE signer_nonces.last_nonce < EXCLUDED.last_nonce`, signerID, int64(nonce))
	if err != nil {
		return false, fmt.Errorf("failed to advance nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresNonces) Last(ctx context.Context, signerID string) (uint64, error) {
	var last int64
	err := p.pool.QueryRow(ctx, `SELECT last_nonce FROM signer_nonces WHERE signer_id = $1`, signerID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load nonce: %w", err)
	}
	return uint64(last), nil
}
