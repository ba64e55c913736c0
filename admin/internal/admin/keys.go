package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/incentives/gate/pkg/keystore"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
)

type RegisterKeyConfig struct {
	SignerID string
	Scheme   scheme.Scheme
	// PublicKey is registered as given. When empty a key pair is generated
	// and its secret returned once.
	PublicKey   string
	Permissions []string
}

// RegisterKey stores a signer key, replacing any existing record for the
// signer. It returns the generated secret, or "" if PublicKey was given.
func RegisterKey(ctx context.Context, log *slog.Logger, store keystore.KeyStore, now time.Time, cfg RegisterKeyConfig) (*keystore.KeyRecord, string, error) {
	perms := make([]request.Capability, 0, len(cfg.Permissions))
	for _, p := range cfg.Permissions {
		c, err := request.ParseCapability(strings.ToUpper(strings.TrimSpace(p)))
		if err != nil {
			return nil, "", err
		}
		perms = append(perms, c)
	}
	if len(perms) == 0 {
		return nil, "", fmt.Errorf("at least one permission is required")
	}

	public, secret := cfg.PublicKey, ""
	if public == "" {
		kp, err := scheme.Generate(cfg.Scheme)
		if err != nil {
			return nil, "", err
		}
		public, secret = kp.Public, kp.Secret
	} else if _, err := scheme.NewVerifier(cfg.Scheme, cfg.Scheme, public); err != nil {
		return nil, "", fmt.Errorf("invalid public key: %w", err)
	}

	rec := &keystore.KeyRecord{
		SignerID:    cfg.SignerID,
		Scheme:      cfg.Scheme,
		PublicKey:   public,
		Permissions: perms,
		CreatedAt:   now.UTC(),
	}
	if err := store.Put(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("failed to register key: %w", err)
	}
	log.Info("admin: signer key registered", "signer", rec.SignerID, "scheme", rec.Scheme, "permissions", rec.Permissions, "generated", secret != "")
	return rec, secret, nil
}

// RevokeKey revokes a signer key after confirmation. Requests already
// accepted stay applied.
func RevokeKey(ctx context.Context, log *slog.Logger, store keystore.KeyStore, signerID string, now time.Time, skipConfirm bool) error {
	rec, err := store.Get(ctx, signerID)
	if err != nil {
		return fmt.Errorf("failed to look up signer %q: %w", signerID, err)
	}
	if rec.Revoked() {
		fmt.Fprintf(stdout, "Signer %s was already revoked at %s\n", signerID, rec.RevokedAt.Format(time.RFC3339))
		return nil
	}
	if !skipConfirm {
		ok, err := confirm(stdin, stdout, fmt.Sprintf("This revokes signer %s (%s, %s). Its requests will be refused from now on.", signerID, rec.Scheme, joinCaps(rec.Permissions)))
		if err != nil || !ok {
			return err
		}
	}
	if err := store.Revoke(ctx, signerID, now.UTC()); err != nil {
		return fmt.Errorf("failed to revoke signer %q: %w", signerID, err)
	}
	log.Info("admin: signer key revoked", "signer", signerID)
	return nil
}

// ListKeys writes a table of registered keys to out.
func ListKeys(ctx context.Context, store keystore.KeyStore, out io.Writer) error {
	recs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNER\tSCHEME\tPERMISSIONS\tCREATED\tREVOKED")
	for _, rec := range recs {
		revoked := "-"
		if rec.RevokedAt != nil {
			revoked = rec.RevokedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.SignerID, rec.Scheme, joinCaps(rec.Permissions), rec.CreatedAt.Format(time.RFC3339), revoked)
	}
	return tw.Flush()
}

func joinCaps(caps []request.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
