package keystore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/signing/pkg/scheme"
	pgtesting "github.com/malbeclabs/incentives/utils/pkg/postgres/testing"
	"github.com/stretchr/testify/require"
)

func testKeyStore(t *testing.T, store KeyStore) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	kp, err := scheme.Generate(scheme.Ed25519)
	require.NoError(t, err)
	rec := &KeyRecord{
		SignerID:    "partner-a",
		Scheme:      scheme.Ed25519,
		PublicKey:   kp.Public,
		Permissions: []request.Capability{request.CapabilityDistribute, request.CapabilityDeposit},
		CreatedAt:   created,
	}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "partner-a")
	require.NoError(t, err)
	require.Equal(t, kp.Public, got.PublicKey)
	require.True(t, got.Has(request.CapabilityDistribute))
	require.False(t, got.Has(request.CapabilityEnqueue))
	require.False(t, got.Revoked())
	require.True(t, got.CreatedAt.Equal(created))

	require.Error(t, store.Put(ctx, &KeyRecord{SignerID: "bad", Scheme: "rsa", PublicKey: "x"}))

	revokedAt := created.Add(time.Hour)
	require.NoError(t, store.Revoke(ctx, "partner-a", revokedAt))
	require.NoError(t, store.Revoke(ctx, "partner-a", revokedAt.Add(time.Hour)))
	got, err = store.Get(ctx, "partner-a")
	require.NoError(t, err)
	require.True(t, got.Revoked())
	require.True(t, got.RevokedAt.Equal(revokedAt))
	require.ErrorIs(t, store.Revoke(ctx, "missing", revokedAt), ErrNotFound)

	require.NoError(t, store.Put(ctx, &KeyRecord{
		SignerID:    "partner-b",
		Scheme:      scheme.Ed25519,
		PublicKey:   kp.Public,
		Permissions: []request.Capability{request.CapabilityEnqueue},
		CreatedAt:   created,
	}))
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "partner-a", list[0].SignerID)
	require.Equal(t, "partner-b", list[1].SignerID)
}

func testNonceStore(t *testing.T, nonces NonceStore) {
	ctx := context.Background()

	ok, err := nonces.Advance(ctx, "s1", 5)
	require.NoError(t, err)
	require.True(t, ok)

	for _, n := range []uint64{5, 4, 1} {
		ok, err = nonces.Advance(ctx, "s1", n)
		require.NoError(t, err)
		require.False(t, ok, "nonce %d must be rejected", n)
	}

	ok, err = nonces.Advance(ctx, "s2", 1)
	require.NoError(t, err)
	require.True(t, ok)

	last, err := nonces.Last(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := nonces.Advance(ctx, "s1", 6)
			if err == nil && ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), accepted.Load())
}

func TestIncentives_KeyStore_Memory(t *testing.T) {
	t.Parallel()
	testKeyStore(t, NewMemory())
}

func TestIncentives_KeyStore_MemoryNonces(t *testing.T) {
	t.Parallel()
	testNonceStore(t, NewMemoryNonces())
}

func TestIncentives_KeyStore_Postgres(t *testing.T) {
	t.Parallel()
	pgtesting.RequireDB(t, testDB)
	testKeyStore(t, NewPostgres(pgtesting.NewTestPool(t, testDB)))
}

func TestIncentives_KeyStore_PostgresNonces(t *testing.T) {
	t.Parallel()
	pgtesting.RequireDB(t, testDB)
	testNonceStore(t, NewPostgresNonces(pgtesting.NewTestPool(t, testDB)))
}

func TestIncentives_KeyStore_LoadMemory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "keys.json")
	require.NoError(t, os.WriteFile(good, []byte(`[
		{"signerId":"svc","scheme":"hmac-sha256","publicKey":"c2VjcmV0","permissions":["DISTRIBUTE"]}
	]`), 0o600))
	m, err := LoadMemory(good)
	require.NoError(t, err)
	rec, err := m.Get(t.Context(), "svc")
	require.NoError(t, err)
	require.True(t, rec.Has(request.CapabilityDistribute))
	require.False(t, rec.Has(request.CapabilityEnqueue))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"signerId":"svc","scheme":"hmac-sha256","publicKey":"x","permissions":["ADMIN"]}]`), 0o600))
	_, err = LoadMemory(bad)
	require.ErrorContains(t, err, "unknown capability")

	_, err = LoadMemory(filepath.Join(dir, "missing.json"))
	require.ErrorContains(t, err, "failed to read keys file")
}
