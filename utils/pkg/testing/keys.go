package incentivestesting

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// Wallet is a throwaway secp256k1 key and its address.
type Wallet struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

func NewWallet(t *testing.T) Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return Wallet{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns a deterministic non-zero address for the given seed byte.
func Address(seed byte) common.Address {
	var a common.Address
	for i := range a {
		a[i] = seed
	}
	return a
}
