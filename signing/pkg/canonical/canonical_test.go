package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncentives_Canonical_Marshal(t *testing.T) {
	t.Parallel()

	t.Run("sorts keys at every level", func(t *testing.T) {
		t.Parallel()
		out, err := Marshal(map[string]any{
			"timestamp": 1700000000000,
			"payload":   map[string]any{"useCaseId": "uc-1", "factor": "0.8"},
			"kind":      "token_reward",
		})
		require.NoError(t, err)
		require.Equal(t, `{"kind":"token_reward","payload":{"factor":"0.8","useCaseId":"uc-1"},"timestamp":1700000000000}`, string(out))
	})

	t.Run("struct and map with same content agree", func(t *testing.T) {
		t.Parallel()
		type entry struct {
			Provider  string `json:"provider"`
			PublicKey string `json:"public_key"`
			Points    int    `json:"points"`
		}
		a, err := Hash(entry{Provider: "p1", PublicKey: "0xabc", Points: 10})
		require.NoError(t, err)
		b, err := HashJSON([]byte(`{ "points": 10, "public_key": "0xabc", "provider": "p1" }`))
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("numbers are normalized", func(t *testing.T) {
		t.Parallel()
		a, err := HashJSON([]byte(`{"points":1.0e2}`))
		require.NoError(t, err)
		b, err := HashJSON([]byte(`{"points":100}`))
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()
		_, err := HashJSON([]byte(`{"points":`))
		require.Error(t, err)
	})
}

func TestIncentives_Canonical_EqualHash(t *testing.T) {
	t.Parallel()

	h := HashBytes([]byte("abc"))
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
	require.True(t, EqualHash(h, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"))
	require.False(t, EqualHash(h, h[:10]))
	require.False(t, EqualHash(h, HashBytes([]byte("abd"))))
}
