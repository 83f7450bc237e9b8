package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestParseSignerKey(t *testing.T) {
	key, err := GenerateSignerKey()
	require.NoError(t, err)
	encoded := hex.EncodeToString(gethcrypto.FromECDSA(key))

	for _, raw := range []string{encoded, "0x" + encoded, "  " + encoded + "\n"} {
		parsed, err := ParseSignerKey(raw)
		require.NoError(t, err)
		require.Equal(t, SignerAddress(key), SignerAddress(parsed))
	}

	_, err = ParseSignerKey(" ")
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = ParseSignerKey("zz")
	require.Error(t, err)
	_, err = ParseSignerKey("abcd")
	require.Error(t, err)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GenerateSignerKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "relayer.json")

	require.NoError(t, SaveToKeystore(path, key, "hunter2"))
	loaded, err := LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, SignerAddress(key), SignerAddress(loaded))

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)

	// Overwrite with a second key.
	other, err := GenerateSignerKey()
	require.NoError(t, err)
	require.NoError(t, SaveToKeystore(path, other, "hunter2"))
	loaded, err = LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, SignerAddress(other), SignerAddress(loaded))
}
