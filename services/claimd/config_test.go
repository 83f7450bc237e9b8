package claimd

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"questrewards/crypto"
)

const baseConfig = `
listen: ":9000"
database:
  driver: sqlite
  dsn: /tmp/claimd.db
chain:
  endpoint: http://localhost:8545
  chain_id: 31337
  token: "0x00000000000000000000000000000000000000aa"
  max_gas_price_wei: "50000000000"
indexer:
  base_url: http://indexer:8080
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func hexKey(t *testing.T) (string, string) {
	t.Helper()
	key, err := crypto.GenerateSignerKey()
	require.NoError(t, err)
	return hex.EncodeToString(gethcrypto.FromECDSA(key)), crypto.SignerAddress(key).Hex()
}

func TestLoadConfigDefaults(t *testing.T) {
	raw, addr := hexKey(t)
	path := writeConfig(t, baseConfig+"signer:\n  key: \""+raw+"\"\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, uint8(18), cfg.Chain.Decimals)
	require.Equal(t, uint64(1), cfg.Chain.Confirmations)
	require.Equal(t, 2*time.Minute, cfg.Claims.MintTimeout.Duration)
	require.Equal(t, 3, cfg.Claims.MaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.Recon.ExpireAfter.Duration)
	require.Equal(t, time.Hour, cfg.Recon.DropAfter.Duration)
	require.Equal(t, "50000000000", cfg.Chain.MaxGasPrice().String())
	require.Contains(t, cfg.RateLimits, "claims")
	require.Equal(t, addr, crypto.SignerAddress(cfg.Signer.PrivateKey()).Hex())
}

func TestLoadConfigSignerSources(t *testing.T) {
	raw, addr := hexKey(t)

	t.Setenv("CLAIMD_SIGNER", "0x"+raw)
	cfg, err := LoadConfig(writeConfig(t, baseConfig+"signer:\n  key_env: CLAIMD_SIGNER\n"))
	require.NoError(t, err)
	require.Equal(t, addr, crypto.SignerAddress(cfg.Signer.PrivateKey()).Hex())

	keyFile := filepath.Join(t.TempDir(), "signer.hex")
	require.NoError(t, os.WriteFile(keyFile, []byte(raw+"\n"), 0o600))
	cfg, err = LoadConfig(writeConfig(t, baseConfig+"signer:\n  key_file: "+keyFile+"\n"))
	require.NoError(t, err)
	require.Equal(t, addr, crypto.SignerAddress(cfg.Signer.PrivateKey()).Hex())

	key, err := crypto.ParseSignerKey(raw)
	require.NoError(t, err)
	store := filepath.Join(t.TempDir(), "relayer.json")
	require.NoError(t, crypto.SaveToKeystore(store, key, "pw"))
	t.Setenv("CLAIMD_PASSPHRASE", "pw")
	cfg, err = LoadConfig(writeConfig(t, baseConfig+"signer:\n  keystore: "+store+"\n  passphrase_env: CLAIMD_PASSPHRASE\n"))
	require.NoError(t, err)
	require.Equal(t, addr, crypto.SignerAddress(cfg.Signer.PrivateKey()).Hex())

	_, err = LoadConfig(writeConfig(t, baseConfig))
	require.ErrorContains(t, err, "signer")
	t.Setenv("CLAIMD_EMPTY", "")
	_, err = LoadConfig(writeConfig(t, baseConfig+"signer:\n  key_env: CLAIMD_EMPTY\n"))
	require.ErrorContains(t, err, "empty")
}

func TestLoadConfigValidation(t *testing.T) {
	raw, _ := hexKey(t)
	signer := "signer:\n  key: \"" + raw + "\"\n"

	gasPrice := `
database: {dsn: x}
chain: {endpoint: http://x, chain_id: 1, token: "0x00000000000000000000000000000000000000aa", max_gas_price_wei: lots}
indexer: {base_url: http://x}
`
	noToken := `
database: {dsn: x}
chain: {endpoint: http://x, chain_id: 1}
indexer: {base_url: http://x}
`
	for name, body := range map[string]string{
		"unknown field":      baseConfig + signer + "bogus: true\n",
		"bad duration":       baseConfig + signer + "claims:\n  mint_timeout: soon\n",
		"expire too short":   baseConfig + signer + "claims:\n  mint_timeout: 20m\n",
		"drop before expire": baseConfig + signer + "recon:\n  expire_after: 30m\n  drop_after: 10m\n",
		"short jwt secret":   baseConfig + signer + "auth:\n  jwt_secret: short\n",
		"bad gas price":      gasPrice + signer,
		"missing token":      noToken + signer,
	} {
		_, err := LoadConfig(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestAuthSecretsFromFiles(t *testing.T) {
	raw, _ := hexKey(t)
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("internal-token\n"), 0o600))
	t.Setenv("CLAIMD_JWT", "0123456789abcdef0123456789abcdef")
	t.Setenv("CLAIMD_INDEXER_KEY", "ik")

	cfg, err := LoadConfig(writeConfig(t, `
database: {dsn: x}
chain: {endpoint: http://x, chain_id: 1, token: "0x00000000000000000000000000000000000000aa"}
indexer: {base_url: http://x, api_key_env: CLAIMD_INDEXER_KEY}
signer: {key: "`+raw+`"}
auth:
  service_token_file: `+tokenFile+`
  jwt_secret_env: CLAIMD_JWT
`))
	require.NoError(t, err)
	require.Equal(t, "internal-token", cfg.Auth.ServiceToken)
	require.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
	require.Equal(t, "ik", cfg.Indexer.APIKey)
	require.Equal(t, "questrewards", cfg.Auth.Issuer)
}
