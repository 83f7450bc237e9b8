package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore encrypts key into an Ethereum v3 keystore file at path. The parent
// directory is created with 0700 permissions and the file is written 0600.
func SaveToKeystore(path string, key *ecdsa.PrivateKey, passphrase string) error {
	if key == nil {
		return ErrEmptyKey
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// The keystore API names files itself, so import into a scratch directory and
	// move the single result into place.
	scratch, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	ks := keystore.NewKeyStore(scratch, keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key, passphrase)
	if err != nil {
		return fmt.Errorf("crypto: import key: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts the relayer key stored at path.
func LoadFromKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}
