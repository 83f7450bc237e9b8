package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyKey is returned when no key material was supplied.
var ErrEmptyKey = errors.New("crypto: empty signer key")

// ParseSignerKey decodes a hex-encoded secp256k1 private key. A leading 0x is accepted.
func ParseSignerKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, ErrEmptyKey
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return nil, fmt.Errorf("crypto: signer key is not hex: %w", err)
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid signer key: %w", err)
	}
	return key, nil
}

// GenerateSignerKey creates a new random secp256k1 key.
func GenerateSignerKey() (*ecdsa.PrivateKey, error) {
	return gethcrypto.GenerateKey()
}

// SignerAddress returns the account controlled by key.
func SignerAddress(key *ecdsa.PrivateKey) common.Address {
	if key == nil {
		return common.Address{}
	}
	return gethcrypto.PubkeyToAddress(key.PublicKey)
}
