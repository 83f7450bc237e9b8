package minter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMClient defines the subset of the Ethereum RPC used by the relayer.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("minter: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// SessionConfig tunes transaction construction.
type SessionConfig struct {
	ChainID     *big.Int
	GasLimit    uint64
	MaxGasPrice *big.Int
}

// SignerSession owns the relayer account's outbound transaction stream. An account has
// a strictly ordered nonce sequence, so submissions are serialised under mu; waiting
// for receipts happens outside the lock so different claims still pipeline.
type SignerSession struct {
	client      EVMClient
	key         *ecdsa.PrivateKey
	from        common.Address
	signer      gethtypes.Signer
	gasLimit    uint64
	maxGasPrice *big.Int

	mu     sync.Mutex
	nonce  uint64
	synced bool
}

// NewSignerSession binds key to client for the configured chain.
func NewSignerSession(client EVMClient, key *ecdsa.PrivateKey, cfg SessionConfig) (*SignerSession, error) {
	if client == nil {
		return nil, fmt.Errorf("minter: evm client required")
	}
	if key == nil {
		return nil, fmt.Errorf("minter: signer key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("minter: chain id required")
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 120_000
	}
	return &SignerSession{
		client:      client,
		key:         key,
		from:        gethcrypto.PubkeyToAddress(key.PublicKey),
		signer:      gethtypes.LatestSignerForChainID(cfg.ChainID),
		gasLimit:    gasLimit,
		maxGasPrice: cfg.MaxGasPrice,
	}, nil
}

// Address returns the relayer account.
func (s *SignerSession) Address() common.Address { return s.from }

// Client exposes the underlying RPC client for receipt lookups.
func (s *SignerSession) Client() EVMClient { return s.client }

// Submit signs a call to `to` carrying data and broadcasts it with the next nonce. The
// BroadcastHook carried by ctx sees the signed hash before it is sent. The returned
// hash is set whenever a transaction was sent, including when the broadcast failed,
// because a transport error does not prove the node never received it.
func (s *SignerSession) Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := s.submitLocked(ctx, to, data)
	if err != nil && isNonceTooLow(err) {
		// Someone else advanced the account; resync once and retry with a fresh nonce.
		hash, err = s.submitLocked(ctx, to, data)
	}
	return hash, err
}

func (s *SignerSession) submitLocked(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if !s.synced {
		nonce, err := s.client.PendingNonceAt(ctx, s.from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
		}
		s.nonce = nonce
		s.synced = true
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	if s.maxGasPrice != nil && gasPrice.Cmp(s.maxGasPrice) > 0 {
		gasPrice = new(big.Int).Set(s.maxGasPrice)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    s.nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      s.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, s.signer, s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := NotifyBroadcast(ctx, signed.Hash().Hex()); err != nil {
		return common.Hash{}, fmt.Errorf("record tx before broadcast: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			s.nonce++
			return signed.Hash(), nil
		}
		// The nonce may or may not have been consumed; the next submission resyncs.
		s.synced = false
		return signed.Hash(), fmt.Errorf("send tx: %w", err)
	}
	s.nonce++
	return signed.Hash(), nil
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}
