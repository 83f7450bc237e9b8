package minter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"questrewards/observability"
)

// pointsABI covers the two privileged entry points of the points token. Both are
// restricted on-chain to the relayer account.
const pointsABI = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const (
	opMint = "mint"
	opBurn = "burn"
)

// TxStatus is the observed chain state of a submitted transaction.
type TxStatus string

// Transaction states reported by Status.
const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
)

// Config configures the points token and confirmation policy.
type Config struct {
	Token          common.Address
	Decimals       uint8
	Confirmations  uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	Metrics        *observability.ClaimMetrics
}

// Receipt describes a confirmed transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// RewardMinter issues and destroys points through the relayer's SignerSession.
type RewardMinter struct {
	session        *SignerSession
	token          common.Address
	abi            abi.ABI
	scale          *uint256.Int
	confirmations  uint64
	pollInterval   time.Duration
	confirmTimeout time.Duration
	metrics        *observability.ClaimMetrics
}

// New constructs a minter for the token at cfg.Token.
func New(session *SignerSession, cfg Config) (*RewardMinter, error) {
	if session == nil {
		return nil, fmt.Errorf("minter: signer session required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("minter: token address required")
	}
	if cfg.Decimals > 36 {
		return nil, fmt.Errorf("minter: decimals %d out of range", cfg.Decimals)
	}
	parsed, err := abi.JSON(strings.NewReader(pointsABI))
	if err != nil {
		return nil, fmt.Errorf("minter: parse abi: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(cfg.Decimals)))
	return &RewardMinter{
		session:        session,
		token:          cfg.Token,
		abi:            parsed,
		scale:          scale,
		confirmations:  cfg.Confirmations,
		pollInterval:   poll,
		confirmTimeout: timeout,
		metrics:        cfg.Metrics,
	}, nil
}

// Mint issues points to userAddress and waits for the receipt.
func (m *RewardMinter) Mint(ctx context.Context, userAddress string, points int64) (Receipt, error) {
	return m.execute(ctx, opMint, userAddress, points)
}

// Burn destroys points held by userAddress and waits for the receipt.
func (m *RewardMinter) Burn(ctx context.Context, userAddress string, points int64) (Receipt, error) {
	return m.execute(ctx, opBurn, userAddress, points)
}

func (m *RewardMinter) execute(ctx context.Context, op, userAddress string, points int64) (Receipt, error) {
	start := time.Now()
	receipt, err := m.submitAndWait(ctx, op, userAddress, points)
	result := "success"
	if mintErr, ok := AsMintError(err); ok {
		result = mintErr.Class.String()
	} else if err != nil {
		result = "error"
	}
	m.metrics.ObserveChain(op, result, time.Since(start))
	return receipt, err
}

func (m *RewardMinter) submitAndWait(ctx context.Context, op, userAddress string, points int64) (Receipt, error) {
	trimmed := strings.TrimSpace(userAddress)
	if !common.IsHexAddress(trimmed) {
		return Receipt{}, &MintError{Op: op, Class: ClassRejected, Err: fmt.Errorf("%w: %q", ErrInvalidAddress, userAddress)}
	}
	amount, err := m.amount(points)
	if err != nil {
		return Receipt{}, &MintError{Op: op, Class: ClassRejected, Err: err}
	}
	data, err := m.abi.Pack(op, common.HexToAddress(trimmed), amount)
	if err != nil {
		return Receipt{}, &MintError{Op: op, Class: ClassRejected, Err: fmt.Errorf("pack %s: %w", op, err)}
	}
	hash, err := m.session.Submit(ctx, m.token, data)
	if err != nil {
		mintErr := &MintError{Op: op, Class: classify(err), Err: err}
		if (hash != common.Hash{}) && mintErr.Class == ClassUnreachable {
			mintErr.TxHash = hash.Hex()
		}
		return Receipt{}, mintErr
	}
	return m.await(ctx, op, hash)
}

func (m *RewardMinter) amount(points int64) (*big.Int, error) {
	if points <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, points)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(points)), m.scale)
	if overflow {
		return nil, fmt.Errorf("%w: %d overflows uint256", ErrInvalidAmount, points)
	}
	return scaled.ToBig(), nil
}

func (m *RewardMinter) await(ctx context.Context, op string, hash common.Hash) (Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		status, receipt, err := m.check(waitCtx, hash)
		switch {
		case err != nil:
			lastErr = err
		case status == TxConfirmed:
			return receipt, nil
		case status == TxReverted:
			return Receipt{}, &MintError{Op: op, Class: ClassRejected, TxHash: hash.Hex(), Err: fmt.Errorf("transaction reverted in block %d", receipt.BlockNumber)}
		}
		select {
		case <-waitCtx.Done():
			if lastErr == nil {
				lastErr = waitCtx.Err()
			}
			return Receipt{}, &MintError{Op: op, Class: ClassUnconfirmed, TxHash: hash.Hex(), Err: lastErr}
		case <-ticker.C:
		}
	}
}

// Status reports the current chain state of txHash without waiting.
func (m *RewardMinter) Status(ctx context.Context, txHash string) (TxStatus, error) {
	trimmed := strings.TrimSpace(txHash)
	if trimmed == "" {
		return "", fmt.Errorf("minter: tx hash required")
	}
	status, _, err := m.check(ctx, common.HexToHash(trimmed))
	return status, err
}

func (m *RewardMinter) check(ctx context.Context, hash common.Hash) (TxStatus, Receipt, error) {
	client := m.session.Client()
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxPending, Receipt{}, nil
		}
		return "", Receipt{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return TxPending, Receipt{}, nil
	}
	out := Receipt{TxHash: hash.Hex()}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return TxReverted, out, nil
	}
	if m.confirmations > 1 {
		header, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return "", Receipt{}, fmt.Errorf("fetch head: %w", err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return "", Receipt{}, fmt.Errorf("block metadata unavailable")
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(m.confirmations)) < 0 {
			return TxPending, out, nil
		}
	}
	return TxConfirmed, out, nil
}
