package minter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type jsonRPCError struct {
	code int
	msg  string
}

func (e jsonRPCError) Error() string  { return e.msg }
func (e jsonRPCError) ErrorCode() int { return e.code }

type fakeChain struct {
	mu        sync.Mutex
	nonce     uint64
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	head      uint64
	sendErrs  []error
	status    uint64
	noReceipt bool
	nonceHits int
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: make(map[common.Hash]*gethtypes.Receipt), head: 100, status: gethtypes.ReceiptStatusSuccessful}
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceHits++
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if tx.Nonce() < f.nonce {
		return jsonRPCError{code: -32000, msg: "nonce too low"}
	}
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1
	if !f.noReceipt {
		f.receipts[tx.Hash()] = &gethtypes.Receipt{Status: f.status, BlockNumber: new(big.Int).SetUint64(f.head), TxHash: tx.Hash()}
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gethtypes.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func (f *fakeChain) nonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.sent))
	for _, tx := range f.sent {
		out = append(out, tx.Nonce())
	}
	return out
}

func newTestMinter(t *testing.T, chain *fakeChain, cfg Config) *RewardMinter {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	session, err := NewSignerSession(chain, key, SessionConfig{ChainID: big.NewInt(31337)})
	require.NoError(t, err)
	cfg.Token = tokenAddr
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 200 * time.Millisecond
	}
	m, err := New(session, cfg)
	require.NoError(t, err)
	return m
}

func TestMintEncodesCallAndConfirms(t *testing.T) {
	chain := newFakeChain()
	m := newTestMinter(t, chain, Config{Decimals: 18})

	receipt, err := m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 5)
	require.NoError(t, err)
	require.Equal(t, uint64(100), receipt.BlockNumber)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	require.Equal(t, tokenAddr, *tx.To())
	args, err := m.abi.Methods["mint"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xa1"), args[0])
	want, _ := new(big.Int).SetString("5000000000000000000", 10)
	require.Zero(t, want.Cmp(args[1].(*big.Int)))
	require.Equal(t, tx.Hash().Hex(), receipt.TxHash)
}

func TestConcurrentMintsUseDistinctSequentialNonces(t *testing.T) {
	chain := newFakeChain()
	chain.nonce = 7
	m := newTestMinter(t, chain, Config{})

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Mint(context.Background(), "0x00000000000000000000000000000000000000b2", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	nonces := chain.nonces()
	require.Len(t, nonces, n)
	for i, nonce := range nonces {
		require.Equal(t, uint64(7+i), nonce)
	}
	require.Equal(t, 1, chain.nonceHits)
}

func TestRevertedReceiptIsRejected(t *testing.T) {
	chain := newFakeChain()
	chain.status = gethtypes.ReceiptStatusFailed
	m := newTestMinter(t, chain, Config{})

	_, err := m.Burn(context.Background(), "0x00000000000000000000000000000000000000b2", 3)
	require.ErrorIs(t, err, ErrRejected)
	mintErr, ok := AsMintError(err)
	require.True(t, ok)
	require.NotEmpty(t, mintErr.TxHash)
	require.False(t, mintErr.Broadcast())
}

func TestMissingReceiptIsUnconfirmed(t *testing.T) {
	chain := newFakeChain()
	chain.noReceipt = true
	m := newTestMinter(t, chain, Config{ConfirmTimeout: 30 * time.Millisecond})

	_, err := m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.ErrorIs(t, err, ErrUnconfirmed)
	mintErr, _ := AsMintError(err)
	require.Equal(t, chain.sent[0].Hash().Hex(), mintErr.TxHash)
	require.True(t, mintErr.Broadcast())

	status, err := m.Status(context.Background(), mintErr.TxHash)
	require.NoError(t, err)
	require.Equal(t, TxPending, status)
}

func TestConfirmationDepth(t *testing.T) {
	chain := newFakeChain()
	m := newTestMinter(t, chain, Config{Confirmations: 3, ConfirmTimeout: 30 * time.Millisecond})

	_, err := m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.ErrorIs(t, err, ErrUnconfirmed)

	chain.mu.Lock()
	chain.head = 102
	chain.mu.Unlock()
	status, err := m.Status(context.Background(), chain.sent[0].Hash().Hex())
	require.NoError(t, err)
	require.Equal(t, TxConfirmed, status)
}

func TestNodeRefusalIsRejected(t *testing.T) {
	chain := newFakeChain()
	chain.sendErrs = []error{jsonRPCError{code: -32000, msg: "insufficient funds for gas"}}
	m := newTestMinter(t, chain, Config{})

	_, err := m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.ErrorIs(t, err, ErrRejected)
	mintErr, _ := AsMintError(err)
	require.Empty(t, mintErr.TxHash)
}

func TestTransportFailureKeepsHashAndResyncs(t *testing.T) {
	chain := newFakeChain()
	chain.sendErrs = []error{errors.New("connection reset by peer")}
	m := newTestMinter(t, chain, Config{})

	_, err := m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.ErrorIs(t, err, ErrUnreachable)
	mintErr, _ := AsMintError(err)
	require.NotEmpty(t, mintErr.TxHash)
	require.True(t, mintErr.Broadcast())

	_, err = m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.NoError(t, err)
	require.Equal(t, 2, chain.nonceHits)
	require.Equal(t, []uint64{0}, chain.nonces())
}

func TestNonceTooLowRetriesOnce(t *testing.T) {
	chain := newFakeChain()
	m := newTestMinter(t, chain, Config{})

	_, err := m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.NoError(t, err)

	// Another process spends nonces 1 and 2 behind the session's back.
	chain.mu.Lock()
	chain.nonce = 3
	chain.mu.Unlock()
	chain.sendErrs = []error{jsonRPCError{code: -32000, msg: "nonce too low"}}

	_, err = m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 3}, chain.nonces())
}

func TestInvalidInputsAreRejectedBeforeSigning(t *testing.T) {
	chain := newFakeChain()
	m := newTestMinter(t, chain, Config{Decimals: 18})

	_, err := m.Mint(context.Background(), "not-an-address", 1)
	require.ErrorIs(t, err, ErrRejected)
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Empty(t, chain.sent)
}

func TestBroadcastHookSeesHashBeforeSend(t *testing.T) {
	chain := newFakeChain()
	m := newTestMinter(t, chain, Config{})

	var recorded []string
	ctx := WithBroadcastHook(context.Background(), func(_ context.Context, txHash string) error {
		chain.mu.Lock()
		defer chain.mu.Unlock()
		require.Empty(t, chain.sent)
		recorded = append(recorded, txHash)
		return nil
	})
	receipt, err := m.Mint(ctx, "0x00000000000000000000000000000000000000a1", 1)
	require.NoError(t, err)
	require.Equal(t, []string{receipt.TxHash}, recorded)
}

func TestBroadcastHookFailureAbortsSend(t *testing.T) {
	chain := newFakeChain()
	m := newTestMinter(t, chain, Config{})

	ctx := WithBroadcastHook(context.Background(), func(context.Context, string) error {
		return errors.New("database is locked")
	})
	_, err := m.Mint(ctx, "0x00000000000000000000000000000000000000a1", 1)
	require.ErrorIs(t, err, ErrUnreachable)
	mintErr, _ := AsMintError(err)
	require.Empty(t, mintErr.TxHash)
	require.False(t, mintErr.Broadcast())
	require.Empty(t, chain.sent)

	_, err = m.Mint(context.Background(), "0x00000000000000000000000000000000000000a1", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, chain.nonces())
}
