package recon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"questrewards/services/claimd/ledger"
	"questrewards/services/claimd/minter"
	"questrewards/services/claimd/models"
	"questrewards/services/claimd/scopekey"
)

type fakeChain struct {
	mu       sync.Mutex
	statuses map[string]minter.TxStatus
}

func (f *fakeChain) Status(_ context.Context, txHash string) (minter.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[txHash]
	if !ok {
		return "", errors.New("rpc unavailable")
	}
	return status, nil
}

type testEnv struct {
	now          time.Time
	claims       *ledger.ClaimLedger
	compensation *ledger.CompensationLedger
	chain        *fakeChain
	reconciler   *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := models.Open(models.DriverSQLite, filepath.Join(t.TempDir(), "recon.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	env := &testEnv{
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		chain: &fakeChain{statuses: make(map[string]minter.TxStatus)},
	}
	clock := func() time.Time { return env.now }
	env.claims = ledger.NewClaimLedger(db, clock)
	env.compensation = ledger.NewCompensationLedger(db, clock)
	env.reconciler, err = New(Config{
		Claims:       env.claims,
		Compensation: env.compensation,
		Chain:        env.chain,
		PendingAfter: time.Minute,
		ExpireAfter:  15 * time.Minute,
		DropAfter:    time.Hour,
		Now:          clock,
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) reserve(t *testing.T, window, txHash string) string {
	t.Helper()
	key := scopekey.Build("0xA1", "daily-5tx", window)
	_, err := e.claims.Reserve(context.Background(), key, "0xA1", "daily-5tx", window, 5)
	require.NoError(t, err)
	if txHash != "" {
		require.NoError(t, e.claims.AttachPending(context.Background(), key, txHash, "receipt timeout"))
	}
	return key
}

func (e *testEnv) status(t *testing.T, key string) models.ClaimStatus {
	t.Helper()
	record, err := e.claims.Lookup(context.Background(), key)
	require.NoError(t, err)
	return record.Status
}

func TestReconcileClaims(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	confirmed := env.reserve(t, "2024-06-01", "0xok")
	reverted := env.reserve(t, "2024-06-02", "0xbad")
	abandoned := env.reserve(t, "2024-06-03", "")
	slow := env.reserve(t, "2024-06-04", "0xslow")
	flaky := env.reserve(t, "2024-06-05", "0xunknown")
	env.chain.statuses["0xok"] = minter.TxConfirmed
	env.chain.statuses["0xbad"] = minter.TxReverted
	env.chain.statuses["0xslow"] = minter.TxPending

	// Too fresh to inspect.
	report, err := env.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Claims)

	env.now = env.now.Add(20 * time.Minute)
	report, err = env.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Claims[ResultIssued])
	require.Equal(t, 1, report.Claims[ResultFailed])
	require.Equal(t, 1, report.Claims[ResultExpired])
	require.Equal(t, 1, report.Claims[ResultPending])
	require.Equal(t, 1, report.Errors)

	require.Equal(t, models.ClaimIssued, env.status(t, confirmed))
	require.Equal(t, models.ClaimFailed, env.status(t, reverted))
	require.Equal(t, models.ClaimFailed, env.status(t, abandoned))
	require.Equal(t, models.ClaimReserved, env.status(t, slow))
	require.Equal(t, models.ClaimReserved, env.status(t, flaky))

	env.now = env.now.Add(2 * time.Hour)
	report, err = env.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Claims[ResultExpired])
	require.Equal(t, models.ClaimFailed, env.status(t, slow))
}

func TestReconcileNeverTouchesNewerReservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key := env.reserve(t, "2024-06-01", "")
	env.now = env.now.Add(20 * time.Minute)

	stale, err := env.claims.Stale(ctx, env.now, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// The key fails and is reserved again before the reconciler acts on its snapshot.
	require.NoError(t, env.claims.Fail(ctx, key, "rejected"))
	_, err = env.claims.Reserve(ctx, key, "0xA1", "daily-5tx", "2024-06-01", 5)
	require.NoError(t, err)

	result, err := env.reconciler.settleClaim(ctx, stale[0], env.now)
	require.NoError(t, err)
	require.Equal(t, ResultPending, result)
	require.Equal(t, models.ClaimReserved, env.status(t, key))
}

func TestReconcileCompensation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	burn, err := env.compensation.CreateBurn(ctx, "0xB2", 20, "raffle pass")
	require.NoError(t, err)
	require.NoError(t, env.compensation.AttachPending(ctx, burn.ID, "0xburn", "receipt timeout"))
	orphan, err := env.compensation.CreateBurn(ctx, "0xB2", 5, "raffle pass")
	require.NoError(t, err)
	env.chain.statuses["0xburn"] = minter.TxConfirmed

	env.now = env.now.Add(20 * time.Minute)
	report, err := env.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Compensation[ResultConfirmed])
	require.Equal(t, 1, report.Compensation[ResultStuck])

	entry, err := env.compensation.Get(ctx, burn.ID)
	require.NoError(t, err)
	require.Equal(t, models.EntryConfirmed, entry.Status)

	entry, err = env.compensation.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, models.EntryPending, entry.Status)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	sched := NewScheduler(SchedulerConfig{Reconciler: env.reconciler, Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
