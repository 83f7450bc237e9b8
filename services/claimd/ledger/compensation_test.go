package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"questrewards/services/claimd/models"
)

func TestCreateRefundIsInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	l := NewCompensationLedger(setupTestDB(t), fixedClock())

	burn, err := l.CreateBurn(ctx, "0xB2", 20, "pass purchase")
	require.NoError(t, err)
	require.Equal(t, models.EntryPending, burn.Status)
	require.Nil(t, burn.RelatedBurnID)
	require.NoError(t, l.Resolve(ctx, burn.ID, models.EntryConfirmed, "0xburn", ""))

	first, created, err := l.CreateRefund(ctx, burn, "pass grant failed")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, burn.ID, *first.RelatedBurnID)
	require.Equal(t, int64(20), first.Points)

	second, created, err := l.CreateRefund(ctx, burn, "retry")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	// A second burn still gets its own refund; the unique index only spans refunds.
	other, err := l.CreateBurn(ctx, "0xB2", 20, "pass purchase")
	require.NoError(t, err)
	_, created, err = l.CreateRefund(ctx, other, "failed")
	require.NoError(t, err)
	require.True(t, created)
}

func TestResolveTransitions(t *testing.T) {
	ctx := context.Background()
	l := NewCompensationLedger(setupTestDB(t), fixedClock())

	burn, err := l.CreateBurn(ctx, "0xB2", 20, "pass")
	require.NoError(t, err)
	require.ErrorIs(t, l.Resolve(ctx, burn.ID, models.EntryPending, "", ""), ErrInvalidOutcome)
	require.NoError(t, l.AttachPending(ctx, burn.ID, "0xburn", "receipt timeout"))
	require.NoError(t, l.Resolve(ctx, burn.ID, models.EntryReverted, "", "reverted"))
	require.NoError(t, l.Resolve(ctx, burn.ID, models.EntryReverted, "", ""))
	require.ErrorIs(t, l.Resolve(ctx, burn.ID, models.EntryConfirmed, "", ""), ErrOutcomeConflict)

	ok, err := l.Rearm(ctx, burn.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.Rearm(ctx, burn.ID)
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := l.Get(ctx, burn.ID)
	require.NoError(t, err)
	require.Equal(t, models.EntryPending, stored.Status)
	require.Empty(t, stored.TxHash)

	_, err = l.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnconfiguredLedgersReturnErrors(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	var entries *CompensationLedger
	_, err := entries.RefundFor(ctx, id)
	require.ErrorContains(t, err, "not configured")
	_, err = entries.Rearm(ctx, id)
	require.ErrorContains(t, err, "not configured")
	require.ErrorContains(t, entries.AttachPending(ctx, id, "0xtx", ""), "not configured")
	require.ErrorContains(t, entries.Resolve(ctx, id, models.EntryConfirmed, "0xtx", ""), "not configured")
	_, err = entries.Pending(ctx, time.Now(), 10)
	require.ErrorContains(t, err, "not configured")

	empty := &CompensationLedger{}
	_, err = empty.Pending(ctx, time.Now(), 10)
	require.ErrorContains(t, err, "not configured")

	var claims *ClaimLedger
	_, err = claims.Events(ctx, "key")
	require.ErrorContains(t, err, "not configured")
	_, err = (&ClaimLedger{}).Events(ctx, "key")
	require.ErrorContains(t, err, "not configured")
}
