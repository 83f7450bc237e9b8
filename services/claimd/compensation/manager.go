package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"questrewards/observability"
	"questrewards/services/claimd/ledger"
	"questrewards/services/claimd/minter"
	"questrewards/services/claimd/models"
	"questrewards/services/claimd/scopekey"
)

var (
	// ErrCompensationInconsistent flags a refund that does not match a confirmed burn.
	ErrCompensationInconsistent = errors.New("compensation: inconsistent refund request")
	// ErrBurnPending is returned when a refund targets a burn whose outcome is unknown.
	ErrBurnPending = errors.New("compensation: burn outcome pending")
	// ErrInvalidRequest rejects malformed burn or refund requests.
	ErrInvalidRequest = errors.New("compensation: invalid request")
)

// Token moves points on-chain through the relayer account.
type Token interface {
	Mint(ctx context.Context, userAddress string, points int64) (minter.Receipt, error)
	Burn(ctx context.Context, userAddress string, points int64) (minter.Receipt, error)
}

// Manager runs the burn-then-refund-on-failure flow.
type Manager struct {
	ledger        *ledger.CompensationLedger
	token         Token
	logger        *slog.Logger
	metrics       *observability.ClaimMetrics
	submitTimeout time.Duration
}

// Option customises the manager instance.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics attaches the metrics registry.
func WithMetrics(metrics *observability.ClaimMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSubmitTimeout bounds each on-chain submission.
func WithSubmitTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.submitTimeout = timeout }
}

// NewManager constructs a compensation manager.
func NewManager(entries *ledger.CompensationLedger, token Token, opts ...Option) (*Manager, error) {
	if entries == nil {
		return nil, fmt.Errorf("compensation: ledger required")
	}
	if token == nil {
		return nil, fmt.Errorf("compensation: token required")
	}
	m := &Manager{
		ledger:        entries,
		token:         token,
		logger:        slog.Default(),
		submitTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Burn records a PENDING burn, submits it and resolves the entry from the chain outcome.
// The entry stays PENDING with its tx hash when the outcome could not be observed.
func (m *Manager) Burn(ctx context.Context, userAddress string, points int64, reason string) (*models.CompensationEntry, error) {
	if !validAddress(userAddress) {
		return nil, fmt.Errorf("%w: user address required", ErrInvalidRequest)
	}
	if points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", ErrInvalidRequest)
	}
	entry, err := m.ledger.CreateBurn(ctx, userAddress, points, reason)
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, entry)
}

// Refund mints back the points taken by the burn relatedBurnID. Calling it again for the
// same burn returns the existing refund without minting; only a REVERTED refund is
// submitted again.
func (m *Manager) Refund(ctx context.Context, userAddress string, points int64, reason string, relatedBurnID uuid.UUID) (*models.CompensationEntry, error) {
	if relatedBurnID == uuid.Nil {
		return nil, fmt.Errorf("%w: related burn id required", ErrInvalidRequest)
	}
	burn, err := m.ledger.Get(ctx, relatedBurnID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, m.alarm(ctx, "missing-burn", relatedBurnID, userAddress, points)
	}
	if err != nil {
		return nil, err
	}
	if burn.Direction != models.DirectionBurn {
		return nil, m.alarm(ctx, "not-a-burn", relatedBurnID, userAddress, points)
	}
	if scopekey.Normalize(userAddress) != burn.UserAddress {
		return nil, m.alarm(ctx, "user-mismatch", relatedBurnID, userAddress, points)
	}
	if points != burn.Points {
		return nil, m.alarm(ctx, "amount-mismatch", relatedBurnID, userAddress, points)
	}
	switch burn.Status {
	case models.EntryPending:
		return nil, fmt.Errorf("%w: burn %s", ErrBurnPending, burn.ID)
	case models.EntryReverted:
		return nil, m.alarm(ctx, "burn-reverted", relatedBurnID, userAddress, points)
	}

	refund, created, err := m.ledger.CreateRefund(ctx, burn, reason)
	if err != nil {
		return nil, err
	}
	if !created {
		if refund.Status != models.EntryReverted {
			m.logger.InfoContext(ctx, "refund already recorded",
				slog.String("burn_id", burn.ID.String()),
				slog.String("refund_id", refund.ID.String()),
				slog.String("status", string(refund.Status)))
			return refund, nil
		}
		rearmed, err := m.ledger.Rearm(ctx, refund.ID)
		if err != nil {
			return nil, err
		}
		if !rearmed {
			// Another caller re-armed it first and owns the submission.
			return m.ledger.Get(ctx, refund.ID)
		}
		refund.Status = models.EntryPending
	}
	return m.submit(ctx, refund)
}

// Get returns the entry identified by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.CompensationEntry, error) {
	return m.ledger.Get(ctx, id)
}

func (m *Manager) submit(ctx context.Context, entry *models.CompensationEntry) (*models.CompensationEntry, error) {
	// The chain action may happen; ledger writes must outlive the caller's context.
	store := context.WithoutCancel(ctx)
	submitCtx := minter.WithBroadcastHook(ctx, func(_ context.Context, txHash string) error {
		return m.ledger.AttachPending(store, entry.ID, txHash, "awaiting confirmation")
	})
	if m.submitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(submitCtx, m.submitTimeout)
		defer cancel()
	}
	var (
		receipt minter.Receipt
		err     error
	)
	switch entry.Direction {
	case models.DirectionBurn:
		receipt, err = m.token.Burn(submitCtx, entry.UserAddress, entry.Points)
	case models.DirectionRefund:
		receipt, err = m.token.Mint(submitCtx, entry.UserAddress, entry.Points)
	default:
		return nil, fmt.Errorf("compensation: unknown direction %q", entry.Direction)
	}

	status, recErr := m.record(store, entry, receipt, err)
	if recErr != nil {
		m.logger.ErrorContext(ctx, "compensation outcome not recorded",
			slog.String("entry_id", entry.ID.String()),
			slog.String("direction", string(entry.Direction)),
			slog.Any("error", recErr))
		return nil, recErr
	}
	m.metrics.RecordCompensation(string(entry.Direction), string(status))
	logArgs := []any{
		slog.String("entry_id", entry.ID.String()),
		slog.String("direction", string(entry.Direction)),
		slog.String("status", string(status)),
		slog.Int64("points", entry.Points),
	}
	if err != nil {
		m.logger.WarnContext(ctx, "compensation submission failed", append(logArgs, slog.Any("error", err))...)
	} else {
		m.logger.InfoContext(ctx, "compensation confirmed", append(logArgs, slog.String("tx_hash", receipt.TxHash))...)
	}
	return m.ledger.Get(store, entry.ID)
}

func (m *Manager) record(ctx context.Context, entry *models.CompensationEntry, receipt minter.Receipt, submitErr error) (models.EntryStatus, error) {
	if submitErr == nil {
		return models.EntryConfirmed, m.ledger.Resolve(ctx, entry.ID, models.EntryConfirmed, receipt.TxHash, "")
	}
	mintErr, ok := minter.AsMintError(submitErr)
	if ok && mintErr.Broadcast() {
		return models.EntryPending, m.ledger.AttachPending(ctx, entry.ID, mintErr.TxHash, submitErr.Error())
	}
	txHash := ""
	if ok {
		txHash = mintErr.TxHash
	}
	return models.EntryReverted, m.ledger.Resolve(ctx, entry.ID, models.EntryReverted, txHash, submitErr.Error())
}

func (m *Manager) alarm(ctx context.Context, kind string, burnID uuid.UUID, userAddress string, points int64) error {
	m.metrics.RecordIntegrityAlarm(kind)
	m.logger.ErrorContext(ctx, "refund rejected: integrity alarm",
		slog.String("kind", kind),
		slog.String("burn_id", burnID.String()),
		slog.String("user", scopekey.Normalize(userAddress)),
		slog.Int64("points", points))
	return fmt.Errorf("%w: %s for burn %s", ErrCompensationInconsistent, kind, burnID)
}

func validAddress(address string) bool {
	return strings.TrimSpace(address) != ""
}
