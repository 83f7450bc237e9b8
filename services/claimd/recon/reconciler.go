package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"questrewards/observability"
	"questrewards/services/claimd/ledger"
	"questrewards/services/claimd/minter"
	"questrewards/services/claimd/models"
)

// Reconciliation results reported per record.
const (
	ResultIssued    = "issued"
	ResultFailed    = "failed"
	ResultExpired   = "expired"
	ResultPending   = "pending"
	ResultConfirmed = "confirmed"
	ResultReverted  = "reverted"
	ResultStuck     = "stuck"
)

// ChainStatus reports the observed state of a submitted transaction.
type ChainStatus interface {
	Status(ctx context.Context, txHash string) (minter.TxStatus, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Claims       *ledger.ClaimLedger
	Compensation *ledger.CompensationLedger
	Chain        ChainStatus
	// PendingAfter is how long a record must sit untouched before it is inspected.
	PendingAfter time.Duration
	// ExpireAfter ages out reservations that never broadcast a transaction.
	ExpireAfter time.Duration
	// DropAfter fails reservations whose transaction is still unknown to the chain.
	DropAfter time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.ClaimMetrics
}

// Report summarises a reconciliation pass.
type Report struct {
	Claims       map[string]int
	Compensation map[string]int
	Errors       int
}

// Reconciler settles claims and compensation entries left unresolved by the request path.
type Reconciler struct {
	claims       *ledger.ClaimLedger
	compensation *ledger.CompensationLedger
	chain        ChainStatus
	pendingAfter time.Duration
	expireAfter  time.Duration
	dropAfter    time.Duration
	batchSize    int
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.ClaimMetrics
}

// New constructs a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Claims == nil || cfg.Compensation == nil {
		return nil, fmt.Errorf("recon: ledgers required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("recon: chain status source required")
	}
	r := &Reconciler{
		claims:       cfg.Claims,
		compensation: cfg.Compensation,
		chain:        cfg.Chain,
		pendingAfter: cfg.PendingAfter,
		expireAfter:  cfg.ExpireAfter,
		dropAfter:    cfg.DropAfter,
		batchSize:    cfg.BatchSize,
		now:          cfg.Now,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if r.pendingAfter <= 0 {
		r.pendingAfter = 2 * time.Minute
	}
	if r.expireAfter <= 0 {
		r.expireAfter = 15 * time.Minute
	}
	if r.dropAfter < r.expireAfter {
		r.dropAfter = 4 * r.expireAfter
	}
	if r.batchSize <= 0 {
		r.batchSize = 200
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{Claims: make(map[string]int), Compensation: make(map[string]int)}
	now := r.now().UTC()

	stale, err := r.claims.Stale(ctx, now.Add(-r.pendingAfter), r.batchSize)
	if err != nil {
		return report, fmt.Errorf("recon: list stale claims: %w", err)
	}
	for _, record := range stale {
		result, err := r.settleClaim(ctx, record, now)
		if err != nil {
			report.Errors++
			r.logger.WarnContext(ctx, "claim reconciliation failed",
				slog.String("claim_key", record.Key), slog.Any("error", err))
			continue
		}
		report.Claims[result]++
		r.metrics.RecordReconciled("claim", result)
	}

	entries, err := r.compensation.Pending(ctx, now.Add(-r.pendingAfter), r.batchSize)
	if err != nil {
		return report, fmt.Errorf("recon: list pending compensation: %w", err)
	}
	for _, entry := range entries {
		result, err := r.settleEntry(ctx, entry, now)
		if err != nil {
			report.Errors++
			r.logger.WarnContext(ctx, "compensation reconciliation failed",
				slog.String("entry_id", entry.ID.String()), slog.Any("error", err))
			continue
		}
		report.Compensation[result]++
		r.metrics.RecordReconciled("compensation", result)
	}
	return report, nil
}

func (r *Reconciler) settleClaim(ctx context.Context, record models.ClaimRecord, now time.Time) (string, error) {
	txHash := ""
	if record.TxHash != nil {
		txHash = strings.TrimSpace(*record.TxHash)
	}
	if txHash == "" {
		return r.expireClaim(ctx, record, now.Add(-r.expireAfter), "reservation abandoned")
	}
	status, err := r.chain.Status(ctx, txHash)
	if err != nil {
		return "", err
	}
	switch status {
	case minter.TxConfirmed:
		err = r.claims.Settle(ctx, record.Key, record.Attempts, models.ClaimIssued, txHash, "")
		if errors.Is(err, ledger.ErrOutcomeConflict) {
			return ResultPending, nil
		}
		if err != nil {
			return "", err
		}
		r.logger.InfoContext(ctx, "pending claim confirmed", slog.String("claim_key", record.Key), slog.String("tx_hash", txHash))
		return ResultIssued, nil
	case minter.TxReverted:
		err = r.claims.Settle(ctx, record.Key, record.Attempts, models.ClaimFailed, txHash, "transaction reverted")
		if errors.Is(err, ledger.ErrOutcomeConflict) {
			return ResultPending, nil
		}
		if err != nil {
			return "", err
		}
		return ResultFailed, nil
	default:
		return r.expireClaim(ctx, record, now.Add(-r.dropAfter), "transaction not mined")
	}
}

func (r *Reconciler) expireClaim(ctx context.Context, record models.ClaimRecord, cutoff time.Time, reason string) (string, error) {
	if !record.ReservedAt.Before(cutoff) {
		return ResultPending, nil
	}
	expired, err := r.claims.Expire(ctx, record.Key, cutoff, reason)
	if err != nil {
		return "", err
	}
	if !expired {
		return ResultPending, nil
	}
	r.logger.WarnContext(ctx, "claim reservation expired",
		slog.String("claim_key", record.Key), slog.String("reason", reason))
	return ResultExpired, nil
}

func (r *Reconciler) settleEntry(ctx context.Context, entry models.CompensationEntry, now time.Time) (string, error) {
	txHash := strings.TrimSpace(entry.TxHash)
	if txHash == "" {
		// Without a hash there is no way to prove nothing was broadcast.
		if entry.UpdatedAt.Before(now.Add(-r.expireAfter)) {
			r.logger.ErrorContext(ctx, "compensation entry stuck without transaction",
				slog.String("entry_id", entry.ID.String()),
				slog.String("direction", string(entry.Direction)))
			return ResultStuck, nil
		}
		return ResultPending, nil
	}
	status, err := r.chain.Status(ctx, txHash)
	if err != nil {
		return "", err
	}
	switch status {
	case minter.TxConfirmed:
		if err := r.compensation.Resolve(ctx, entry.ID, models.EntryConfirmed, txHash, ""); err != nil {
			return "", err
		}
		r.metrics.RecordCompensation(string(entry.Direction), string(models.EntryConfirmed))
		return ResultConfirmed, nil
	case minter.TxReverted:
		if err := r.compensation.Resolve(ctx, entry.ID, models.EntryReverted, txHash, "transaction reverted"); err != nil {
			return "", err
		}
		r.metrics.RecordCompensation(string(entry.Direction), string(models.EntryReverted))
		return ResultReverted, nil
	default:
		if entry.UpdatedAt.Before(now.Add(-r.dropAfter)) {
			r.logger.ErrorContext(ctx, "compensation transaction not mined",
				slog.String("entry_id", entry.ID.String()), slog.String("tx_hash", txHash))
			return ResultStuck, nil
		}
		return ResultPending, nil
	}
}
