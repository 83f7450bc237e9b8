package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"questrewards/services/claimd/models"
	"questrewards/services/claimd/scopekey"
)

// ClaimLedger persists claim reservations and their final outcome.
type ClaimLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewClaimLedger constructs a ledger backed by the provided database.
func NewClaimLedger(db *gorm.DB, now func() time.Time) *ClaimLedger {
	if now == nil {
		now = time.Now
	}
	return &ClaimLedger{db: db, now: now}
}

// Reserve atomically creates a RESERVED record for key. It fails with ErrAlreadyClaimed
// when the key is RESERVED or ISSUED; a FAILED record is re-armed in place. Both paths
// are single conditional statements so racing callers are arbitrated by the database.
func (l *ClaimLedger) Reserve(ctx context.Context, key, userAddress, questID, window string, points int64) (*models.ClaimRecord, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: claim ledger not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("ledger: key is required")
	}
	if points <= 0 {
		return nil, fmt.Errorf("ledger: points must be positive")
	}
	now := l.now().UTC()
	record := models.ClaimRecord{
		Key:         key,
		UserAddress: scopekey.Normalize(userAddress),
		QuestID:     strings.TrimSpace(questID),
		ScopeWindow: strings.TrimSpace(window),
		Status:      models.ClaimReserved,
		Points:      points,
		Attempts:    1,
		ReservedAt:  now,
		CreatedAt:   now,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			res = tx.Model(&models.ClaimRecord{}).
				Where("claim_key = ? AND status = ?", key, models.ClaimFailed).
				Updates(map[string]interface{}{
					"status":       models.ClaimReserved,
					"tx_hash":      nil,
					"points":       points,
					"attempts":     gorm.Expr("attempts + 1"),
					"last_error":   "",
					"reserved_at":  now,
					"finalized_at": nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrAlreadyClaimed
			}
		}
		if err := tx.First(&record, "claim_key = ?", key).Error; err != nil {
			return err
		}
		return appendClaimEvent(tx, key, "claim.reserved", fmt.Sprintf("quest=%s window=%s points=%d attempt=%d", record.QuestID, record.ScopeWindow, points, record.Attempts), now)
	})
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		return nil, ErrAlreadyClaimed
	case err != nil:
		return nil, transient("reserve", err)
	}
	return &record, nil
}

// Finalize moves a RESERVED record to ISSUED or FAILED. Repeating the recorded outcome
// is a no-op; asking for a different outcome returns ErrOutcomeConflict.
func (l *ClaimLedger) Finalize(ctx context.Context, key string, status models.ClaimStatus, txHash string) error {
	return l.settle(ctx, key, 0, status, txHash, "")
}

// Fail finalises key as FAILED and records the reason.
func (l *ClaimLedger) Fail(ctx context.Context, key, reason string) error {
	return l.settle(ctx, key, 0, models.ClaimFailed, "", reason)
}

// Settle finalises key only while it still belongs to the given reservation attempt,
// so a late reconciliation never touches a newer reservation of the same key.
func (l *ClaimLedger) Settle(ctx context.Context, key string, attempt int, status models.ClaimStatus, txHash, reason string) error {
	if attempt <= 0 {
		return fmt.Errorf("ledger: attempt must be positive")
	}
	return l.settle(ctx, key, attempt, status, txHash, reason)
}

func (l *ClaimLedger) settle(ctx context.Context, key string, attempt int, status models.ClaimStatus, txHash, reason string) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger: claim ledger not configured")
	}
	if status != models.ClaimIssued && status != models.ClaimFailed {
		return fmt.Errorf("%w: %s", ErrInvalidOutcome, status)
	}
	txHash = strings.TrimSpace(txHash)
	if status == models.ClaimIssued && txHash == "" {
		return fmt.Errorf("ledger: tx hash required for %s", status)
	}
	now := l.now().UTC()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":       status,
			"finalized_at": now,
		}
		if txHash != "" {
			updates["tx_hash"] = txHash
		}
		if reason != "" {
			updates["last_error"] = reason
		}
		query := tx.Model(&models.ClaimRecord{}).Where("claim_key = ? AND status = ?", key, models.ClaimReserved)
		if attempt > 0 {
			query = query.Where("attempts = ?", attempt)
		}
		res := query.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			details := fmt.Sprintf("status=%s", status)
			if txHash != "" {
				details += " tx_hash=" + txHash
			}
			if reason != "" {
				details += " reason=" + reason
			}
			return appendClaimEvent(tx, key, "claim.finalized", details, now)
		}

		var existing models.ClaimRecord
		if err := tx.First(&existing, "claim_key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if attempt > 0 && existing.Attempts != attempt {
			return fmt.Errorf("%w: attempt %d superseded by %d", ErrOutcomeConflict, attempt, existing.Attempts)
		}
		if existing.Status != status {
			return fmt.Errorf("%w: %s already %s", ErrOutcomeConflict, key, existing.Status)
		}
		if status == models.ClaimIssued && existing.TxHash != nil && *existing.TxHash != txHash {
			return fmt.Errorf("%w: %s issued with tx %s", ErrOutcomeConflict, key, *existing.TxHash)
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOutcomeConflict):
		return err
	default:
		return transient("finalize", err)
	}
}

// AttachPending records the hash of a submitted but unconfirmed transaction while the
// record stays RESERVED.
func (l *ClaimLedger) AttachPending(ctx context.Context, key, txHash, reason string) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger: claim ledger not configured")
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return fmt.Errorf("ledger: tx hash required")
	}
	now := l.now().UTC()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ClaimRecord{}).
			Where("claim_key = ? AND status = ?", key, models.ClaimReserved).
			Updates(map[string]interface{}{"tx_hash": txHash, "last_error": reason})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var existing models.ClaimRecord
			if err := tx.First(&existing, "claim_key = ?", key).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			return fmt.Errorf("%w: %s already %s", ErrOutcomeConflict, key, existing.Status)
		}
		return appendClaimEvent(tx, key, "claim.pending", "tx_hash="+txHash, now)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOutcomeConflict):
		return err
	default:
		return transient("attach pending", err)
	}
}

// Expire fails key if it is still RESERVED from a reservation made before cutoff. It
// reports false when the record was settled or re-reserved in the meantime.
func (l *ClaimLedger) Expire(ctx context.Context, key string, cutoff time.Time, reason string) (bool, error) {
	if l == nil || l.db == nil {
		return false, fmt.Errorf("ledger: claim ledger not configured")
	}
	now := l.now().UTC()
	expired := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ClaimRecord{}).
			Where("claim_key = ? AND status = ? AND reserved_at < ?", key, models.ClaimReserved, cutoff.UTC()).
			Updates(map[string]interface{}{
				"status":       models.ClaimFailed,
				"last_error":   reason,
				"finalized_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		expired = true
		return appendClaimEvent(tx, key, "claim.expired", "reason="+reason, now)
	})
	if err != nil {
		return false, transient("expire", err)
	}
	return expired, nil
}

// Lookup returns the record stored for key.
func (l *ClaimLedger) Lookup(ctx context.Context, key string) (*models.ClaimRecord, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: claim ledger not configured")
	}
	var record models.ClaimRecord
	if err := l.db.WithContext(ctx).First(&record, "claim_key = ?", strings.TrimSpace(key)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, transient("lookup", err)
	}
	return &record, nil
}

// Stale lists RESERVED records reserved before cutoff, oldest first.
func (l *ClaimLedger) Stale(ctx context.Context, cutoff time.Time, limit int) ([]models.ClaimRecord, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: claim ledger not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	var records []models.ClaimRecord
	err := l.db.WithContext(ctx).
		Where("status = ? AND reserved_at < ?", models.ClaimReserved, cutoff.UTC()).
		Order("reserved_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, transient("stale", err)
	}
	return records, nil
}

// Events returns the audit trail recorded for key.
func (l *ClaimLedger) Events(ctx context.Context, key string) ([]models.ClaimEvent, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: claim ledger not configured")
	}
	var events []models.ClaimEvent
	if err := l.db.WithContext(ctx).Where("claim_key = ?", key).Order("created_at ASC").Find(&events).Error; err != nil {
		return nil, transient("events", err)
	}
	return events, nil
}

func appendClaimEvent(tx *gorm.DB, key, action, details string, at time.Time) error {
	event := models.ClaimEvent{
		ID:        uuid.New(),
		ClaimKey:  key,
		Action:    action,
		Details:   details,
		CreatedAt: at,
	}
	return tx.Create(&event).Error
}
