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

// CompensationLedger persists burn and refund entries.
type CompensationLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCompensationLedger constructs a ledger backed by the provided database.
func NewCompensationLedger(db *gorm.DB, now func() time.Time) *CompensationLedger {
	if now == nil {
		now = time.Now
	}
	return &CompensationLedger{db: db, now: now}
}

// CreateBurn records a PENDING burn ahead of its submission.
func (l *CompensationLedger) CreateBurn(ctx context.Context, userAddress string, points int64, reason string) (*models.CompensationEntry, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: compensation ledger not configured")
	}
	if points <= 0 {
		return nil, fmt.Errorf("ledger: points must be positive")
	}
	now := l.now().UTC()
	entry := models.CompensationEntry{
		ID:          uuid.New(),
		UserAddress: scopekey.Normalize(userAddress),
		Points:      points,
		Direction:   models.DirectionBurn,
		Reason:      strings.TrimSpace(reason),
		Status:      models.EntryPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, transient("create burn", err)
	}
	return &entry, nil
}

// CreateRefund inserts a PENDING refund for burn unless one already exists. The boolean
// reports whether this call created the row; when false the existing refund is returned.
func (l *CompensationLedger) CreateRefund(ctx context.Context, burn *models.CompensationEntry, reason string) (*models.CompensationEntry, bool, error) {
	if l == nil || l.db == nil {
		return nil, false, fmt.Errorf("ledger: compensation ledger not configured")
	}
	if burn == nil || burn.Direction != models.DirectionBurn {
		return nil, false, fmt.Errorf("ledger: refund requires a burn entry")
	}
	now := l.now().UTC()
	burnID := burn.ID
	entry := models.CompensationEntry{
		ID:            uuid.New(),
		UserAddress:   burn.UserAddress,
		Points:        burn.Points,
		Direction:     models.DirectionRefund,
		Reason:        strings.TrimSpace(reason),
		Status:        models.EntryPending,
		RelatedBurnID: &burnID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return nil, false, transient("create refund", res.Error)
	}
	if res.RowsAffected == 1 {
		return &entry, true, nil
	}
	existing, err := l.RefundFor(ctx, burnID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// RefundFor returns the refund linked to burnID.
func (l *CompensationLedger) RefundFor(ctx context.Context, burnID uuid.UUID) (*models.CompensationEntry, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: compensation ledger not configured")
	}
	var entry models.CompensationEntry
	err := l.db.WithContext(ctx).First(&entry, "related_burn_id = ? AND direction = ?", burnID, models.DirectionRefund).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, transient("refund lookup", err)
	}
	return &entry, nil
}

// Get returns the entry identified by id.
func (l *CompensationLedger) Get(ctx context.Context, id uuid.UUID) (*models.CompensationEntry, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: compensation ledger not configured")
	}
	var entry models.CompensationEntry
	if err := l.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, transient("get entry", err)
	}
	return &entry, nil
}

// Rearm moves a REVERTED entry back to PENDING so it can be resubmitted. It reports
// false when another caller re-armed or settled the entry first.
func (l *CompensationLedger) Rearm(ctx context.Context, id uuid.UUID) (bool, error) {
	if l == nil || l.db == nil {
		return false, fmt.Errorf("ledger: compensation ledger not configured")
	}
	res := l.db.WithContext(ctx).Model(&models.CompensationEntry{}).
		Where("id = ? AND status = ?", id, models.EntryReverted).
		Updates(map[string]interface{}{
			"status":     models.EntryPending,
			"tx_hash":    "",
			"last_error": "",
			"updated_at": l.now().UTC(),
		})
	if res.Error != nil {
		return false, transient("rearm", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AttachPending records the hash of a submitted but unconfirmed transaction.
func (l *CompensationLedger) AttachPending(ctx context.Context, id uuid.UUID, txHash, reason string) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger: compensation ledger not configured")
	}
	res := l.db.WithContext(ctx).Model(&models.CompensationEntry{}).
		Where("id = ? AND status = ?", id, models.EntryPending).
		Updates(map[string]interface{}{
			"tx_hash":    strings.TrimSpace(txHash),
			"last_error": reason,
			"updated_at": l.now().UTC(),
		})
	if res.Error != nil {
		return transient("attach pending", res.Error)
	}
	if res.RowsAffected == 0 {
		return l.conflictOrMissing(ctx, id, models.EntryPending)
	}
	return nil
}

// Resolve moves a PENDING entry to CONFIRMED or REVERTED. Resolving to the recorded
// status again is a no-op.
func (l *CompensationLedger) Resolve(ctx context.Context, id uuid.UUID, status models.EntryStatus, txHash, reason string) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger: compensation ledger not configured")
	}
	if status != models.EntryConfirmed && status != models.EntryReverted {
		return fmt.Errorf("%w: %s", ErrInvalidOutcome, status)
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": l.now().UTC(),
	}
	if txHash = strings.TrimSpace(txHash); txHash != "" {
		updates["tx_hash"] = txHash
	}
	if reason != "" {
		updates["last_error"] = reason
	}
	res := l.db.WithContext(ctx).Model(&models.CompensationEntry{}).
		Where("id = ? AND status = ?", id, models.EntryPending).
		Updates(updates)
	if res.Error != nil {
		return transient("resolve", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return l.conflictOrMissing(ctx, id, status)
}

// Pending lists PENDING entries last touched before cutoff, oldest first.
func (l *CompensationLedger) Pending(ctx context.Context, cutoff time.Time, limit int) ([]models.CompensationEntry, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: compensation ledger not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []models.CompensationEntry
	err := l.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.EntryPending, cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, transient("pending", err)
	}
	return entries, nil
}

func (l *CompensationLedger) conflictOrMissing(ctx context.Context, id uuid.UUID, want models.EntryStatus) error {
	existing, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status == want {
		return nil
	}
	return fmt.Errorf("%w: entry %s already %s", ErrOutcomeConflict, id, existing.Status)
}
