package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClaimStatus represents a state in the claim lifecycle.
type ClaimStatus string

// Claim lifecycle states.
const (
	ClaimReserved ClaimStatus = "RESERVED"
	ClaimIssued   ClaimStatus = "ISSUED"
	ClaimFailed   ClaimStatus = "FAILED"
)

// Direction distinguishes value-destroying burns from compensating refunds.
type Direction string

// Compensation directions.
const (
	DirectionBurn   Direction = "BURN"
	DirectionRefund Direction = "REFUND"
)

// EntryStatus tracks the chain outcome of a compensation entry.
type EntryStatus string

// Compensation entry states.
const (
	EntryPending   EntryStatus = "PENDING"
	EntryConfirmed EntryStatus = "CONFIRMED"
	EntryReverted  EntryStatus = "REVERTED"
)

// ClaimRecord is the single source of truth for whether a (user, quest, window) reward
// has been paid. The primary key on Key is the uniqueness constraint that makes
// reservation race-free.
type ClaimRecord struct {
	Key         string      `gorm:"column:claim_key;primaryKey;size:64" json:"key"`
	UserAddress string      `gorm:"size:64;index" json:"userAddress"`
	QuestID     string      `gorm:"size:128;index" json:"questId"`
	ScopeWindow string      `gorm:"size:64" json:"scopeWindow"`
	Status      ClaimStatus `gorm:"size:16;index" json:"status"`
	TxHash      *string     `gorm:"size:66" json:"txHash,omitempty"`
	Points      int64       `gorm:"not null" json:"points"`
	Attempts    int         `gorm:"not null;default:1" json:"attempts"`
	LastError   string      `gorm:"type:text" json:"lastError,omitempty"`
	ReservedAt  time.Time   `gorm:"index" json:"reservedAt"`
	CreatedAt   time.Time   `json:"createdAt"`
	FinalizedAt *time.Time  `json:"finalizedAt,omitempty"`
}

// ClaimEvent is the append-only audit trail of claim transitions.
type ClaimEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClaimKey  string    `gorm:"size:64;index"`
	Action    string    `gorm:"size:64"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// CompensationEntry records one half of a burn/refund pair. RelatedBurnID is only set
// on refunds, and its unique index allows at most one refund per burn.
type CompensationEntry struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	UserAddress   string      `gorm:"size:64;index" json:"userAddress"`
	Points        int64       `gorm:"not null" json:"points"`
	Direction     Direction   `gorm:"size:16;index" json:"direction"`
	Reason        string      `gorm:"size:255" json:"reason"`
	Status        EntryStatus `gorm:"size:16;index" json:"status"`
	RelatedBurnID *uuid.UUID  `gorm:"type:uuid;uniqueIndex" json:"relatedBurnId,omitempty"`
	TxHash        string      `gorm:"size:66" json:"txHash,omitempty"`
	LastError     string      `gorm:"type:text" json:"lastError,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ClaimRecord{},
		&ClaimEvent{},
		&CompensationEntry{},
		&IdempotencyKey{},
	)
}
