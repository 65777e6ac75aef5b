package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit log reason tags.
const (
	CreditReasonGenerationDebit  = "generation-debit"
	CreditReasonGenerationCredit = "generation-credit"
	CreditReasonTopUp            = "top-up"
)

// CreditLog is one immutable ledger row. The sum of a user's deltas
// is their balance.
type CreditLog struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string    `gorm:"type:uuid;index;not null" json:"user_id"`
	Delta        int64     `gorm:"not null" json:"delta"`
	Reason       string    `gorm:"type:text;not null" json:"reason"`
	GenerationID string    `gorm:"type:uuid;index" json:"generation_id,omitempty"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

type CreditLogs []*CreditLog
