package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Escrow status values. held is the only non-terminal state; released and
// refunded are terminal and permit no further transitions.
const (
	EscrowHeld     = "held"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

// Escrow is one held transaction, scoped to a commercial order. The payer's
// funds are debited when the row is created and stay held until release pays
// the payee (minus the platform fee) or refund returns the full amount.
// BonusApplied records how much of Amount came out of the payer's bonus
// sub-balance, so a refund can restore the same split.
type Escrow struct {
	ID            uint64          `gorm:"primaryKey"`
	OrderID       string          `gorm:"size:64;not null;uniqueIndex"`
	PayerID       uint64          `gorm:"not null;index"`
	PayeeID       *uint64         `gorm:"index"`
	Currency      string          `gorm:"size:8;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BonusApplied  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	FeeRate       decimal.Decimal `gorm:"type:numeric(8,6);not null"`
	FeeAmount     decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	PayeeAmount   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Status        string          `gorm:"size:16;not null;default:'held';index"`
	HeldAt        time.Time       `gorm:"not null"`
	ReleasedAt    *time.Time
	RefundedAt    *time.Time
	AutoReleaseAt *time.Time `gorm:"index"`
}

func (Escrow) TableName() string { return "escrow" }

// Terminal reports whether the escrow can accept no further transition.
func (e *Escrow) Terminal() bool { return e.Status != EscrowHeld }
