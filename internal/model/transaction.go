package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types and sub-balance kinds.
const (
	TxCredit = "CREDIT"
	TxDebit  = "DEBIT"

	KindMain  = "main"
	KindBonus = "bonus"
)

// Transaction is an append-only ledger entry. Exactly one row is written per
// sub-balance mutation, with BalanceAfter = BalanceBefore +/- Amount. Rows are
// never updated or deleted.
type Transaction struct {
	ID             uint64          `gorm:"primaryKey"`
	WalletID       uint64          `gorm:"not null;index"`
	Type           string          `gorm:"size:16;not null"`
	BalanceKind    string          `gorm:"size:8;not null;default:'main'"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceBefore  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ReferenceType  string          `gorm:"size:32;not null"`
	ReferenceID    string          `gorm:"size:64;not null;index"`
	IdempotencyKey *string         `gorm:"size:64"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "transaction" }
