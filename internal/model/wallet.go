package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds a user's balance in one currency. Balance is the spendable
// main balance; BonusBalance holds promotional credit, spent before main
// funds. Neither may go below zero.
type Wallet struct {
	ID           uint64          `gorm:"primaryKey"`
	UserID       uint64          `gorm:"not null;uniqueIndex:uniq_user_currency"`
	Currency     string          `gorm:"size:8;not null;uniqueIndex:uniq_user_currency"`
	Balance      decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	BonusBalance decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version      uint64          `gorm:"not null;default:0"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
