package service

import (
	"context"
	"errors"

	"github.com/kelasipay/escrow-service/internal/model"
	"github.com/kelasipay/escrow-service/internal/repo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet ledger primitives shared by the wallet and escrow services. Both run
// inside a caller-supplied gorm transaction with the wallet row locked, and
// every sub-balance mutation writes exactly one ledger entry whose
// before/after fields bracket that sub-balance only.

// creditWallet adds amount to one sub-balance, creating the wallet when
// absent. Returns the wallet's new main and bonus balances.
func creditWallet(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, userID uint64, currency string, amount decimal.Decimal, toBonus bool, refType, refID string, idemKey *string) (decimal.Decimal, decimal.Decimal, error) {
	w, err := r.GetWalletForUpdate(ctx, tx, userID, currency)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, decimal.Zero, err
		}
		w = &model.Wallet{UserID: userID, Currency: currency, Balance: decimal.Zero, BonusBalance: decimal.Zero}
		if err := r.CreateWallet(ctx, tx, w); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	newMain, newBonus := w.Balance, w.BonusBalance
	kind := model.KindMain
	before := w.Balance
	if toBonus {
		kind = model.KindBonus
		before = w.BonusBalance
		newBonus = newBonus.Add(amount)
	} else {
		newMain = newMain.Add(amount)
	}
	if err := r.UpdateWallet(ctx, tx, w.ID, newMain, newBonus, w.Version); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	t := &model.Transaction{
		WalletID: w.ID, Type: model.TxCredit, BalanceKind: kind, Amount: amount,
		BalanceBefore: before, BalanceAfter: before.Add(amount),
		ReferenceType: refType, ReferenceID: refID, IdempotencyKey: idemKey,
	}
	if err := r.CreateTransaction(ctx, tx, t); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return newMain, newBonus, nil
}

// creditWalletSplit restores a bonus/main split in one locked pass, e.g. a
// refund putting back exactly what a hold took. Zero portions write nothing.
func creditWalletSplit(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, userID uint64, currency string, mainPart, bonusPart decimal.Decimal, refType, refID string) (decimal.Decimal, decimal.Decimal, error) {
	w, err := r.GetWalletForUpdate(ctx, tx, userID, currency)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, decimal.Zero, err
		}
		w = &model.Wallet{UserID: userID, Currency: currency, Balance: decimal.Zero, BonusBalance: decimal.Zero}
		if err := r.CreateWallet(ctx, tx, w); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	newMain := w.Balance.Add(mainPart)
	newBonus := w.BonusBalance.Add(bonusPart)
	if err := r.UpdateWallet(ctx, tx, w.ID, newMain, newBonus, w.Version); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if bonusPart.IsPositive() {
		t := &model.Transaction{
			WalletID: w.ID, Type: model.TxCredit, BalanceKind: model.KindBonus, Amount: bonusPart,
			BalanceBefore: w.BonusBalance, BalanceAfter: newBonus,
			ReferenceType: refType, ReferenceID: refID,
		}
		if err := r.CreateTransaction(ctx, tx, t); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	if mainPart.IsPositive() {
		t := &model.Transaction{
			WalletID: w.ID, Type: model.TxCredit, BalanceKind: model.KindMain, Amount: mainPart,
			BalanceBefore: w.Balance, BalanceAfter: newMain,
			ReferenceType: refType, ReferenceID: refID,
		}
		if err := r.CreateTransaction(ctx, tx, t); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	return newMain, newBonus, nil
}

// debitWallet takes amount from the wallet, bonus sub-balance first, then
// main. Fails with ErrInsufficientFunds before any write when the combined
// balance cannot cover the amount. Returns how much came out of the bonus
// sub-balance plus the new balances.
func debitWallet(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, userID uint64, currency string, amount decimal.Decimal, refType, refID string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	w, err := r.GetWalletForUpdate(ctx, tx, userID, currency)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, decimal.Zero, decimal.Zero, repo.ErrInsufficientFunds
		}
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if w.Balance.Add(w.BonusBalance).LessThan(amount) {
		return decimal.Zero, decimal.Zero, decimal.Zero, repo.ErrInsufficientFunds
	}

	bonusUsed := decimal.Min(w.BonusBalance, amount)
	mainUsed := amount.Sub(bonusUsed)
	newBonus := w.BonusBalance.Sub(bonusUsed)
	newMain := w.Balance.Sub(mainUsed)

	if err := r.UpdateWallet(ctx, tx, w.ID, newMain, newBonus, w.Version); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if bonusUsed.IsPositive() {
		t := &model.Transaction{
			WalletID: w.ID, Type: model.TxDebit, BalanceKind: model.KindBonus, Amount: bonusUsed,
			BalanceBefore: w.BonusBalance, BalanceAfter: newBonus,
			ReferenceType: refType, ReferenceID: refID,
		}
		if err := r.CreateTransaction(ctx, tx, t); err != nil {
			return decimal.Zero, decimal.Zero, decimal.Zero, err
		}
	}
	if mainUsed.IsPositive() {
		t := &model.Transaction{
			WalletID: w.ID, Type: model.TxDebit, BalanceKind: model.KindMain, Amount: mainUsed,
			BalanceBefore: w.Balance, BalanceAfter: newMain,
			ReferenceType: refType, ReferenceID: refID,
		}
		if err := r.CreateTransaction(ctx, tx, t); err != nil {
			return decimal.Zero, decimal.Zero, decimal.Zero, err
		}
	}
	return bonusUsed, newMain, newBonus, nil
}
