package service

import (
	"context"
	"errors"
	"time"

	"github.com/kelasipay/escrow-service/internal/model"
	"github.com/kelasipay/escrow-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// WalletService exposes the wallet surface: topups, balance reads and
// transaction history. All balance mutations funnel through the ledger
// primitives so each one carries its audit entry.
type WalletService struct {
	repo     repo.RepositoryInterface
	notifier *Notifier
	currency string
	log      *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, n *Notifier, currency string, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, notifier: n, currency: currency, log: logger}
}

// Topup credits money, auto-creating the wallet if absent. bonus selects the
// promotional sub-balance. The idempotency key makes retried submissions
// replay the original result instead of double-crediting.
func (s *WalletService) Topup(ctx context.Context, userID uint64, amt decimal.Decimal, bonus bool, key string) (decimal.Decimal, decimal.Decimal, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	var finalMain, finalBonus decimal.Decimal
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID, s.currency)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if w != nil {
			existed, txRow, err := s.repo.TxExists(ctx, tx, w.ID, key, model.TxCredit)
			if err != nil {
				return err
			}
			if existed {
				finalMain, finalBonus = w.Balance, w.BonusBalance
				s.log.Infof("topup replayed user=%d key=%s tx=%d", userID, key, txRow.ID)
				return nil
			}
		}
		finalMain, finalBonus, err = creditWallet(ctx, s.repo, tx, userID, s.currency, amt, bonus, "topup", key, &key)
		if err != nil {
			return err
		}
		s.notifier.Notify(ctx, tx, userID, "wallet.topup", key,
			"Rechargement effectué", "Votre portefeuille a été rechargé.",
			map[string]interface{}{"amount": amt.String(), "currency": s.currency})
		if err := s.repo.CacheBalance(ctx, userID, s.currency, finalMain, finalBonus); err != nil {
			s.log.Warn(err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return finalMain, finalBonus, nil
}

// GetBalance returns the main and bonus balances, cache-aside through Redis.
func (s *WalletService) GetBalance(ctx context.Context, userID uint64) (decimal.Decimal, decimal.Decimal, error) {
	bal, bonus, err := s.repo.GetCachedBalance(ctx, userID, s.currency)
	if err == nil {
		return bal, bonus, nil
	}
	var w model.Wallet
	if err := s.repo.DB(ctx).Where("user_id=? AND currency=?", userID, s.currency).First(&w).Error; err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	_ = s.repo.CacheBalance(ctx, userID, s.currency, w.Balance, w.BonusBalance)
	return w.Balance, w.BonusBalance, nil
}

// GetHistory fetches recent ledger entries for the user's wallet.
func (s *WalletService) GetHistory(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	var w model.Wallet
	if err := s.repo.DB(ctx).Where("user_id=? AND currency=?", userID, s.currency).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []model.Transaction{}, nil
		}
		return nil, err
	}
	var txs []model.Transaction
	err := s.repo.DB(ctx).
		Where("wallet_id=? AND created_at>=?", w.ID, since).
		Order("created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// Repo exposes underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}
