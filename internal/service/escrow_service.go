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

// ErrPayeeRequired means release was attempted before a payee was assigned.
var ErrPayeeRequired = errors.New("escrow has no payee assigned")

// ErrSelfDeal means payer and payee are the same user.
var ErrSelfDeal = errors.New("payer and payee must differ")

// ReleaseResult is what a successful release settles.
type ReleaseResult struct {
	ReleasedAmount decimal.Decimal
	PayeeAmount    decimal.Decimal
	FeeAmount      decimal.Decimal
}

// EscrowService drives the hold/release/refund state machine. held is the
// only non-terminal state; every transition out of it runs inside one
// database transaction, with the escrow row locked and a conditional
// status flip guarding against concurrent double-settlement.
type EscrowService struct {
	repo           repo.RepositoryInterface
	notifier       *Notifier
	log            *zap.SugaredLogger
	feeRate        decimal.Decimal
	currency       string
	platformUserID uint64
	defaultDelay   time.Duration
}

// NewEscrowService returns EscrowService. platformUserID owns the wallet the
// commission is credited to on release.
func NewEscrowService(r repo.RepositoryInterface, n *Notifier, feeRate decimal.Decimal, currency string, platformUserID uint64, defaultDelay time.Duration, logger *zap.SugaredLogger) *EscrowService {
	return &EscrowService{
		repo: r, notifier: n, log: logger,
		feeRate: feeRate, currency: currency,
		platformUserID: platformUserID, defaultDelay: defaultDelay,
	}
}

// Hold debits the payer and opens an escrow for the order. Calling it again
// while the escrow is still held returns the existing record unchanged; a
// terminal escrow yields ErrInvalidState. The debit and its ledger entries
// commit atomically with the escrow row, so the payer is never charged
// without an auditable hold.
func (s *EscrowService) Hold(ctx context.Context, orderID string, payerID uint64, payeeID *uint64, amount decimal.Decimal, releaseDelay time.Duration) (*model.Escrow, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if payeeID != nil && *payeeID == payerID {
		return nil, ErrSelfDeal
	}
	if releaseDelay <= 0 {
		releaseDelay = s.defaultDelay
	}

	var result *model.Escrow
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.GetEscrowByOrder(ctx, tx, orderID, true)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if existing != nil {
			if existing.Terminal() {
				return repo.ErrInvalidState
			}
			result = existing
			return nil
		}

		bonusUsed, newMain, newBonus, err := debitWallet(ctx, s.repo, tx, payerID, s.currency, amount, "escrow_hold", orderID)
		if err != nil {
			return err
		}

		now := time.Now()
		autoRelease := now.Add(releaseDelay)
		e := &model.Escrow{
			OrderID:       orderID,
			PayerID:       payerID,
			PayeeID:       payeeID,
			Currency:      s.currency,
			Amount:        amount,
			BonusApplied:  bonusUsed,
			FeeRate:       s.feeRate,
			Status:        model.EscrowHeld,
			HeldAt:        now,
			AutoReleaseAt: &autoRelease,
		}
		if err := s.repo.CreateEscrow(ctx, tx, e); err != nil {
			return err
		}

		s.notifier.Notify(ctx, tx, payerID, "escrow.held", orderID,
			"Paiement sécurisé", "Le montant de votre commande est bloqué en séquestre.",
			map[string]interface{}{"order_id": orderID, "amount": amount.String(), "currency": s.currency})
		if err := s.repo.CacheBalance(ctx, payerID, s.currency, newMain, newBonus); err != nil {
			s.log.Warn(err)
		}
		result = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AssignPayee sets the counterparty on a held escrow, e.g. once a driver or
// vendor accepts the order.
func (s *EscrowService) AssignPayee(ctx context.Context, orderID string, payeeID uint64) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := s.repo.GetEscrowByOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if e.Terminal() {
			return repo.ErrInvalidState
		}
		if e.PayerID == payeeID {
			return ErrSelfDeal
		}
		return s.repo.SetEscrowPayee(ctx, tx, orderID, payeeID)
	})
}

// Release settles a held escrow to the payee: the commission comes off the
// top into the platform wallet and the remainder is credited to the payee.
// A second release, or a release after refund, fails with ErrInvalidState
// and moves no money.
func (s *EscrowService) Release(ctx context.Context, orderID string) (*ReleaseResult, error) {
	var result *ReleaseResult
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := s.repo.GetEscrowByOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if e.Terminal() {
			return repo.ErrInvalidState
		}
		if e.PayeeID == nil {
			return ErrPayeeRequired
		}

		feeAmount := e.Amount.Mul(e.FeeRate)
		payeeAmount := e.Amount.Sub(feeAmount)

		payeeMain, payeeBonus, err := creditWallet(ctx, s.repo, tx, *e.PayeeID, e.Currency, payeeAmount, false, "escrow_release", orderID, nil)
		if err != nil {
			return err
		}
		if feeAmount.IsPositive() {
			if _, _, err := creditWallet(ctx, s.repo, tx, s.platformUserID, e.Currency, feeAmount, false, "escrow_fee", orderID, nil); err != nil {
				return err
			}
		}
		now := time.Now()
		if err := s.repo.MarkEscrowReleased(ctx, tx, orderID, feeAmount, payeeAmount, now); err != nil {
			return err
		}

		s.notifier.Notify(ctx, tx, *e.PayeeID, "escrow.released", orderID,
			"Paiement reçu", "Le montant de la commande vous a été versé.",
			map[string]interface{}{"order_id": orderID, "amount": payeeAmount.String(), "currency": e.Currency})
		s.notifier.Notify(ctx, tx, e.PayerID, "escrow.released", orderID,
			"Commande finalisée", "Le séquestre de votre commande a été libéré.",
			map[string]interface{}{"order_id": orderID})
		if err := s.repo.CacheBalance(ctx, *e.PayeeID, e.Currency, payeeMain, payeeBonus); err != nil {
			s.log.Warn(err)
		}
		result = &ReleaseResult{ReleasedAmount: e.Amount, PayeeAmount: payeeAmount, FeeAmount: feeAmount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Refund returns the full held amount to the payer, fee waived. The bonus
// portion taken at hold time goes back to the bonus sub-balance.
func (s *EscrowService) Refund(ctx context.Context, orderID string) (decimal.Decimal, error) {
	var refunded decimal.Decimal
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := s.repo.GetEscrowByOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if e.Terminal() {
			return repo.ErrInvalidState
		}

		mainPart := e.Amount.Sub(e.BonusApplied)
		payerMain, payerBonus, err := creditWalletSplit(ctx, s.repo, tx, e.PayerID, e.Currency, mainPart, e.BonusApplied, "escrow_refund", orderID)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := s.repo.MarkEscrowRefunded(ctx, tx, orderID, now); err != nil {
			return err
		}

		s.notifier.Notify(ctx, tx, e.PayerID, "escrow.refunded", orderID,
			"Remboursement effectué", "Le montant de votre commande vous a été remboursé.",
			map[string]interface{}{"order_id": orderID, "amount": e.Amount.String(), "currency": e.Currency})
		if err := s.repo.CacheBalance(ctx, e.PayerID, e.Currency, payerMain, payerBonus); err != nil {
			s.log.Warn(err)
		}
		refunded = e.Amount
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return refunded, nil
}

// Get returns the escrow for an order without locking it.
func (s *EscrowService) Get(ctx context.Context, orderID string) (*model.Escrow, error) {
	return s.repo.GetEscrowByOrder(ctx, s.repo.DB(ctx), orderID, false)
}

// SweepDue releases every held escrow whose auto-release deadline has
// passed. Races with a manual release or refund are benign: the conditional
// status flip lets only one settlement through, the loser is skipped.
func (s *EscrowService) SweepDue(ctx context.Context, batch int) (int, error) {
	due, err := s.repo.ListDueEscrows(ctx, time.Now(), batch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, e := range due {
		if _, err := s.Release(ctx, e.OrderID); err != nil {
			if errors.Is(err, repo.ErrInvalidState) {
				continue
			}
			if errors.Is(err, ErrPayeeRequired) {
				s.log.Warnf("sweep order=%s: no payee, leaving held", e.OrderID)
				continue
			}
			s.log.Errorf("sweep order=%s: %v", e.OrderID, err)
			continue
		}
		released++
	}
	return released, nil
}
